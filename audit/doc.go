// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

// Package audit 提供按 run id 组织、只追加的审计/追踪事件流。
//
// Dispatcher 实现非阻塞的 Sink：事件写入有界缓冲区，满时丢弃并计数，
// 由单个后台 goroutine 批量交给 Writer。Writer 可以是 LogWriter（zap）、
// FileWriter（每个 run 一个 JSONL 文件）或 DBWriter（gorm audit_records 表）。
package audit
