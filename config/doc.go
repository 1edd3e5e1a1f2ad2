// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

// Package config 提供 cardflow 的配置管理功能。
//
// 配置按 默认值 → YAML 文件 → 环境变量（CARDFLOW_ 前缀）的顺序叠加，
// 覆盖注册表根目录、执行器并发与超时、四类持久化策略的 infra 后端
// （Redis / 数据库 / MongoDB / 托管脱敏服务）、台账、审计、日志与遥测。
package config
