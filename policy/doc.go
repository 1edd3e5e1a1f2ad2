// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

// Package policy 将运行配置卡（RunProfileCard）解析为具体的持久化与降级策略。
//
// 四类策略（制品存储、共享状态、PII 处理、检索）各自取值 local、infra 或
// disabled。infra 后端不可达时，仅当 allow_fallback 为 true 才降级到 local，
// 否则在任何工作开始前以 ConfigurationError 失败关闭。规则对四类策略对称。
package policy
