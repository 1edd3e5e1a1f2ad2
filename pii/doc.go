// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

// Package pii 提供个人敏感信息脱敏策略。
//
// RegexRedactor 为 local 策略（正则规则），RemoteRedactor 为 infra 策略
// （托管脱敏服务），Passthrough 为 disabled 策略。
package pii
