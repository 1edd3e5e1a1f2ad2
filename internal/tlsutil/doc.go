// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

// Package tlsutil 集中管理 cardflow 的出站 TLS 设置（TLS 1.2+，仅 AEAD 密码套件）。
//
// BackendTransport 供 LLM 适配器使用，ServiceClient 供托管脱敏服务使用，
// ForRedis 供 infra 共享状态与中断检查点的 Redis 连接使用。
package tlsutil
