// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package server 提供 cardflow 命令行的辅助 HTTP 端点。

# 概述

Manager 在后台运行单个 http.Server，由 cmd/cardflow 在配置了
metrics.addr 时启动，用于暴露 Prometheus /metrics 与 /healthz，
并在命令结束时优雅关闭。

# 核心类型

  - Manager        — 非阻塞启动、幂等关闭、异步错误通道
  - Config         — 监听地址与读写、空闲、关闭超时
  - MetricsHandler — /metrics（promhttp）与 /healthz 路由
*/
package server
