// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
包 metrics 提供基于 Prometheus 的流程执行指标采集。

# 概述

Collector 通过 promauto 注册指标，按 namespace 隔离：流程运行与耗时、
节点终态、适配器调用耗时与 Token 用量、就绪预检结果、连通性回退、
策略降级、审计事件丢弃、共享状态版本冲突以及数据库连接数。
nil Collector 可安全调用，未启用指标时直接传 nil。
*/
package metrics
