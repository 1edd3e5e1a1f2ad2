// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package workflow 提供卡片驱动的 DAG 校验与执行引擎。

# 概述

workflow 包把 FlowCard 描述的有向无环图调度到可插拔的后端适配器上。
每个节点都走同一条状态机：

	PENDING -> RESOLVING -> PREFLIGHT -> INVOKING -> {PASS | FAIL | SKIP | INTERRUPTED}

RESOLVING 解析 persona/task/provider/model/capability 卡片，任何缺失引用
直接 FAIL 且不调用后端；PREFLIGHT 检查后端就绪状态，非 READY 一律 SKIP；
INVOKING 仅用卡片内容、上游输出与 RequestContext 组装请求。

# 核心类型

  - ValidateDAG / BuildGraph — Kahn 拓扑排序，按节点输入顺序打破平局，
    环路返回 CYCLE 错误并列出未消解的节点
  - NodeExecutor  — 单节点状态机（就绪预检、能力映射、限额、流式、
    PII 脱敏、产物与共享状态持久化、回归检查）
  - FlowExecutor  — errgroup 有界并发调度，屏障等待全部前驱，
    halt / continue 失败策略，运行级取消
  - Engine        — ExecuteFlow / ExecuteNode / ResumeFlow / ResumeNode，
    每次运行取卡片快照并解析 RunProfile
  - InterruptStore — 中断检查点存储（内存 / 文件 / Redis）

# 流程状态聚合

任一节点 FAIL 则流程 FAIL；全部出口 PASS 则 PASS；存在 INTERRUPTED 节点
则 INTERRUPTED（附恢复令牌）；否则 SKIP。
*/
package workflow
