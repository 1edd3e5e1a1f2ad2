// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package cards 提供卡片模型、基线注册表与工作区覆盖层。

# 概述

卡片是只读、带版本的数据记录，描述一个可复用关注点（角色、任务、
模型、Provider、能力、节点、流程、运行配置）。每张卡片以 card_type
区分种类，id 必须带有该种类的前缀（如 persona.）。

# 核心类型

  - Card        — 封闭联合接口，具体变体为 PersonaCard / TaskCard / ModelCard /
    ProviderConfigCard / CapabilityCard / CapabilityBindingCard / NodeCard /
    FlowCard / RunProfileCard
  - Loader      — 递归加载 .yaml / .yml / .json 卡片文件，生成 LoadReport
  - Registry    — 只读基线注册表，Resolve / List
  - Overlay     — 可写覆盖层，Put / Hide / Delete / Clear，可选落盘
  - View        — 覆盖层优先的合并视图，Snapshot 冻结运行时视图

# 校验

每种卡片的必填字段由内嵌 JSON Schema（schemas/*.json）校验，前缀由
checkPrefix 校验；失败的卡片只影响自身，不影响其他卡片的加载。
*/
package cards
