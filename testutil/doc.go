// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package testutil 提供 cardflow 测试的共享工具和辅助函数。

# 核心能力

  - 上下文辅助: TestContext / RequestContext，自动注册 Cleanup 防止泄漏
  - 异步断言: AssertEventuallyTrue / WaitFor

# 子包

  - testutil/mocks: SpyAdapter（记录调用的后端适配器，支持就绪状态、
    错误、流式块、延迟与 panic 注入）与 RecordingSink（审计事件记录）
  - testutil/fixtures: 卡片工厂与预置流程（菱形 DAG 等）
*/
package testutil
