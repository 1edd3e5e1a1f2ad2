// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package llm 定义 cardflow 的后端适配器契约。

# 概述

每个可插拔后端实现 Adapter 接口：自报就绪状态（READY /
MISSING_DEPS / MISSING_CREDS_OR_CONFIG）、阻塞调用 Invoke 与流式调用
InvokeStream。后端失败以 BackendError 形式放入 InvokeResult，而不是
作为 Go error 返回；panic 仅用于调用方违反契约的编程错误。

# 核心组件

  - Adapter / Factory / Registry: 适配器契约与按后端 ID 注册的工厂
  - LimitGuard: max_calls、速率、墙钟超时与输出大小限制，按 provider 共享
  - NewStream: 将生产者函数包装为有序、可取消、必有终止事件的 Stream
  - MapHTTPError: HTTP 状态码到 BackendError 的映射

内置后端位于 llm/providers 子包：openai、openai-compatible 与 anthropic。
*/
package llm
