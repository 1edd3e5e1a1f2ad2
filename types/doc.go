// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package types 提供 cardflow 引擎的全局共享类型定义。

# 概述

types 是最底层的公共包，不依赖任何内部包，为 cards、workflow、llm、
policy、ledger 等上层模块提供统一的错误体系与请求上下文。

# 核心类型

  - Error / ErrorCode — 结构化错误体系（CONFIGURATION / VALIDATION /
    READINESS / BACKEND / VERSION_CONFLICT / REGRESSION 等），含 Ref 与 Retryable
  - RequestContext    — 不可变的租户/运行身份，贯穿每一次适配器调用与台账记录

# 主要能力

  - 错误工具链：AsError / CodeOf / IsCode / IsRetryable
  - 常用错误构造：NewConfigurationError / NewValidationError / NewVersionConflict /
    NewRegressionError
  - Context 传播：WithRequestContext / RequestContextFrom
*/
package types
