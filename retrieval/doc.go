// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

// Package retrieval 为节点提示词提供检索上下文。
//
// LocalRetriever 为 local 策略（目录内 .md/.txt 的关键词检索），
// MongoRetriever 为 infra 策略（MongoDB $text 全文检索），
// Disabled 为 disabled 策略。
package retrieval
