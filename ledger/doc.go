// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package ledger 提供后端连通性台账。

每个后端 ID 对应一条记录：ever_passed 标记一旦置为 true 就不会被
正常操作清除，并记录最近一次通过的时间戳。CheckRegression 在后端
曾经通过、当前状态却不是 PASS 时报告回归：默认返回 REGRESSION 错误，
显式 override 时改为记录一条警告并返回给调用方。

台账为单写者模型，每次变更后以"写临时文件再重命名"的方式持久化为 JSON。
*/
package ledger
