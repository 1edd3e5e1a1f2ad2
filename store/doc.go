// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package store 提供节点输出的持久化存储：共享状态与制品。

# 共享状态

StateStore 采用乐观并发控制：写入必须携带读取时的版本号，
版本过期的写入会以 VERSION_CONFLICT 错误拒绝，绝不静默覆盖。

  - MemoryStateStore: local 策略，进程内带版本号的 map
  - RedisStateStore:  infra 策略，基于 WATCH/MULTI 事务的比较并设置
  - DiscardStateStore: disabled 策略

# 制品

  - FileArtifactStore: local 策略，<dir>/<run_id>/<node_id>/<name>.json
  - DBArtifactStore:   infra 策略，gorm 只追加表 cardflow_artifacts
  - DiscardArtifactStore: disabled 策略
*/
package store
