// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
包 database 提供基于 GORM 的数据库连接池管理，供 infra 制品存储与审计表使用。

# 概述

Open 按 config.DatabaseConfig 的驱动名（postgres、mysql、sqlite）选择方言，
打开连接并立即探活；sqlite 使用 github.com/glebarez/sqlite 纯 Go 实现。
PoolManager 统一管理连接生命周期，后台健康检查定时探活并通过
StatsHook 将连接池统计上报给指标采集器。
*/
package database
