// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
cardflow 是卡片驱动工作流引擎的命令行入口。

# 子命令

  - run      — 在指定运行配置下执行流程卡片
  - node     — 单独执行一个节点，可覆盖 provider 与 model
  - resume   — 使用恢复令牌继续被中断的运行
  - validate — 加载卡片目录并校验流程 DAG，-watch 时持续校验
  - version  — 显示版本信息

结果以 JSON 输出到 stdout，日志默认写入 stderr。配置通过 -config
指定的 YAML 文件与 CARDFLOW_ 前缀的环境变量加载。
*/
package main
