// =============================================================================
// cardflow 主入口
// =============================================================================
// 使用方法:
//
//	cardflow run -flow flow.review -profile profile.local -tenant acme
//	cardflow node -node node.draft -profile profile.local -tenant acme -model model.alt -provider provider.alt
//	cardflow resume -token rt_... -input "approved"
//	cardflow validate -flow flow.review -watch
//	cardflow version
// =============================================================================

package main

import (
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/BaSui01/cardflow/config"
	"github.com/BaSui01/cardflow/types"
)

// =============================================================================
// 📦 版本信息（构建时注入）
// =============================================================================

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// 退出码
const (
	exitOK          = 0
	exitFail        = 1
	exitUsage       = 2
	exitInterrupted = 3
	exitSkipped     = 4
)

// =============================================================================
// 🎯 主函数
// =============================================================================

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(exitUsage)
	}

	var code int
	switch os.Args[1] {
	case "run":
		code = runFlow(os.Args[2:])
	case "node":
		code = runNode(os.Args[2:])
	case "resume":
		code = runResume(os.Args[2:])
	case "validate":
		code = runValidate(os.Args[2:])
	case "version":
		printVersion()
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		code = exitUsage
	}
	os.Exit(code)
}

// exitCode maps a run status to the process exit code.
func exitCode(status types.Status) int {
	switch status {
	case types.StatusPass:
		return exitOK
	case types.StatusInterrupted:
		return exitInterrupted
	case types.StatusSkip:
		return exitSkipped
	default:
		return exitFail
	}
}

// errorExitCode maps errors raised before execution to exit codes.
func errorExitCode(err error) int {
	var te *types.Error
	if errors.As(err, &te) && te.Code == types.ErrInvalidInput {
		return exitUsage
	}
	return exitFail
}

// =============================================================================
// 📋 版本和帮助
// =============================================================================

func printVersion() {
	fmt.Printf("cardflow %s\n", Version)
	fmt.Printf("  Build Time: %s\n", BuildTime)
	fmt.Printf("  Git Commit: %s\n", GitCommit)
}

func printUsage() {
	fmt.Println(`cardflow - card-driven workflow engine

Usage:
  cardflow <command> [options]

Commands:
  run       Execute a flow card under a run profile
  node      Execute a single node card
  resume    Resume an interrupted run with external input
  validate  Load the card registry and validate flows
  version   Show version information
  help      Show this help message

Common options:
  -config <path>    Path to configuration file (YAML)
  -tenant <id>      Tenant id (required for run, node)
  -project <id>     Project id
  -run-id <id>      Run id (generated when empty)

Exit codes:
  0 PASS, 1 FAIL or error, 2 usage, 3 INTERRUPTED, 4 SKIP

Examples:
  cardflow run -flow flow.review -profile profile.local -tenant acme -input "draft text"
  cardflow node -node node.draft -profile profile.local -tenant acme -model model.alt -provider provider.alt
  cardflow resume -token rt_run_1_node.review_abc123 -input "approved"
  cardflow validate -flow flow.review -watch
  cardflow version`)
}

// =============================================================================
// 🔧 日志初始化
// =============================================================================

func initLogger(cfg config.LogConfig) *zap.Logger {
	var level zapcore.Level
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "info":
		level = zapcore.InfoLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	var encoderConfig zapcore.EncoderConfig
	if cfg.Format == "console" {
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	outputs := cfg.OutputPaths
	if len(outputs) == 0 {
		outputs = []string{"stderr"}
	}
	zapConfig := zap.Config{
		Level:             zap.NewAtomicLevelAt(level),
		Development:       cfg.Format == "console",
		Encoding:          "json",
		EncoderConfig:     encoderConfig,
		OutputPaths:       outputs,
		ErrorOutputPaths:  []string{"stderr"},
		DisableCaller:     !cfg.EnableCaller,
		DisableStacktrace: !cfg.EnableStacktrace,
	}
	if cfg.Format == "console" {
		zapConfig.Encoding = "console"
	}

	logger, err := zapConfig.Build()
	if err != nil {
		// 回退到基本 logger
		logger, _ = zap.NewProduction()
	}
	return logger
}
