package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/cardflow/cards"
	"github.com/BaSui01/cardflow/config"
	"github.com/BaSui01/cardflow/llm"
	"github.com/BaSui01/cardflow/types"
	"github.com/BaSui01/cardflow/workflow"
)

// =============================================================================
// 🧰 公共参数
// =============================================================================

type commonFlags struct {
	configPath string
	tenant     string
	project    string
	mode       string
	runID      string
	user       string
}

func bindCommon(fs *flag.FlagSet) *commonFlags {
	c := &commonFlags{}
	fs.StringVar(&c.configPath, "config", "", "Path to config file")
	fs.StringVar(&c.tenant, "tenant", "", "Tenant id")
	fs.StringVar(&c.project, "project", "", "Project id")
	fs.StringVar(&c.mode, "mode", "", "Execution mode label")
	fs.StringVar(&c.runID, "run-id", "", "Run id (generated when empty)")
	fs.StringVar(&c.user, "user", "", "User id")
	return c
}

func (c *commonFlags) requestContext() (types.RequestContext, error) {
	return types.NewRequestContext(types.RequestContextOptions{
		TenantID:  c.tenant,
		Mode:      c.mode,
		ProjectID: c.project,
		RunID:     c.runID,
		UserID:    c.user,
		SurfaceID: "cli",
	})
}

// readInput returns the inline payload, or the file contents when path is set.
func readInput(inline, path string) (string, error) {
	if path == "" {
		return inline, nil
	}
	if inline != "" {
		return "", types.NewError(types.ErrInvalidInput, "-input and -input-file are mutually exclusive")
	}
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return "", fmt.Errorf("read input: %w", err)
	}
	return string(data), nil
}

func printJSON(w io.Writer, v any) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

// streamTo writes streamed tokens of every node to w.
func streamTo(w io.Writer) workflow.StreamObserver {
	return func(nodeID string, chunk llm.StreamChunk) {
		if chunk.Kind == llm.ChunkToken {
			fmt.Fprint(w, chunk.Text)
		}
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// session is a configured app bound to a signal-aware context.
type session struct {
	ctx    context.Context
	app    *app
	logger *zap.Logger
	stop   func()
}

func openSession(configPath string) (*session, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}
	logger := initLogger(cfg.Log)
	logger.Debug("starting cardflow",
		zap.String("version", Version),
		zap.String("git_commit", GitCommit),
	)

	ctx, cancel := signalContext()
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		cancel()
		_ = logger.Sync()
		return nil, err
	}
	return &session{
		ctx:    ctx,
		app:    a,
		logger: logger,
		stop: func() {
			cancel()
			closeCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
			defer done()
			_ = a.Close(closeCtx)
			_ = logger.Sync()
		},
	}, nil
}

func (s *session) runOptions(payload string, allowRegression, stream bool) []workflow.RunOption {
	opts := []workflow.RunOption{workflow.WithInput(payload)}
	if allowRegression || s.app.cfg.Executor.AllowRegression {
		opts = append(opts, workflow.WithRegressionOverride())
	}
	if stream {
		opts = append(opts, workflow.WithObserver(streamTo(os.Stderr)))
	}
	return opts
}

func fail(err error) int {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	return errorExitCode(err)
}

// finish prints the result and maps it to an exit code. A non-nil result
// wins over err because it carries the per-node detail.
func finish(result any, status types.Status, err error) int {
	if result == nil {
		return fail(err)
	}
	printJSON(os.Stdout, result)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	return exitCode(status)
}

// =============================================================================
// 🌊 run 命令
// =============================================================================

func runFlow(args []string) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	common := bindCommon(fs)
	flowID := fs.String("flow", "", "Flow card id")
	profileID := fs.String("profile", "", "Run profile card id")
	input := fs.String("input", "", "Flow input payload")
	inputFile := fs.String("input-file", "", "Read the flow input from a file (- for stdin)")
	allowRegression := fs.Bool("allow-regression", false, "Proceed past connectivity regressions")
	stream := fs.Bool("stream", false, "Print streamed tokens to stderr")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if *flowID == "" || *profileID == "" {
		fmt.Fprintln(os.Stderr, "run requires -flow and -profile")
		return exitUsage
	}
	payload, err := readInput(*input, *inputFile)
	if err != nil {
		return fail(err)
	}
	rc, err := common.requestContext()
	if err != nil {
		return fail(err)
	}

	s, err := openSession(common.configPath)
	if err != nil {
		return fail(err)
	}
	defer s.stop()

	result, err := s.app.engine.ExecuteFlow(s.ctx, *flowID, *profileID, rc, s.runOptions(payload, *allowRegression, *stream)...)
	if result == nil {
		return finish(nil, "", err)
	}
	return finish(result, result.Status, err)
}

// =============================================================================
// 🧩 node 命令
// =============================================================================

func runNode(args []string) int {
	fs := flag.NewFlagSet("node", flag.ContinueOnError)
	common := bindCommon(fs)
	nodeID := fs.String("node", "", "Node card id")
	profileID := fs.String("profile", "", "Run profile card id")
	input := fs.String("input", "", "Node input payload")
	inputFile := fs.String("input-file", "", "Read the node input from a file (- for stdin)")
	provider := fs.String("provider", "", "Provider card override")
	model := fs.String("model", "", "Model card override")
	allowRegression := fs.Bool("allow-regression", false, "Proceed past connectivity regressions")
	stream := fs.Bool("stream", false, "Print streamed tokens to stderr")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if *nodeID == "" || *profileID == "" {
		fmt.Fprintln(os.Stderr, "node requires -node and -profile")
		return exitUsage
	}
	payload, err := readInput(*input, *inputFile)
	if err != nil {
		return fail(err)
	}
	rc, err := common.requestContext()
	if err != nil {
		return fail(err)
	}

	s, err := openSession(common.configPath)
	if err != nil {
		return fail(err)
	}
	defer s.stop()

	opts := s.runOptions(payload, *allowRegression, *stream)
	if *provider != "" {
		opts = append(opts, workflow.WithProviderOverride(*provider))
	}
	if *model != "" {
		opts = append(opts, workflow.WithModelOverride(*model))
	}
	result, err := s.app.engine.ExecuteNode(s.ctx, *nodeID, *profileID, rc, opts...)
	if result == nil {
		return finish(nil, "", err)
	}
	return finish(result, result.Status, err)
}

// =============================================================================
// ⏯️ resume 命令
// =============================================================================

func runResume(args []string) int {
	fs := flag.NewFlagSet("resume", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to config file")
	token := fs.String("token", "", "Resume token")
	input := fs.String("input", "", "External input for the interrupted node")
	inputFile := fs.String("input-file", "", "Read the external input from a file (- for stdin)")
	single := fs.Bool("single", false, "The token belongs to a single-node run")
	allowRegression := fs.Bool("allow-regression", false, "Proceed past connectivity regressions")
	stream := fs.Bool("stream", false, "Print streamed tokens to stderr")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if *token == "" {
		fmt.Fprintln(os.Stderr, "resume requires -token")
		return exitUsage
	}
	resumeInput, err := readInput(*input, *inputFile)
	if err != nil {
		return fail(err)
	}

	s, err := openSession(*configPath)
	if err != nil {
		return fail(err)
	}
	defer s.stop()

	// 原始输入取自检查点
	opts := s.runOptions("", *allowRegression, *stream)
	if *single {
		result, err := s.app.engine.ResumeNode(s.ctx, *token, resumeInput, opts...)
		if result == nil {
			return finish(nil, "", err)
		}
		return finish(result, result.Status, err)
	}
	result, err := s.app.engine.ResumeFlow(s.ctx, *token, resumeInput, opts...)
	if result == nil {
		return finish(nil, "", err)
	}
	return finish(result, result.Status, err)
}

// =============================================================================
// ✅ validate 命令
// =============================================================================

// validation is the JSON report printed by validate.
type validation struct {
	Root   string           `json:"root"`
	Loaded int              `json:"loaded"`
	Errors []cardError      `json:"errors,omitempty"`
	Flows  []flowValidation `json:"flows"`
}

type cardError struct {
	Path  string `json:"path"`
	ID    string `json:"id,omitempty"`
	Error string `json:"error"`
}

type flowValidation struct {
	ID           string   `json:"id"`
	Order        []string `json:"order,omitempty"`
	MissingNodes []string `json:"missing_nodes,omitempty"`
	Error        string   `json:"error,omitempty"`
}

// OK reports whether every card loaded and every flow is runnable.
func (v *validation) OK() bool {
	if len(v.Errors) > 0 {
		return false
	}
	for _, f := range v.Flows {
		if f.Error != "" || len(f.MissingNodes) > 0 {
			return false
		}
	}
	return true
}

// validateRegistry loads the registry and checks flowID, or every flow when
// flowID is empty.
func validateRegistry(cfg config.RegistryConfig, flowID string, logger *zap.Logger) (*validation, error) {
	view, report, err := loadCards(cfg, logger)
	if err != nil {
		return nil, err
	}
	snap := view.Snapshot()
	v := &validation{Root: report.Root, Loaded: report.Loaded, Flows: []flowValidation{}}
	for _, le := range report.Errors {
		v.Errors = append(v.Errors, cardError{Path: le.Path, ID: le.ID, Error: le.Err.Error()})
	}

	ids := snap.List(cards.KindFlow)
	if flowID != "" {
		ids = []string{flowID}
	}
	for _, id := range ids {
		fv := flowValidation{ID: id}
		flow, err := cards.Get[*cards.FlowCard](snap, cards.KindFlow, id)
		if err != nil {
			fv.Error = err.Error()
			v.Flows = append(v.Flows, fv)
			continue
		}
		g, err := workflow.BuildGraph(flow)
		if err != nil {
			fv.Error = err.Error()
		} else {
			fv.Order = g.Order
		}
		for _, n := range flow.Nodes {
			if _, err := cards.Get[*cards.NodeCard](snap, cards.KindNode, n); err != nil {
				fv.MissingNodes = append(fv.MissingNodes, n)
			}
		}
		v.Flows = append(v.Flows, fv)
	}
	return v, nil
}

func runValidate(args []string) int {
	fs := flag.NewFlagSet("validate", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to config file")
	root := fs.String("root", "", "Card root (overrides registry.root)")
	flowID := fs.String("flow", "", "Validate only this flow")
	watch := fs.Bool("watch", false, "Re-validate whenever a card file changes")
	interval := fs.Duration("interval", time.Second, "Polling interval for -watch")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return fail(err)
	}
	if *root != "" {
		cfg.Registry.Root = *root
	}
	logger := initLogger(cfg.Log)
	defer logger.Sync()

	check := func() int {
		v, err := validateRegistry(cfg.Registry, *flowID, logger)
		if err != nil {
			return fail(err)
		}
		printJSON(os.Stdout, v)
		if !v.OK() {
			return exitFail
		}
		return exitOK
	}

	code := check()
	if !*watch {
		return code
	}

	ctx, cancel := signalContext()
	defer cancel()
	w := cards.NewWatcher([]string{cfg.Registry.Root, cfg.Registry.OverlayRoot}, logger, cards.WithPollInterval(*interval))
	w.OnChange(func(ev cards.WatchEvent) {
		logger.Info("cards changed", zap.Strings("paths", ev.Changed))
		code = check()
	})
	if err := w.Start(ctx); err != nil {
		return fail(err)
	}
	<-ctx.Done()
	w.Stop()
	return code
}
