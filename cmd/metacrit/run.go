package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/throw-if-null/metacrit/internal/config"
	"github.com/throw-if-null/metacrit/internal/dataset"
	"github.com/throw-if-null/metacrit/internal/harness"
	"github.com/throw-if-null/metacrit/internal/judge"
	"github.com/throw-if-null/metacrit/internal/loop"
	"github.com/throw-if-null/metacrit/internal/paths"
	"github.com/throw-if-null/metacrit/internal/prompt"
	"github.com/throw-if-null/metacrit/internal/provider"
	"github.com/throw-if-null/metacrit/internal/store"
	"github.com/throw-if-null/metacrit/internal/telemetry"
	"github.com/throw-if-null/metacrit/internal/version"
)

var runFlags struct {
	datasetPath      string
	model            string
	apiKey           string
	providerEndpoint string
	maxIterations    int
	outputPath       string
	dbPath           string
	concurrency      int
	judgeKind        string
	noCritique       bool
	noMetaCritique   bool
	stopOnNoChange   bool
	carrySpec        bool
	strict           bool
	split            bool
	otlpEndpoint     string
	verbose          bool
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the experiment over a dataset of prompts",
	RunE:  runExperiment,
}

func init() {
	f := runCmd.Flags()
	f.StringVar(&runFlags.datasetPath, "dataset", "", "path to a .csv or .jsonl task file (required)")
	f.StringVar(&runFlags.model, "model", "", "primary model identifier")
	f.StringVar(&runFlags.apiKey, "api-key", "", "API key (overrides METACRIT_API_KEY)")
	f.StringVar(&runFlags.providerEndpoint, "provider-endpoint", "", "chat-completions base URL")
	f.IntVar(&runFlags.maxIterations, "max-iterations", 0, "critique rounds per task")
	f.StringVar(&runFlags.outputPath, "output-path", "", "JSON transcript file (default results_<model>_temp<T>.json)")
	f.StringVar(&runFlags.dbPath, "db", "", "run store database path (default "+paths.DBPath()+")")
	f.IntVar(&runFlags.concurrency, "concurrency", 0, "parallel tasks (ignored with --carry-spec)")
	f.StringVar(&runFlags.judgeKind, "judge", "refusal", "scoring mechanism: refusal or llm")
	f.BoolVar(&runFlags.noCritique, "no-critique", false, "skip the critique and revision steps")
	f.BoolVar(&runFlags.noMetaCritique, "no-meta-critique", false, "never let the model rewrite the criterion")
	f.BoolVar(&runFlags.stopOnNoChange, "stop-on-no-change", false, "stop early once response and criterion converge")
	f.BoolVar(&runFlags.carrySpec, "carry-spec", false, "carry the evolved criterion across tasks")
	f.BoolVar(&runFlags.strict, "strict", false, "exit non-zero when any task aborts")
	f.BoolVar(&runFlags.split, "split", false, "evaluate only the held-out test fraction of the dataset")
	f.StringVar(&runFlags.otlpEndpoint, "otlp-endpoint", "", "enable tracing, exporting to this OTLP/HTTP endpoint")
	f.BoolVar(&runFlags.verbose, "verbose", false, "debug logging")
	_ = runCmd.MarkFlagRequired("dataset")
}

func runExperiment(cmd *cobra.Command, _ []string) error {
	cfg := loadRunConfig(cmd)

	logger, err := newLogger(runFlags.verbose)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName:    "metacrit",
		ServiceVersion: version.Version,
		OTLPEndpoint:   runFlags.otlpEndpoint,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(shutdownCtx)
	}()

	tasks, err := dataset.Load(runFlags.datasetPath)
	if err != nil {
		return fmt.Errorf("load dataset: %w", err)
	}
	if runFlags.split {
		tasks = dataset.Split(tasks, cfg.Dataset.TestFraction, cfg.Dataset.Seed)
	}
	if cfg.Dataset.UseJailbreakTemplates {
		tasks = dataset.ApplyTemplates(tasks, prompt.JailbreakTemplates())
	}
	logger.Info("dataset loaded", zap.String("path", runFlags.datasetPath), zap.Int("tasks", len(tasks)))

	client := provider.New(provider.Config{
		BaseURL: cfg.Provider.BaseURL,
		APIKey:  cfg.Provider.APIKey,
		Timeout: time.Duration(cfg.Provider.TimeoutMS) * time.Millisecond,
	})
	var metaClient provider.Client
	if cfg.Loop.MetaCritiqueEnabled && cfg.MetaProvider.BaseURL != "" {
		metaClient = provider.New(provider.Config{
			BaseURL: cfg.MetaProvider.BaseURL,
			APIKey:  cfg.MetaProvider.APIKey,
			Timeout: time.Duration(cfg.MetaProvider.TimeoutMS) * time.Millisecond,
		})
	}

	var scorer judge.Judge
	switch runFlags.judgeKind {
	case "refusal":
		scorer = judge.RefusalJudge{}
	case "llm":
		scorer = &judge.LLMJudge{Client: client, Options: provider.Options{
			Model:     cfg.Provider.Model,
			MaxTokens: 16,
		}}
	default:
		return fmt.Errorf("unknown judge %q", runFlags.judgeKind)
	}

	sinks, closeSinks, err := openSinks(cfg)
	if err != nil {
		return err
	}
	defer closeSinks()

	hcfg := harness.Config{
		Loop: loop.Config{
			MaxIterations:       cfg.Loop.MaxIterations,
			CritiqueEnabled:     cfg.Loop.CritiqueEnabled,
			MetaCritiqueEnabled: cfg.Loop.MetaCritiqueEnabled,
			StopOnNoChange:      cfg.Loop.StopOnNoChange,
			SystemPrompt:        cfg.Loop.SystemPrompt,
			Options: provider.Options{
				Model:       cfg.Provider.Model,
				Temperature: cfg.Provider.Temperature,
				MaxTokens:   cfg.Provider.MaxTokens,
			},
			MetaClient: metaClient,
			MetaOptions: provider.Options{
				Model:       cfg.MetaProvider.Model,
				Temperature: cfg.MetaProvider.Temperature,
				MaxTokens:   cfg.MetaProvider.MaxTokens,
			},
			RetryBudget:    cfg.Retry.Budget,
			RetryBaseDelay: time.Duration(cfg.Retry.BaseDelayMS) * time.Millisecond,
		},
		InitialSpec:        cfg.Loop.InitialCriterion,
		CarrySpec:          cfg.Harness.CarrySpec,
		MetaCritiqueBudget: cfg.Loop.MetaCritiqueBudget,
		Concurrency:        cfg.Harness.Concurrency,
	}

	_, sum, err := harness.Run(ctx, tasks, harness.Deps{
		Client: client,
		Judge:  scorer,
		Sinks:  sinks,
		Logger: logger,
	}, hcfg)
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "tasks: %d  succeeded: %d  failed: %d  cancelled: %d  mean score: %.3f\n",
		sum.Total, sum.Succeeded, sum.Failed, sum.Cancelled, sum.MeanScore)

	if cfg.Harness.Strict && (sum.Failed > 0 || sum.Cancelled > 0) {
		return errTasksFailed
	}
	return nil
}

// loadRunConfig merges config file, environment and flags; flags win.
func loadRunConfig(cmd *cobra.Command) config.Config {
	wd, err := os.Getwd()
	if err != nil {
		wd = "."
	}
	res := config.Load(wd)
	if res.ParseError != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "warning: %s: %v (using defaults)\n", res.Path, res.ParseError)
	}
	cfg := res.Config

	if runFlags.model != "" {
		cfg.Provider.Model = runFlags.model
	}
	if runFlags.apiKey != "" {
		cfg.Provider.APIKey = runFlags.apiKey
	}
	if runFlags.providerEndpoint != "" {
		cfg.Provider.BaseURL = runFlags.providerEndpoint
	}
	if runFlags.maxIterations > 0 {
		cfg.Loop.MaxIterations = runFlags.maxIterations
	}
	if runFlags.concurrency > 0 {
		cfg.Harness.Concurrency = runFlags.concurrency
	}
	if runFlags.noCritique {
		cfg.Loop.CritiqueEnabled = false
	}
	if runFlags.noMetaCritique {
		cfg.Loop.MetaCritiqueEnabled = false
	}
	if cmd.Flags().Changed("stop-on-no-change") {
		cfg.Loop.StopOnNoChange = runFlags.stopOnNoChange
	}
	if cmd.Flags().Changed("carry-spec") {
		cfg.Harness.CarrySpec = runFlags.carrySpec
	}
	if cmd.Flags().Changed("strict") {
		cfg.Harness.Strict = runFlags.strict
	}
	return cfg
}

// openSinks prepares the SQLite run store and the JSON transcript sink.
func openSinks(cfg config.Config) ([]harness.Sink, func(), error) {
	dbPath := runFlags.dbPath
	if dbPath == "" {
		dbPath = paths.DBPath()
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, nil, fmt.Errorf("prepare db dir: %w", err)
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open run store: %w", err)
	}
	st := store.New(db)
	if err := st.Init(); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("init run store: %w", err)
	}

	outPath := runFlags.outputPath
	if outPath == "" {
		outPath = store.TranscriptFilename(cfg.Provider.Model, cfg.Provider.Temperature)
	}
	jsonSink, err := store.NewJSONSink(outPath)
	if err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("open transcript: %w", err)
	}

	closeAll := func() {
		_ = jsonSink.Close()
		_ = db.Close()
	}
	return []harness.Sink{st, jsonSink}, closeAll, nil
}

func newLogger(verbose bool) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if verbose {
		zcfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	zcfg.OutputPaths = []string{"stderr"}
	return zcfg.Build()
}
