package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	workflow "github.com/voronode/invoiceflow"
	"github.com/voronode/invoiceflow/circuit"
	"github.com/voronode/invoiceflow/postgres"
	"github.com/voronode/invoiceflow/redisstore"
	"github.com/voronode/invoiceflow/sqlite"
	"github.com/voronode/invoiceflow/stages"
	"golang.org/x/sync/errgroup"
)

// Options shared by every command.
type Options struct {
	ConfigFile string
	DataDir    string
	Verbose    bool
	JSON       bool
}

type app struct {
	opts     Options
	config   *workflow.Config
	engine   *workflow.Engine
	metrics  *workflow.Metrics
	registry *prometheus.Registry
	closer   func() error
}

func main() {
	opts := Options{}
	flag.StringVar(&opts.ConfigFile, "config", "", "Path to the YAML config file")
	flag.StringVar(&opts.ConfigFile, "c", "", "Path to the YAML config file (shorthand)")
	flag.StringVar(&opts.DataDir, "data", defaultDataDir(), "Directory for file checkpoints, records and stage logs")
	flag.BoolVar(&opts.Verbose, "verbose", false, "Enable verbose logging")
	flag.BoolVar(&opts.Verbose, "v", false, "Enable verbose logging (shorthand)")
	flag.BoolVar(&opts.JSON, "json", false, "Output results in JSON format")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() == 0 {
		usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, opts)
	if err != nil {
		color.Red("Error: %v", err)
		os.Exit(1)
	}
	defer a.closer()

	command, args := flag.Arg(0), flag.Args()[1:]
	switch command {
	case "start":
		err = a.start(ctx, args)
	case "batch":
		err = a.batch(ctx, args)
	case "status":
		err = a.status(ctx, args)
	case "list":
		err = a.list(ctx, args)
	case "quarantined":
		err = a.quarantined(ctx)
	case "resume":
		err = a.resume(ctx, args)
	case "recover":
		err = a.recover(ctx)
	case "circuits":
		err = a.circuits(args)
	default:
		color.Red("Error: unknown command %q", command)
		usage()
		os.Exit(2)
	}
	if err != nil {
		color.Red("Error: %v", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `invoiceflow - run invoices through extract, validate, audit and persist

Usage: %s [options] <command> [arguments]

Commands:
  start <file>                 Process one document and wait for it to rest
  batch [-metrics-addr a] <files...>
                               Process documents concurrently
  status <id>                  Show an instance and its timeline
  list [-status s] [-limit n]  List instances, newest first
  quarantined                  List instances waiting for review
  resume <id> -approve | -reject -notes "..." | -correct key=value...
                               Apply a review decision and continue
  recover                      Resume every pending or processing instance
  circuits [-reset tool|all]   Show or reset circuit breakers

Options:
`, os.Args[0])
	flag.PrintDefaults()
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".invoiceflow"
	}
	return filepath.Join(home, ".invoiceflow")
}

func newApp(ctx context.Context, opts Options) (*app, error) {
	cfg := workflow.DefaultConfig()
	config := &cfg
	if opts.ConfigFile != "" {
		loaded, err := workflow.LoadConfig(opts.ConfigFile)
		if err != nil {
			return nil, err
		}
		config = loaded
	} else if err := config.Finalize(); err != nil {
		return nil, err
	}
	if opts.Verbose {
		config.Log.Level = "debug"
	}

	logger, err := workflow.NewLoggerFromConfig(config.Log)
	if err != nil {
		return nil, err
	}

	store, closer, err := openStore(ctx, config, opts.DataDir, logger)
	if err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	metrics := workflow.NewMetrics("invoiceflow", registry)

	breakerOpts := config.CircuitBreaker.RegistryOptions()
	breakerOpts.Logger = logger
	breakerOpts.OnStateChange = metrics.OnBreakerStateChange
	breakers := circuit.NewRegistry(breakerOpts)

	registryStages, err := buildStages(config, opts.DataDir)
	if err != nil {
		closer()
		return nil, err
	}

	var stageLogger workflow.StageLogger = workflow.NewNullStageLogger()
	if config.StageLog != "" {
		stageLogger = workflow.NewFileStageLogger(config.StageLog)
	}

	engine, err := workflow.NewEngine(workflow.EngineOptions{
		Config:      config,
		Stages:      registryStages,
		Store:       store,
		Breakers:    breakers,
		Logger:      logger,
		StageLogger: stageLogger,
		Callbacks:   workflow.NewCallbackChain(metrics),
	})
	if err != nil {
		closer()
		return nil, err
	}
	return &app{
		opts:     opts,
		config:   config,
		engine:   engine,
		metrics:  metrics,
		registry: registry,
		closer:   closer,
	}, nil
}

func openStore(ctx context.Context, cfg *workflow.Config, dataDir string, logger *slog.Logger) (workflow.CheckpointStore, func() error, error) {
	noop := func() error { return nil }
	switch cfg.Store.Driver {
	case workflow.StoreMemory:
		color.Yellow("Using in-memory store; state is lost on exit")
		return workflow.NewMemoryStore(), noop, nil
	case workflow.StoreFile:
		dir := cfg.Store.Dir
		if dir == "" {
			dir = filepath.Join(dataDir, "workflows")
		}
		store, err := workflow.NewFileStore(dir)
		if err != nil {
			return nil, nil, err
		}
		return store, noop, nil
	case workflow.StorePostgres:
		store, err := postgres.Open(ctx, postgres.Options{DSN: cfg.Store.DSN, Logger: logger})
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	case workflow.StoreSQLite:
		store, err := sqlite.Open(ctx, cfg.Store.DSN)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	case workflow.StoreRedis:
		store, err := redisstore.New(ctx, redisstore.Options{Addr: cfg.Store.RedisAddr, Prefix: cfg.Store.Prefix})
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

// buildStages uses the configured HTTP services and falls back to the rule
// validator and the file sink for validate and insert_graph.
func buildStages(cfg *workflow.Config, dataDir string) (workflow.StageRegistry, error) {
	registry, err := stages.FromConfig(cfg, nil)
	if err != nil {
		return nil, err
	}
	if _, ok := registry[workflow.NodeValidate]; !ok {
		registry[workflow.NodeValidate] = stages.NewRuleValidator()
	}
	if _, ok := registry[workflow.NodeInsertGraph]; !ok {
		sink, err := stages.NewFileSink(filepath.Join(dataDir, "records"))
		if err != nil {
			return nil, err
		}
		registry[workflow.NodeInsertGraph] = sink
	}
	return registry, nil
}

func readDocument(path string) (workflow.Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return workflow.Document{}, fmt.Errorf("failed to read document: %w", err)
	}
	return workflow.Document{Filename: filepath.Base(path), Data: data}, nil
}

func (a *app) start(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errors.New("start requires exactly one document")
	}
	doc, err := readDocument(args[0])
	if err != nil {
		return err
	}
	color.Blue("Processing %s", doc.Filename)
	startTime := time.Now()
	inst, err := a.engine.Start(ctx, doc)
	if err != nil {
		return err
	}
	color.White("Finished in %v", time.Since(startTime).Round(time.Millisecond))
	return a.showInstance(inst)
}

func (a *app) batch(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("batch", flag.ExitOnError)
	metricsAddr := fs.String("metrics-addr", "", "Serve Prometheus metrics on this address while running")
	concurrency := fs.Int("concurrency", 4, "Documents processed at once")
	fs.Parse(args)
	if fs.NArg() == 0 {
		return errors.New("batch requires at least one document")
	}

	if *metricsAddr != "" {
		server := &http.Server{
			Addr:    *metricsAddr,
			Handler: promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}),
		}
		go func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("metrics server: %v", err)
			}
		}()
		defer server.Shutdown(context.Background())
		color.Blue("Metrics on http://%s/metrics", *metricsAddr)
	}

	results := make([]*workflow.Instance, fs.NArg())
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(*concurrency)
	for i, path := range fs.Args() {
		g.Go(func() error {
			doc, err := readDocument(path)
			if err != nil {
				return err
			}
			inst, err := a.engine.Start(gctx, doc)
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			results[i] = inst
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	summaries := make([]workflow.Summary, 0, len(results))
	for _, inst := range results {
		summaries = append(summaries, inst.Summarize())
	}
	return a.showSummaries(summaries)
}

func (a *app) status(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errors.New("status requires an instance id")
	}
	inst, err := a.engine.GetStatus(ctx, args[0])
	if err != nil {
		return err
	}
	return a.showInstance(inst)
}

func (a *app) list(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	status := fs.String("status", "", "Only show instances with this status")
	limit := fs.Int("limit", 0, "Maximum number of instances")
	fs.Parse(args)

	summaries, err := a.engine.List(ctx, workflow.ListFilter{Status: workflow.Status(*status), Limit: *limit})
	if err != nil {
		return err
	}
	return a.showSummaries(summaries)
}

func (a *app) quarantined(ctx context.Context) error {
	instances, err := a.engine.Quarantine().ListQuarantined(ctx)
	if err != nil {
		return err
	}
	if a.opts.JSON {
		return printJSON(instances)
	}
	if len(instances) == 0 {
		color.Green("Nothing waiting for review")
		return nil
	}
	for _, inst := range instances {
		color.Yellow("%s  %s  risk %s", inst.ID, inst.Document.Filename, inst.RiskLevel)
		if inst.PauseReason != nil {
			fmt.Printf("  %s\n", inst.PauseReason.Message)
			for _, ref := range inst.PauseReason.Anomalies {
				fmt.Printf("    %s\n", ref)
			}
		}
	}
	return nil
}

type corrections map[string]any

func (c corrections) String() string {
	parts := make([]string, 0, len(c))
	for k, v := range c {
		parts = append(parts, fmt.Sprintf("%s=%v", k, v))
	}
	return strings.Join(parts, ", ")
}

// Set parses key=value. Values are parsed as JSON if possible, otherwise
// kept as strings.
func (c corrections) Set(value string) error {
	key, raw, ok := strings.Cut(value, "=")
	if !ok {
		return fmt.Errorf("invalid correction %q, use key=value", value)
	}
	var parsed any
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		parsed = raw
	}
	c[key] = parsed
	return nil
}

func (a *app) resume(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errors.New("resume requires an instance id")
	}
	id := args[0]
	fs := flag.NewFlagSet("resume", flag.ExitOnError)
	approve := fs.Bool("approve", false, "Approve and continue")
	reject := fs.Bool("reject", false, "Reject and fail the instance")
	notes := fs.String("notes", "", "Reviewer notes (required to reject)")
	reviewer := fs.String("reviewer", os.Getenv("USER"), "Reviewer name")
	fixes := corrections{}
	fs.Var(fixes, "correct", "Correct a field as key=value (repeatable); re-runs validation")
	fs.Parse(args[1:])

	if *approve && *reject {
		return errors.New("choose one of -approve and -reject")
	}
	if !*approve && !*reject && len(fixes) == 0 {
		return errors.New("resume needs -approve, -reject or -correct")
	}

	inst, err := a.engine.Quarantine().Resume(ctx, id, workflow.Decision{
		Approved:    *approve,
		Corrections: fixes,
		Notes:       *notes,
		Reviewer:    *reviewer,
	})
	if err != nil {
		return err
	}
	return a.showInstance(inst)
}

func (a *app) recover(ctx context.Context) error {
	instances, err := a.engine.Recover(ctx)
	if err != nil {
		return err
	}
	summaries := make([]workflow.Summary, 0, len(instances))
	for _, inst := range instances {
		summaries = append(summaries, inst.Summarize())
	}
	color.Blue("Recovered %d instances", len(summaries))
	return a.showSummaries(summaries)
}

func (a *app) circuits(args []string) error {
	fs := flag.NewFlagSet("circuits", flag.ExitOnError)
	reset := fs.String("reset", "", "Reset one tool's breaker, or all")
	fs.Parse(args)

	if *reset != "" {
		tool := *reset
		if tool == "all" {
			tool = ""
		}
		if err := a.engine.ResetCircuit(tool); err != nil {
			return err
		}
	}
	status := a.engine.CircuitStatus()
	if a.opts.JSON {
		return printJSON(status)
	}
	if len(status) == 0 {
		color.White("No tool has been called yet")
	}
	for tool, s := range status {
		line := fmt.Sprintf("%-20s %-10s failures=%d", tool, s.State, s.FailureCount)
		switch s.State {
		case circuit.StateOpen:
			color.Red("%s", line)
		case circuit.StateHalfOpen:
			color.Yellow("%s", line)
		default:
			color.Green("%s", line)
		}
	}
	return nil
}

func (a *app) showInstance(inst *workflow.Instance) error {
	if a.opts.JSON {
		return printJSON(inst)
	}
	statusColor := color.New(color.FgGreen)
	switch inst.Status {
	case workflow.StatusQuarantined:
		statusColor = color.New(color.FgYellow)
	case workflow.StatusFailed:
		statusColor = color.New(color.FgRed)
	}
	color.Cyan("Instance: %s", inst.ID)
	color.White("Document: %s (%s)", inst.Document.Filename, inst.Document.ContentType)
	statusColor.Printf("Status: %s at %s\n", inst.Status, inst.CurrentNode)
	color.White("Risk: %s  Retries: %d", inst.RiskLevel, inst.RetryCount)
	if inst.PauseReason != nil {
		color.Yellow("Paused: %s", inst.PauseReason.Message)
		for _, ref := range inst.PauseReason.Anomalies {
			fmt.Printf("  %s\n", ref)
		}
	}
	if len(inst.Timeline) > 0 {
		color.Magenta("Timeline:")
		for _, entry := range inst.Timeline {
			fmt.Printf("  %s  %-12s %-17s %s\n", entry.Timestamp.Format(time.RFC3339), entry.Event, entry.Node, entry.Message)
		}
	}
	for _, record := range inst.ErrorHistory {
		color.Red("  [%s] %s: %s", record.Node, record.Kind, record.Message)
	}
	return nil
}

func (a *app) showSummaries(summaries []workflow.Summary) error {
	if a.opts.JSON {
		return printJSON(summaries)
	}
	for _, s := range summaries {
		switch s.Status {
		case workflow.StatusQuarantined:
			color.Yellow("%s", s)
		case workflow.StatusFailed:
			color.Red("%s", s)
		default:
			color.Green("%s", s)
		}
	}
	return nil
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
