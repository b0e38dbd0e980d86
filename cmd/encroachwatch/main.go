package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/goccy/go-json"

	"encroachwatch/internal/analytics"
	"encroachwatch/internal/api"
	"encroachwatch/internal/config"
	"encroachwatch/internal/evidence"
	"encroachwatch/internal/logging"
	"encroachwatch/internal/metrics"
	"encroachwatch/internal/model"
	"encroachwatch/internal/pipeline"
	"encroachwatch/internal/storage"
)

var version = "dev"

const usage = `usage: encroachwatch [-config path] <command> [args]

commands:
  run [-sample-data]              run the pipeline once
  predict                         compute the geofence risk map
  case list|incidents [-limit n]  list cases or incidents
  case open <incident_id> [-assign who] [-status s]
  case status <case_id> <status> [-assign who]
  evidence verify                 verify the evidence ledger
  serve [-addr host:port]         serve the HTTP API
  version
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

type app struct {
	path   string
	cfg    *config.Config
	logger *slog.Logger
	out    io.Writer
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("encroachwatch", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() { fmt.Fprint(stderr, usage) }
	configPath := fs.String("config", "config/settings.yaml", "path to YAML or JSON config")
	logLevel := fs.String("log-level", "", "override log level")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return 2
	}
	cmd, rest := fs.Arg(0), fs.Args()[1:]
	if cmd == "version" {
		fmt.Fprintln(stdout, version)
		return 0
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "config: %v\n", err)
		return 1
	}
	level := cfg.LogLevel
	if *logLevel != "" {
		level = *logLevel
	}
	a := &app{path: *configPath, cfg: cfg, logger: logging.NewLoggerTo(stderr, level, cfg.LogFormat), out: stdout}

	switch cmd {
	case "run":
		err = a.runPipeline(ctx, rest)
	case "predict":
		err = a.predict(ctx)
	case "case":
		err = a.caseCmd(ctx, rest)
	case "evidence":
		err = a.evidence(rest)
	case "serve":
		err = a.serve(ctx, rest)
	default:
		fs.Usage()
		return 2
	}
	if err != nil {
		var ue usageError
		if errors.As(err, &ue) {
			fmt.Fprintln(stderr, ue.Error())
			fs.Usage()
			return 2
		}
		a.logger.Error("command failed", "command", cmd, "err", err)
		return 1
	}
	return 0
}

type usageError string

func (e usageError) Error() string { return string(e) }

func (a *app) print(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(a.out, string(data))
	return err
}

func (a *app) runPipeline(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	sample := fs.Bool("sample-data", false, "generate sample inputs before running")
	if err := fs.Parse(args); err != nil {
		return usageError(err.Error())
	}
	p, err := pipeline.Build(ctx, a.cfg, a.logger, metrics.NewRecorder())
	if err != nil {
		return err
	}
	defer p.Close()
	res, err := p.Run(ctx, pipeline.Options{SampleData: *sample})
	if err != nil {
		return err
	}
	return a.print(res)
}

func (a *app) openStore(ctx context.Context) (storage.Store, error) {
	store, err := storage.NewStore(a.cfg.Storage)
	if err != nil {
		return nil, err
	}
	if store == nil {
		return nil, errors.New("case store is disabled")
	}
	if err := store.Init(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

func (a *app) predict(ctx context.Context) error {
	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()
	incidents, err := store.ListIncidents(ctx, 1000)
	if err != nil {
		return err
	}
	horizon := time.Duration(a.cfg.Analytics.HorizonDays) * 24 * time.Hour
	risks := analytics.PredictGeofenceRisk(incidents, time.Now().UTC(), horizon)
	if _, err := analytics.WriteRiskMap(a.cfg.Artifacts.PredictionsDir, risks); err != nil {
		return err
	}
	return a.print(risks)
}

func (a *app) caseCmd(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return usageError("case: action required")
	}
	action := args[0]
	fs := flag.NewFlagSet("case "+action, flag.ContinueOnError)
	limit := fs.Int("limit", 20, "maximum rows")
	assign := fs.String("assign", "", "assignee")
	status := fs.String("status", string(model.CaseOpen), "initial case status")
	if err := fs.Parse(args[1:]); err != nil {
		return usageError(err.Error())
	}
	pos := fs.Args()

	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	switch action {
	case "list":
		cases, err := store.ListCases(ctx, *limit)
		if err != nil {
			return err
		}
		return a.print(cases)
	case "incidents":
		incidents, err := store.ListIncidents(ctx, *limit)
		if err != nil {
			return err
		}
		return a.print(incidents)
	case "open":
		if len(pos) != 1 {
			return usageError("case open: incident id required")
		}
		st := model.CaseStatus(*status)
		if !storage.ValidStatus(st) {
			return usageError("case open: invalid status " + *status)
		}
		c, err := store.CreateCase(ctx, pos[0], st, *assign)
		if err != nil {
			return err
		}
		return a.print(c)
	case "status":
		if len(pos) != 2 {
			return usageError("case status: case id and status required")
		}
		id, err := strconv.ParseInt(pos[0], 10, 64)
		if err != nil {
			return usageError("case status: invalid case id " + pos[0])
		}
		st := model.CaseStatus(pos[1])
		if !storage.ValidStatus(st) {
			return usageError("case status: invalid status " + pos[1])
		}
		c, err := store.UpdateCaseStatus(ctx, id, st, *assign)
		if err != nil {
			return err
		}
		return a.print(c)
	default:
		return usageError("case: unknown action " + action)
	}
}

func (a *app) evidence(args []string) error {
	if len(args) != 1 || args[0] != "verify" {
		return usageError("evidence: only verify is supported")
	}
	ok, n := evidence.NewLedger(a.cfg.Artifacts.EvidenceLedger).Verify()
	if err := a.print(map[string]any{"ok": ok, "checked": n}); err != nil {
		return err
	}
	if !ok {
		return errors.New("evidence ledger integrity check failed")
	}
	return nil
}

func (a *app) serve(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	addr := fs.String("addr", a.cfg.API.Addr, "listen address")
	if err := fs.Parse(args); err != nil {
		return usageError(err.Error())
	}
	recorder := metrics.NewRecorder()
	p, err := pipeline.Build(ctx, a.cfg, a.logger, recorder)
	if err != nil {
		return err
	}
	defer p.Close()
	srv := api.Start(ctx, *addr, api.NewServer(p, recorder, a.logger, version).Handler(), a.logger)
	if mgr, err := config.NewManager(a.path); err == nil && fileExists(a.path) {
		// Threshold changes apply to later runs without a restart.
		go mgr.Watch(0, func(cfg *config.Config) {
			p.Engine().UpdateConfig(cfg)
			a.logger.Info("config reloaded", "path", a.path)
		}, func(err error) {
			a.logger.Warn("config reload failed", "path", a.path, "err", err)
		}, ctx.Done())
	}
	<-ctx.Done()
	a.logger.Info("shutting down", "addr", srv.Addr)
	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
