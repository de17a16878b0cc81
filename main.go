package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"gitlab.uncharted.software/WM/fraud-detection-pipeline/api"
	"gitlab.uncharted.software/WM/fraud-detection-pipeline/components"
	"gitlab.uncharted.software/WM/fraud-detection-pipeline/config"
	"gitlab.uncharted.software/WM/fraud-detection-pipeline/endpoint"
	"gitlab.uncharted.software/WM/fraud-detection-pipeline/jobs"
	"gitlab.uncharted.software/WM/fraud-detection-pipeline/metadata"
	"gitlab.uncharted.software/WM/fraud-detection-pipeline/runner"
	"gitlab.uncharted.software/WM/fraud-detection-pipeline/tracking"
	"go.uber.org/zap"
)

const envFile = "fraud.env"

var (
	// populated at compile time based on data injected by the makefile
	version   = "unset"
	timestamp = "unset"
)

func main() {
	// Load environment
	env, err := config.Load(envFile)
	if err != nil {
		log.Fatal(err)
	}

	// Setup logging
	var logger *zap.Logger
	switch env.Mode {
	case "dev":
		logger, err = zap.NewDevelopment()
	case "prod":
		logger, err = zap.NewProduction()

	default:
		err = fmt.Errorf("Invalid 'mode' flag: %s", env.Mode)
	}
	if err != nil {
		log.Fatal(err)
	}

	defer func() {
		_ = logger.Sync()
	}()
	sugar := logger.Sugar()

	cfg := config.Config{
		Logger:      sugar,
		Environment: env,
	}

	// Log version
	sugar.Infof("Version: %s Timestamp: %s", version, timestamp)

	// Log config
	sugar.Info(env)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	command, args := "run", os.Args[1:]
	if len(args) > 0 && (args[0] == "run" || args[0] == "serve" || args[0] == "execute") {
		command, args = args[0], args[1:]
	}

	switch command {
	case "serve":
		err = serve(cfg)
	case "execute":
		err = execute(ctx, cfg, args)
	default:
		err = run(ctx, cfg, args)
	}
	if err != nil {
		sugar.Fatal(err)
	}
}

// run builds the pipeline from the run flags and dispatches it.
func run(ctx context.Context, cfg config.Config, args []string) error {
	flags, err := config.ParseFlags(args, os.Stderr)
	if err != nil {
		return err
	}
	exec, err := config.NewExecution(flags)
	if err != nil {
		return err
	}

	p, err := components.CreatePipeline(params(cfg, exec))
	if err != nil {
		return err
	}

	var local *runner.LocalRunner
	var service jobs.Service
	if exec.RunningLocally {
		store, err := metadata.NewPersistedStore(cfg.Environment.MetadataPath)
		if err != nil {
			return err
		}
		defer store.Close()
		local = runner.NewLocalRunner(cfg, store)
	} else {
		service, err = jobService(cfg)
		if err != nil {
			return err
		}
	}

	outcome, err := runner.Dispatch(ctx, cfg, exec, p, local, service)
	if err != nil {
		return err
	}
	if outcome.Local != nil {
		cfg.Logger.Infof("Run %s completed, drawing at %s", outcome.Local.RunID, outcome.Local.DrawingPath)
	}
	return nil
}

// execute runs a single stage. Stage flags come first, the run flags follow a `--` separator.
func execute(ctx context.Context, cfg config.Config, args []string) error {
	fs := flag.NewFlagSet("execute", flag.ContinueOnError)
	stageID := fs.String("stage", "", "id of the stage to execute")
	kind := fs.String("kind", "", "expected kind of the stage")
	runID := fs.String("run-id", "", "run the execution is recorded under")
	// data-processing arguments are forwarded by the job service and not used in process
	for _, name := range []string{"project", "temp_location", "region", "runner", "service_account_email", "subnetwork"} {
		fs.String(name, "", "data-processing argument")
	}
	fs.Bool("no_use_public_ips", false, "data-processing argument")
	if err := fs.Parse(args); err != nil {
		return errors.Wrap(err, "failed to parse stage flags")
	}

	flags, err := config.ParseFlags(fs.Args(), os.Stderr)
	if err != nil {
		return err
	}
	exec, err := config.NewExecution(flags)
	if err != nil {
		return err
	}
	p, err := components.CreatePipeline(params(cfg, exec))
	if err != nil {
		return err
	}
	if stage, ok := p.Stage(*stageID); ok && *kind != "" && stage.Kind != *kind {
		return errors.Errorf("stage %s is a %s, not a %s", stage.ID, stage.Kind, *kind)
	}

	store, err := metadata.NewPersistedStore(cfg.Environment.MetadataPath)
	if err != nil {
		return err
	}
	defer store.Close()

	if *runID == "" {
		*runID = exec.JobID
	}
	result, err := runner.NewLocalRunner(cfg, store).RunStage(ctx, p, *stageID, *runID)
	if err != nil {
		return err
	}
	cfg.Logger.Infof("Stage %s %s in %s", result.StageID, result.State, result.Duration)
	return nil
}

// serve starts the model server over the newest pushed model.
func serve(cfg config.Config) error {
	model, err := api.LoadLatestModel(api.ModelName, cfg.Environment.ServingModelDir, cfg.Logger)
	if err != nil {
		return err
	}
	cfg.Logger.Infof("Serving model %s version %d from %s", model.Name, model.Version, model.Path)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	// Setup router
	r, err := api.NewRouter(cfg, model, registry)
	if err != nil {
		return err
	}

	// Start listening
	cfg.Logger.Infof("Listening on %s", cfg.Environment.ServeAddr)
	return http.ListenAndServe(cfg.Environment.ServeAddr, r)
}

func timeout(env *config.Environment) time.Duration {
	return time.Second * time.Duration(env.TimeoutSec)
}

// params selects the example source, tracker and deployer from the environment.
func params(cfg config.Config, exec config.Execution) components.Params {
	env := cfg.Environment

	var source components.Source = components.CSVSource{Path: env.ExamplesCSV}
	if env.ExamplesDSN != "" {
		source = components.PostgresSource{DSN: env.ExamplesDSN}
	}

	var tracker tracking.Tracker = tracking.Noop{}
	if env.TrackingAddr != "" {
		tracker = tracking.NewMLflow(env.TrackingAddr, env.AccessToken, timeout(env), cfg.Logger)
	}

	return components.Params{
		Config:    cfg,
		Execution: exec,
		Source:    source,
		Tracker:   tracker,
		Deployer:  endpoint.NewClient(env.VertexAddr, env.AccessToken, timeout(env), cfg.Logger),
	}
}

// jobService selects the managed job service backend.
func jobService(cfg config.Config) (jobs.Service, error) {
	env := cfg.Environment
	switch env.JobBackend {
	case config.BackendVertex:
		return jobs.NewVertexService(env.VertexAddr, env.AccessToken, timeout(env), cfg.Logger), nil
	case config.BackendPrefect:
		return jobs.NewPrefectService(env.PrefectAddr, env.PrefectFlowID, timeout(env), cfg.Logger), nil
	}
	return nil, errors.Errorf("unknown job backend %q", env.JobBackend)
}
