package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"go.uber.org/zap"

	"canvas-agent/internal/cli"
	"canvas-agent/internal/config"
	"canvas-agent/internal/generation"
	"canvas-agent/internal/integrations/anthropic"
	"canvas-agent/internal/integrations/openai"
	"canvas-agent/internal/integrations/paramstore"
	"canvas-agent/internal/metrics"
	"canvas-agent/internal/observability"
	"canvas-agent/internal/sessions"
	"canvas-agent/internal/store"
	"canvas-agent/internal/usecase"
)

func main() {
	if err := config.LoadDotEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "load .env: %v\n", err)
		os.Exit(1)
	}
	cfg, err := config.LoadAgent()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger, err := observability.NewLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("agent exited", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Agent, logger *zap.Logger) error {
	m := metrics.New()

	// ---- Storage ----
	if err := os.MkdirAll(filepath.Dir(cfg.LocalDBPath), 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}
	local, err := store.OpenSQLite(cfg.LocalDBPath, store.DefaultNamespace)
	if err != nil {
		return err
	}
	var remote store.RemoteBackend
	if cfg.Hosted() {
		rc, err := store.NewRemoteClient(cfg.StorageBaseURL, cfg.HostedSessionCookie)
		if err != nil {
			return err
		}
		remote = rc
	}
	kv := store.New(remote, local, store.WithLogger(logger), store.WithMetrics(m))
	defer func() { _ = kv.Close() }()
	logger.Info("storage ready", zap.String("mode", string(kv.Init(ctx))))

	repo, err := sessions.NewRepository(kv)
	if err != nil {
		return err
	}

	// ---- Generation ----
	gen, err := newGenerator(ctx, cfg)
	if err != nil {
		return err
	}
	pipeline, err := generation.NewPipeline(gen, cfg.Model,
		generation.WithLogger(logger.Named("generation")), generation.WithMetrics(m))
	if err != nil {
		return err
	}

	// ---- Conversation ----
	reconciler, err := usecase.NewReconciler(repo)
	if err != nil {
		return err
	}
	controller, err := usecase.NewController(pipeline, reconciler, repo, kv,
		usecase.WithLogger(logger.Named("conversation")),
		usecase.WithMetrics(m),
		usecase.WithGenerationTimeout(cfg.GenerationTimeout))
	if err != nil {
		return err
	}

	repl, err := cli.New(controller, kv, os.Stdin, os.Stdout)
	if err != nil {
		return err
	}
	if err := repl.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func newGenerator(ctx context.Context, cfg *config.Agent) (generation.Generator, error) {
	var ps *paramstore.Client
	if cfg.GenerationAPIKey == "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("load AWS config: %w", err)
		}
		ps = paramstore.NewFromConfig(awsCfg)
	}

	switch cfg.Provider {
	case "anthropic":
		opts := []anthropic.Option{anthropic.WithAPIKey(cfg.GenerationAPIKey)}
		if cfg.GenerationBaseURL != "" {
			opts = append(opts, anthropic.WithBaseURL(cfg.GenerationBaseURL))
		}
		var getter anthropic.Getter
		if ps != nil {
			getter = ps
		}
		c, err := anthropic.NewClient(getter, cfg.ParamPrefix, opts...)
		if err != nil {
			return nil, err
		}
		return c, nil
	default:
		var getter openai.Getter
		if ps != nil {
			getter = ps
		}
		c, err := openai.NewClient(getter, cfg.ParamPrefix,
			openai.WithAPIKey(cfg.GenerationAPIKey), openai.WithBaseURL(cfg.GenerationBaseURL))
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}
