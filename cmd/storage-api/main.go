package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	chiadapter "github.com/awslabs/aws-lambda-go-api-proxy/chi"
	"go.uber.org/zap"

	"canvas-agent/handler"
	"canvas-agent/internal/config"
	"canvas-agent/internal/domain"
	"canvas-agent/internal/metrics"
	"canvas-agent/internal/observability"
	"canvas-agent/internal/repository"
)

const tokenTTL = 30 * 24 * time.Hour

func main() {
	ctx := context.Background()

	// ---- Configuration (read only here) ----
	if err := config.LoadDotEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "load .env: %v\n", err)
		os.Exit(1)
	}
	cfg, err := config.LoadStorageAPI()
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

	// ---- AWS SDK config ----
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		logger.Fatal("failed to load AWS config", zap.Error(err))
	}
	repo, err := repository.New(awsdynamodb.NewFromConfig(awsCfg), cfg.StateTable)
	if err != nil {
		logger.Fatal("failed to create state client", zap.Error(err))
	}

	if len(os.Args) > 1 && os.Args[1] == "issue-token" {
		if err := issueToken(ctx, repo, os.Args[2:]); err != nil {
			logger.Fatal("issue token", zap.Error(err))
		}
		return
	}

	// ---- Handler ----
	h, err := handler.NewHandler(repo,
		handler.WithLogger(logger),
		handler.WithMetrics(metrics.New()),
		handler.WithCookieName(cfg.CookieName))
	if err != nil {
		logger.Fatal("failed to create handler", zap.Error(err))
	}
	mux := h.Routes()

	if config.OnLambda() {
		lambda.Start(chiadapter.New(mux).ProxyWithContext)
		return
	}
	if err := serve(logger, mux, ":"+cfg.Port); err != nil {
		logger.Fatal("server", zap.Error(err))
	}
}

func serve(logger *zap.Logger, h http.Handler, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	logger.Info("shutting down")
	return srv.Shutdown(shutdownCtx)
}

// issueToken prints a fresh session token for a user. The agent sends it as
// the hosted session cookie.
func issueToken(ctx context.Context, repo *repository.Client, args []string) error {
	if len(args) == 0 {
		return errors.New("usage: storage-api issue-token <user-id> [display-name]")
	}
	user := domain.User{ID: args[0]}
	if len(args) > 1 {
		user.DisplayName = args[1]
	}
	token, err := repo.IssueToken(ctx, user, tokenTTL)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}
