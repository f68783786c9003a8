package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"vectordb/internal/api"
	"vectordb/internal/config"
	"vectordb/internal/rpc"
	"vectordb/internal/vecdb"
)

const (
	exitOK       = 0
	exitConfig   = 1
	exitBind     = 2
	exitInternal = 3
)

type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }

func (e *exitError) Unwrap() error { return e.err }

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:])
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string) int {
	cmd := newRootCommand()
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(ctx)
	if err == nil {
		return exitOK
	}
	var ee *exitError
	if errors.As(err, &ee) {
		slog.Error("Server stopped", "error", ee.err, "exit_code", ee.code)
		return ee.code
	}
	// flag parsing
	slog.Error("Invalid arguments", "error", err)
	return exitConfig
}

func newRootCommand() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:           "vectordb",
		Short:         "Vector database server with HTTP and gRPC interfaces",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appConfig, err := config.LoadConfig(configPath)
			if err != nil {
				return &exitError{code: exitConfig, err: err}
			}
			setupLogging(appConfig.Server.LogLevel)
			setupGinMode(appConfig.Server.LogLevel)
			return serve(cmd.Context(), appConfig)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", config.DefaultPath, "path to the TOML config file")
	return cmd
}

func serve(ctx context.Context, appConfig *config.AppConfig) (err error) {
	logger := slog.Default()

	logger.Info("Opening registry", "data_dir", appConfig.Engine.DataDir)
	registry, err := vecdb.Open(ctx, appConfig.EngineOptions(logger))
	if err != nil {
		return &exitError{code: exitInternal, err: err}
	}
	defer func() {
		if cerr := registry.Close(); cerr != nil && err == nil {
			err = &exitError{code: exitInternal, err: cerr}
		}
	}()

	httpLn, err := net.Listen("tcp", appConfig.Server.BindAddr)
	if err != nil {
		return &exitError{code: exitBind, err: err}
	}
	var grpcLn net.Listener
	if appConfig.Server.GRPCAddr != "" {
		if grpcLn, err = net.Listen("tcp", appConfig.Server.GRPCAddr); err != nil {
			httpLn.Close()
			return &exitError{code: exitBind, err: err}
		}
	}

	router := api.NewRouter(registry, appConfig.RouterOptions(logger))
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("HTTP server listening", "address", httpLn.Addr().String())
		return api.Serve(gctx, httpLn, api.WithCORS(router))
	})
	if grpcLn != nil {
		grpcServer := rpc.NewGRPCServer(registry, logger)
		g.Go(func() error {
			logger.Info("gRPC server listening", "address", grpcLn.Addr().String())
			return grpcServer.Serve(grpcLn)
		})
		g.Go(func() error {
			<-gctx.Done()
			grpcServer.GracefulStop()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return &exitError{code: exitInternal, err: err}
	}
	logger.Info("Server shut down")
	return nil
}

func setupLogging(logLevel string) {
	var level slog.Level
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	})
	slog.SetDefault(slog.New(handler))
}

func setupGinMode(logLevel string) {
	switch strings.ToLower(logLevel) {
	case "debug":
		gin.SetMode(gin.DebugMode)
	default:
		gin.SetMode(gin.ReleaseMode)
	}
}
