package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/sync/errgroup"

	"github.com/mirkobrombin/go-borglock/v1/api"
	"github.com/mirkobrombin/go-borglock/v1/envoy"
	"github.com/mirkobrombin/go-borglock/v1/metrics"
	"github.com/mirkobrombin/go-borglock/v1/presets"
	"github.com/mirkobrombin/go-borglock/v1/syncbus"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := parseConfig(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, "lockservice:", err)
		os.Exit(2)
	}

	level := slog.LevelInfo
	if cfg.dev {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("lockservice stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config, logger *slog.Logger) error {
	if cfg.trace {
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return err
		}
		tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
		defer func() { _ = tp.Shutdown(context.Background()) }()
		otel.SetTracerProvider(tp)
	}

	holder := envoy.NewProcessHolder(
		envoy.WithPrimitive(strings.Fields(cfg.primitive)...),
		envoy.WithEnvoyBinary(cfg.envoy),
		envoy.WithLogger(logger),
	)

	stack, closeBus, err := buildStack(cfg, holder, logger)
	if err != nil {
		return err
	}
	defer stack.Close()
	defer closeBus()

	reg := metrics.NewRegistry()
	metrics.RegisterLockMetrics(reg)

	opts := []api.Option{api.WithGatherer(reg), api.WithLogger(logger)}
	if stack.Bus != nil {
		opts = append(opts, api.WithBus(stack.Bus))
	}
	if cfg.tokenHash != "" {
		opts = append(opts, api.WithTokenHash(cfg.tokenHash))
	} else if cfg.token != "" {
		opts = append(opts, api.WithToken(cfg.token))
	}
	srv := &http.Server{
		Addr:              cfg.addr(),
		Handler:           api.New(stack.Coordinator, opts...).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("lockservice listening", "addr", cfg.addr(), "repodir", cfg.repoDir, "bus", cfg.bus)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return stack.Reaper.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	return g.Wait()
}

// buildStack picks the in-memory stack in dev mode and the Redis stack
// otherwise. The returned func closes a bus created here.
func buildStack(cfg config, holder envoy.Holder, logger *slog.Logger) (*presets.Stack, func(), error) {
	noop := func() {}
	if cfg.dev {
		s, err := presets.NewInMemory(cfg.repoDir, holder)
		return s, noop, err
	}

	opts := presets.RedisOptions{
		Addr:         cfg.redisAddr(),
		Password:     cfg.redisPassword,
		DB:           cfg.redisDB,
		RepoDir:      cfg.repoDir,
		Holder:       holder,
		MaxHold:      cfg.maxHold,
		ReapInterval: cfg.reapInterval,
		Logger:       logger,
	}
	closeBus := noop
	switch cfg.bus {
	case "redis":
		opts.Events = true
	case "nats":
		nc, err := nats.Connect(cfg.natsURL)
		if err != nil {
			return nil, noop, fmt.Errorf("connect nats: %w", err)
		}
		opts.Bus = syncbus.NewNATSBus(nc, syncbus.DefaultNATSSubject)
		closeBus = nc.Close
	case "kafka":
		kb, err := syncbus.NewKafkaBus(strings.Split(cfg.kafkaBrokers, ","), cfg.kafkaTopic, sarama.NewConfig())
		if err != nil {
			return nil, noop, fmt.Errorf("connect kafka: %w", err)
		}
		opts.Bus = kb
		closeBus = kb.Close
	}
	s, err := presets.NewRedis(opts)
	if err != nil {
		closeBus()
		return nil, noop, err
	}
	return s, closeBus, nil
}
