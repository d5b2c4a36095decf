package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Mindburn-Labs/covenant/pkg/api"
	"github.com/Mindburn-Labs/covenant/pkg/config"
	"github.com/Mindburn-Labs/covenant/pkg/crypto"
	"github.com/Mindburn-Labs/covenant/pkg/dispatch"
	"github.com/Mindburn-Labs/covenant/pkg/escalation"
	"github.com/Mindburn-Labs/covenant/pkg/evaluation"
	"github.com/Mindburn-Labs/covenant/pkg/governance"
	"github.com/Mindburn-Labs/covenant/pkg/node"
	"github.com/Mindburn-Labs/covenant/pkg/observability"
	"github.com/Mindburn-Labs/covenant/pkg/pipeline"
)

const shutdownTimeout = 10 * time.Second

func runServe(args []string, _, stderr io.Writer) int {
	cmd := flag.NewFlagSet("serve", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	configPath := cmd.String("config", "", "YAML config file (overrides COVENANT_CONFIG)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if *configPath != "" {
		_ = os.Setenv("COVENANT_CONFIG", *configPath)
	}

	cfg, err := config.Load()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	logger := newLogger(stderr, cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := serve(ctx, cfg, logger); err != nil {
		logger.Error("node stopped", "error", err)
		return 1
	}
	return 0
}

func newLogger(w io.Writer, level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl}))
}

// serve runs the node until ctx ends or the HTTP server fails.
func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	signer, created, err := crypto.LoadOrGenerateSigner(cfg.KeyFile, true)
	if err != nil {
		return fmt.Errorf("node key: %w", err)
	}
	if created {
		logger.InfoContext(ctx, "generated node key", "key_file", cfg.KeyFile)
	}
	self := signer.PublicKey()
	verifier := crypto.NewEd25519Verifier()
	logger.InfoContext(ctx, "node identity", "public_key", self)

	st, err := openStorage(ctx, cfg.StorageDriver, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer func() { _ = st.close() }()

	if cfg.GenesisFile != "" {
		genesis, err := readGenesis(cfg.GenesisFile)
		if err != nil {
			return err
		}
		installed, err := governance.Bootstrap(ctx, st.store, verifier, genesis)
		if err != nil {
			return fmt.Errorf("bootstrap governance: %w", err)
		}
		logger.InfoContext(ctx, "governance ready", "governance", genesis.SubjectID(), "installed", installed)
	}

	obs, err := observability.New(ctx, observability.Config{
		ServiceName:    "covenant-node",
		ServiceVersion: version,
		Environment:    cfg.Environment,
		Endpoint:       cfg.OTLPEndpoint,
		Insecure:       cfg.Environment == "development",
	})
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := obs.Shutdown(sctx); err != nil {
			logger.WarnContext(sctx, "telemetry shutdown", "error", err)
		}
	}()

	evaluator, err := evaluation.New(verifier)
	if err != nil {
		return err
	}
	resolver := governance.NewResolver(st.store)

	var inbox *escalation.Inbox
	if cfg.ApprovalMode == config.ApprovalManual {
		inbox = escalation.NewInbox(cfg.ManualApprovalTTL)
	}
	approver, err := node.NewApprover(cfg.ApprovalMode, inbox)
	if err != nil {
		return err
	}

	var (
		transport dispatch.Dispatcher
		limiter   api.Limiter = api.NewLocalLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
		listen    func(context.Context, dispatch.Handler)
	)
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer func() { _ = client.Close() }()
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		rd := dispatch.NewRedis(client, cfg.RedisPrefix, self)
		transport = rd
		limiter = api.NewRedisLimiter(client, cfg.RedisPrefix, cfg.RateLimitRPS, cfg.RateLimitBurst)
		listen = func(ctx context.Context, h dispatch.Handler) {
			if err := rd.Listen(ctx, h); err != nil {
				logger.ErrorContext(ctx, "transport stopped", "error", err)
			}
		}
	} else {
		logger.WarnContext(ctx, "REDIS_ADDR not set; running without peers")
		bus := dispatch.NewBus()
		defer bus.Close()
		transport = bus.Endpoint(self)
		listen = func(_ context.Context, h dispatch.Handler) { bus.Register(self, h) }
	}

	n, err := node.New(node.Config{
		Signer:     signer,
		Verifier:   verifier,
		Store:      st.store,
		Resolver:   resolver,
		Evaluator:  evaluator,
		Dispatcher: transport,
		Approver:   approver,

		ValidationTimeout: cfg.ValidationTimeout,
	})
	if err != nil {
		return err
	}
	defer n.Close()

	p, err := pipeline.New(pipeline.Config{
		Signer:            signer,
		Verifier:          verifier,
		Store:             st.store,
		Journal:           st.journal,
		Resolver:          resolver,
		Evaluator:         evaluator,
		Dispatcher:        transport,
		ApprovalTimeout:   cfg.ApprovalTimeout,
		ValidationTimeout: cfg.ValidationTimeout,
		HistorySize:       cfg.StatusHistory,
	})
	if err != nil {
		return err
	}
	p.WithTelemetry(obs)
	n.SetVoteSink(p)

	defer startTransport(ctx, listen, n, p)()

	tickets, err := p.Recover(ctx)
	if err != nil {
		return err
	}
	if len(tickets) > 0 {
		logger.InfoContext(ctx, "resubmitted journaled requests", "count", len(tickets))
	}

	srv := api.NewServer(p, st.store).
		WithLimiter(limiter).
		WithTelemetry(obs).
		WithLogger(logger.With("component", "api"))
	if inbox != nil {
		srv.WithInbox(inbox)
		go sweepInbox(ctx, inbox, cfg.ManualApprovalTTL)
	}
	if cfg.JWTSecret != "" {
		srv.WithAuth([]byte(cfg.JWTSecret))
	}

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.InfoContext(ctx, "listening", "addr", cfg.ListenAddr, "storage", cfg.StorageDriver,
			"approval_mode", cfg.ApprovalMode)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return httpServer.Shutdown(sctx)
}

// startTransport delivers inbound envelopes to h until the returned func is
// called. The listener outlives both ctx and the pipeline: the returned func
// closes p, letting runs in flight at shutdown collect their votes, and only
// then stops listening.
func startTransport(ctx context.Context, listen func(context.Context, dispatch.Handler), h dispatch.Handler, p interface{ Close() }) (stop func()) {
	listenCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	go func() {
		defer close(done)
		listen(listenCtx, h)
	}()
	return func() {
		p.Close()
		cancel()
		<-done
	}
}

// sweepInbox expires stale approval items and forgets decided ones.
func sweepInbox(ctx context.Context, inbox *escalation.Inbox, ttl time.Duration) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if expired := inbox.CheckTimeouts(ctx); len(expired) > 0 {
				slog.Default().With("component", "escalation").InfoContext(ctx, "approvals expired", "count", len(expired))
			}
			inbox.Prune(now.Add(-2 * ttl))
		}
	}
}
