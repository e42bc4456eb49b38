package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"clearance.org/internal/audit"
	"clearance.org/internal/auth"
	"clearance.org/internal/clearance"
	"clearance.org/internal/config"
	"clearance.org/internal/events"
	"clearance.org/internal/httpapi"
	"clearance.org/internal/identity"
	"clearance.org/internal/obs"
	"clearance.org/internal/routing"
	"clearance.org/internal/stats"
	"clearance.org/internal/store/pg"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var envFile string
	flags := pflag.NewFlagSet("clearance-api", pflag.ContinueOnError)
	flags.StringVar(&envFile, "env-file", ".env", "optional dotenv file read before the environment")
	showVersion := flags.Bool("version", false, "print version and exit")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if *showVersion {
		fmt.Printf("clearance-api %s (%s)\n", version, commit)
		return nil
	}

	cfg, err := config.Load(envFile)
	if err != nil {
		return err
	}
	logger, err := obs.NewLogger(os.Stdout, cfg.LogLevel)
	if err != nil {
		return err
	}
	obs.SetLogger(logger)
	slog.SetDefault(logger)
	obs.Init()
	obs.InitBuildInfo(version, commit)

	policy, err := config.LoadPolicy(cfg.PolicyFile)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	deps, cleanup, err := wire(ctx, cfg, policy, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	api := httpapi.New(deps, httpapi.Limits{
		Burst:        cfg.RateBurst,
		PerSecond:    cfg.RatePerSec,
		MaxBodyBytes: cfg.MaxBodyBytes,
	})
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http listening", slog.String("addr", srv.Addr), slog.String("version", version))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http: %w", err)
		}
		return nil
	})

	if cfg.GRPCAddr != "" {
		health := httpapi.NewGRPCServer(deps.Ready)
		gs := grpc.NewServer()
		health.Register(gs)
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			return fmt.Errorf("grpc listen: %w", err)
		}
		g.Go(func() error {
			logger.Info("grpc health listening", slog.String("addr", cfg.GRPCAddr))
			if err := gs.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return fmt.Errorf("grpc: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			health.Watch(gctx, 10*time.Second)
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			gs.GracefulStop()
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("stopped")
	return nil
}

// wire builds the service graph. Without a DSN every store is in memory; Redis and NATS
// are optional.
func wire(ctx context.Context, cfg config.Config, policy config.Policy, logger *slog.Logger) (httpapi.Deps, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (httpapi.Deps, func(), error) {
		cleanup()
		return httpapi.Deps{}, func() {}, err
	}

	var (
		idStore    identity.Store
		hashes     auth.HashStore
		reqStore   clearance.Store
		readyProbe httpapi.ReadyProbe
	)
	if cfg.PGDSN != "" {
		store, err := pg.Open(cfg.PGDSN)
		if err != nil {
			return fail(fmt.Errorf("open db: %w", err))
		}
		closers = append(closers, func() { _ = store.Close() })
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := store.Ping(pingCtx); err != nil {
			return fail(fmt.Errorf("ping db: %w", err))
		}
		idStore, hashes, reqStore = store, store, store
		readyProbe = httpapi.ReadyProbe{DB: store.DB()}
	} else {
		logger.Warn("CLEARANCE_PG_DSN not set, using in-memory stores")
		mem := identity.NewInMemory()
		idStore, hashes, reqStore = mem, auth.NewMemoryHashStore(), clearance.NewInMemory()
	}

	var revoker auth.Revoker = auth.NewMemoryRevoker()
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		closers = append(closers, func() { _ = rdb.Close() })
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fail(fmt.Errorf("ping redis: %w", err))
		}
		revoker = auth.NewRedisRevoker(rdb)
	}

	hub := events.NewHub(64)
	closers = append(closers, func() { _ = hub.Close() })
	publisher := events.Fanout{hub}
	if cfg.NATSURL != "" {
		nc, err := events.NewNatsPublisher(cfg.NATSURL)
		if err != nil {
			return fail(fmt.Errorf("connect nats: %w", err))
		}
		closers = append(closers, func() { _ = nc.Close() })
		publisher = append(publisher, nc)
	}

	tokens, err := auth.NewTokenIssuer(cfg.TokenSecret,
		auth.WithIssuer(cfg.Issuer),
		auth.WithTTL(cfg.TokenTTL),
		auth.WithModel(policy.Model),
	)
	if err != nil {
		return fail(err)
	}

	ids := identity.NewService(idStore, auth.NewCredentialVerifier(hashes, 0), policy.Model,
		identity.WithPublisher(publisher),
		identity.WithAuditSink(audit.LogEvent),
		identity.WithCatalog(policy.Catalog),
	)
	engine := routing.NewEngine(policy.Catalog, idStore)
	svc := clearance.NewService(reqStore, ids, engine, policy.Model,
		clearance.WithPublisher(publisher),
		clearance.WithAuditSink(audit.LogEvent),
		clearance.WithReviewerCorrections(cfg.ReviewerCorrections),
	)

	return httpapi.Deps{
		Identities: ids,
		Clearance:  svc,
		Stats:      stats.NewService(reqStore, ids, svc, policy.Catalog, policy.Model),
		Tokens:     tokens,
		Revoker:    revoker,
		Model:      policy.Model,
		Catalog:    policy.Catalog,
		Activity:   hub,
		Ready:      readyProbe,
		Version:    version,
		Logger:     logger,
	}, cleanup, nil
}
