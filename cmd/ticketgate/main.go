package main

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/totegamma/ticketgate/internal/clock"
	"github.com/totegamma/ticketgate/internal/config"
	"github.com/totegamma/ticketgate/internal/domain"
	"github.com/totegamma/ticketgate/internal/infra/cache"
	"github.com/totegamma/ticketgate/internal/infra/chain"
	"github.com/totegamma/ticketgate/internal/infra/database"
	"github.com/totegamma/ticketgate/internal/infra/gateway"
	"github.com/totegamma/ticketgate/internal/infra/repository"
	"github.com/totegamma/ticketgate/internal/ledger"
	"github.com/totegamma/ticketgate/internal/present/rest"
	authmiddleware "github.com/totegamma/ticketgate/internal/present/rest/middleware"
	"github.com/totegamma/ticketgate/internal/service"
	"github.com/totegamma/ticketgate/internal/usecase"
)

const serviceName = "ticketgate"

func main() {
	configPath := pflag.String("config", "/etc/ticketgate/config.yaml", "path to the configuration file")
	debug := pflag.Bool("debug", false, "enable debug logging")
	pflag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})))

	if err := run(*configPath); err != nil {
		slog.Error("ticketgate exited", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(configPath string) error {
	conf, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if conf.Server.EnableTrace {
		cleanup, err := setupTraceProvider(ctx, conf.Server.TraceEndpoint)
		if err != nil {
			return fmt.Errorf("failed to setup tracing: %w", err)
		}
		defer cleanup()
	}

	clk := clock.NewSystem()
	domainConfig := conf.Domain()

	var rdb *redis.Client
	if conf.Server.RedisAddr != "" {
		rdb = database.NewRedis(conf.Server.RedisAddr, "", conf.Server.RedisDB)
		defer rdb.Close()
	}

	reader, admin, err := setupRegistry(ctx, conf, clk)
	if err != nil {
		return err
	}

	var limiter usecase.RateLimiter
	window := time.Duration(conf.RateLimit.Window) * time.Second
	switch conf.RateLimit.Backend {
	case "redis":
		limiter = cache.NewRedisLimiter(rdb, conf.RateLimit.Limit, window)
	default:
		memLimiter := cache.NewMemoryLimiter(conf.RateLimit.Limit, window, clk)
		go memLimiter.Run(ctx, window)
		limiter = memLimiter
	}

	var guard usecase.DuplicateGuard
	guardWindow := time.Duration(conf.Guard.Window) * time.Second
	switch conf.Guard.Backend {
	case "memcached":
		guard = cache.NewMemcachedGuard(database.NewMemcached(conf.Server.MemcachedAddr), guardWindow, clk)
	default:
		guard = cache.NewMemoryGuard(guardWindow, clk)
	}

	var signalService *service.SignalService
	var publisher usecase.EventPublisher
	if rdb != nil {
		signalService = service.NewSignalService(rdb)
		publisher = signalService
	}

	verifyUsecase := usecase.NewVerifyUsecase(
		domainConfig,
		gateway.NewRegistryGateway(reader),
		limiter,
		guard,
		usecase.WithAllowedRegistries(conf.AllowedRegistries()),
		usecase.WithRegistryTimeout(conf.Gateway.RegistryTimeoutDuration()),
		usecase.WithConsumeTimeout(conf.Gateway.ConsumeTimeoutDuration()),
		usecase.WithPublisher(publisher),
	)
	registryUsecase := usecase.NewRegistryUsecase(domainConfig, reader, admin, publisher)

	authService := service.NewAuthService(domainConfig)
	handler := rest.NewHandler(domainConfig, conf.Gateway.MaxBodyBytes, verifyUsecase, registryUsecase, signalService)

	e := echo.New()
	e.HideBanner = true
	e.IPExtractor = rest.IPExtractor(conf.Gateway.TrustedProxyNets())
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())
	e.Use(middleware.BodyLimit("64K"))
	if conf.Server.EnableTrace {
		e.Use(otelecho.Middleware(serviceName))
	}
	handler.RegisterRoutes(e, authmiddleware.NewAuthMiddleware(authService, domainConfig))

	slog.Info(
		"ticketgate starting",
		slog.String("listen", conf.Gateway.Listen),
		slog.String("registry", conf.Registry.Backend),
		slog.String("verifier", domainConfig.Verifier),
		slog.Uint64("chainId", domainConfig.ChainID),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := e.Start(conf.Gateway.Listen); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), conf.Gateway.ConsumeTimeoutDuration())
	defer cancel()
	return e.Shutdown(shutdownCtx)
}

// setupRegistry returns the reader used for verification and, when the backend
// supports it, the administrative store.
func setupRegistry(ctx context.Context, conf config.Config, clk clock.Clock) (usecase.Registry, usecase.RegistryAdmin, error) {
	switch conf.Registry.Backend {
	case "postgres":
		db, err := database.NewPostgres(conf.Server.PostgresDsn)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect database: %w", err)
		}
		if err := database.MigratePostgres(db); err != nil {
			return nil, nil, fmt.Errorf("failed to migrate database: %w", err)
		}
		repo := repository.NewRegistryRepository(db, clk)
		return repo, repo, nil

	case "ethereum":
		key, err := crypto.HexToECDSA(trimHex(conf.Gateway.VerifierKey))
		if err != nil {
			return nil, nil, fmt.Errorf("invalid verifier key: %w", err)
		}
		backend, err := ethclient.DialContext(ctx, conf.Registry.RPCURL)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to dial %s: %w", conf.Registry.RPCURL, err)
		}
		client, err := chain.NewRegistryClient(backend, key, conf.Gateway.ChainID, clk)
		if err != nil {
			return nil, nil, err
		}
		return client, nil, nil

	default:
		l := ledger.New(clk)
		if err := seedLedger(ctx, l, conf); err != nil {
			return nil, nil, err
		}
		return l, l, nil
	}
}

func seedLedger(ctx context.Context, l *ledger.Ledger, conf config.Config) error {
	verifier := common.HexToAddress(conf.Gateway.Verifier)
	for i, seed := range conf.Registry.Seeds {
		price := new(big.Int)
		if seed.Price != "" {
			if _, ok := price.SetString(seed.Price, 10); !ok {
				return fmt.Errorf("registry.seeds[%d]: invalid price %q", i, seed.Price)
			}
		}
		admin := common.HexToAddress(seed.Administrator)

		summary, err := l.Deploy(ctx, domain.DeployInput{
			Administrator: admin,
			Metadata: domain.EventMetadata{
				Name:        seed.Name,
				Symbol:      seed.Symbol,
				Venue:       seed.Venue,
				StartsAt:    seed.StartTime(),
				MetadataURI: seed.MetadataURI,
			},
			Capacity: seed.Capacity,
			Price:    price,
		})
		if err != nil {
			return fmt.Errorf("registry.seeds[%d]: %w", i, err)
		}
		if _, err := l.SetVerifier(ctx, summary.Address, admin, verifier, true); err != nil {
			return fmt.Errorf("registry.seeds[%d]: %w", i, err)
		}
		for _, owner := range seed.Owners {
			to := common.HexToAddress(owner)
			if _, err := l.Issue(ctx, summary.Address, domain.IssueInput{Caller: admin, To: &to}); err != nil {
				return fmt.Errorf("registry.seeds[%d]: issue to %s: %w", i, owner, err)
			}
		}

		slog.Info(
			"seeded registry",
			slog.String("address", summary.Address.Hex()),
			slog.String("name", seed.Name),
			slog.Int("issued", len(seed.Owners)),
		)
	}
	return nil
}

func setupTraceProvider(ctx context.Context, endpoint string) (func(), error) {
	exporter, err := otlptracehttp.New(
		ctx,
		otlptracehttp.WithEndpoint(endpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewSchemaless(
			attribute.String("service.name", serviceName),
		)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown tracer provider", slog.String("error", err.Error()))
		}
	}, nil
}

func trimHex(s string) string {
	if len(s) >= 2 && (s[:2] == "0x" || s[:2] == "0X") {
		return s[2:]
	}
	return s
}
