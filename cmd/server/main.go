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

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"signalbot/internal/config"
	entitlementrepository "signalbot/internal/entitlement/repository"
	entitlementservice "signalbot/internal/entitlement/service"
	"signalbot/internal/logging"
	"signalbot/internal/metrics"
	"signalbot/internal/payment"
	"signalbot/internal/payment/binancepay"
	"signalbot/internal/payment/ethereum"
	"signalbot/internal/payment/oracle"
	"signalbot/internal/payment/rail"
	paymentrepository "signalbot/internal/payment/repository"
	"signalbot/internal/payment/rpc"
	"signalbot/internal/payment/solana"
	subscriptionrepository "signalbot/internal/subscription/repository"
	subscriptionservice "signalbot/internal/subscription/service"
	subscriptionhttp "signalbot/internal/subscription/transport/http"
	"signalbot/pkg/db"
	"signalbot/pkg/hash"
	"signalbot/pkg/httpclient"
	"signalbot/pkg/middleware"
	"signalbot/pkg/ratelimit"
	"signalbot/pkg/seal"
)

const upstreamTimeout = 15 * time.Second

type entitlementStore interface {
	subscriptionservice.EntitlementStore
	entitlementservice.ExpiredRevoker
}

func main() {
	cfg := config.MustLoad()
	log := logging.New(cfg.LogLevel, cfg.LogFormat)
	log.Info().Str("env", cfg.Env).Msg("signalbot starting")

	metrics.InitMetrics()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var database *sqlx.DB
	if cfg.DatabaseURL != "" {
		var err error
		database, err = db.Connect(ctx, cfg.DatabaseURL, db.DefaultOptions)
		if err != nil {
			log.Fatal().Err(err).Msg("database connection failed")
		}
		defer database.Close()
		log.Info().Msg("connected to PostgreSQL")
	} else {
		log.Warn().Msg("DATABASE_URL not set, entitlements and receiver keys are kept in memory")
	}

	entitlements, err := newEntitlementStore(ctx, database)
	if err != nil {
		log.Fatal().Err(err).Msg("entitlement store init failed")
	}

	sessions, closeSessions, err := newSessionCache(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("session cache init failed")
	}
	defer closeSessions()

	httpClient, err := httpclient.New(cfg.RailProxyAddr, upstreamTimeout)
	if err != nil {
		log.Fatal().Err(err).Msg("outbound http client init failed")
	}

	rails, err := newRails(ctx, cfg, database, httpClient, log)
	if err != nil {
		log.Fatal().Err(err).Msg("payment rails init failed")
	}

	catalog, err := cfg.Catalog()
	if err != nil {
		log.Fatal().Err(err).Msg("plan catalog invalid")
	}

	priceSource := oracle.NewBinanceSource("", httpClient, log)
	quotes := oracle.New(priceSource, oracle.DefaultPricing(cfg.Ethereum.PricePair, cfg.Solana.PricePair, cfg.BinancePay.Currency))

	verifyGate := ratelimit.NewGate(cfg.RateLimit.VerifyPerMinute, cfg.RateLimit.VerifyBurst)
	defer verifyGate.Stop()
	httpGate := ratelimit.NewGate(cfg.RateLimit.HTTPPerMinute, cfg.RateLimit.HTTPBurst)
	defer httpGate.Stop()

	svc := subscriptionservice.NewService(subscriptionservice.Deps{
		Catalog:      catalog,
		Rails:        rails,
		Oracle:       quotes,
		Sessions:     sessions,
		Entitlements: entitlements,
		Gate:         verifyGate,
	}, subscriptionservice.Config{
		SessionTTL:      cfg.Subscription.SessionTTL,
		IssueTimeout:    cfg.Subscription.IssueTimeout,
		VerifyTimeout:   cfg.Subscription.VerifyTimeout,
		QuoteStaleAfter: cfg.Subscription.QuoteStaleAfter,
		MaxDenials:      cfg.Subscription.MaxDenials,
	}, log)
	subHandler := subscriptionhttp.NewSubscriptionHandler(svc, log)

	if interval := cfg.Subscription.SweepInterval; interval > 0 {
		sweeper := entitlementservice.NewSweeper(entitlements, log)
		go sweeper.Run(ctx, interval)
	}

	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://localhost:3000", "http://localhost:3000", "http://localhost:5173"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(middleware.MetricsMiddleware)
	r.Use(middleware.ValidateRequest)
	rateLimit := middleware.RateLimit(httpGate, log)

	ops := middleware.Subsystem("ops")
	r.With(ops, rateLimit).Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("OK"))
	})
	if cfg.MetricsPasswordHash != "" {
		if _, err := hash.Cost(cfg.MetricsPasswordHash); err != nil {
			log.Fatal().Err(err).Msg("METRICS_PASSWORD_HASH is not a bcrypt hash")
		}
		r.With(ops, rateLimit, middleware.BasicAuth(cfg.MetricsUser, cfg.MetricsPasswordHash)).Handle("/metrics", promhttp.Handler())
	}

	// every bot user gets its own bucket; the bot itself shares one address
	r.Group(func(pr chi.Router) {
		pr.Use(middleware.Subsystem("subscription"))
		pr.Use(middleware.JWTAuth(cfg.JWTSecret))
		pr.Use(rateLimit)
		subHandler.Routes(pr)
	})

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		log.Info().Msg("shutdown signal received, starting graceful shutdown")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("server shutdown failed")
		}
	}()

	log.Info().Str("addr", cfg.HTTPAddr).Int("rails", len(rails)).Msg("server running")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("server failed")
	}
	log.Info().Msg("server stopped")
}

func newEntitlementStore(ctx context.Context, database *sqlx.DB) (entitlementStore, error) {
	if database == nil {
		return entitlementrepository.NewMemoryEntitlementRepository(), nil
	}
	repo := entitlementrepository.NewPostgresEntitlementRepository(database)
	if err := repo.EnsureSchema(ctx); err != nil {
		return nil, err
	}
	return repo, nil
}

func newSessionCache(ctx context.Context, cfg *config.Config, log zerolog.Logger) (subscriptionservice.SessionCache, func(), error) {
	ttl := cfg.Subscription.SessionTTL
	if cfg.RedisAddr == "" {
		log.Warn().Msg("REDIS_ADDR not set, payment sessions are kept in memory")
		return subscriptionrepository.NewMemorySessionCache(ttl, nil), func() {}, nil
	}

	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("redis ping: %w", err)
	}
	return subscriptionrepository.NewRedisSessionCache(client, ttl, nil), func() { client.Close() }, nil
}

// newRails builds the enabled rails in configuration order. A rail enabled
// without its credentials is a startup error.
func newRails(ctx context.Context, cfg *config.Config, database *sqlx.DB, httpClient *http.Client, log zerolog.Logger) ([]payment.Rail, error) {
	ids, err := cfg.Rails()
	if err != nil {
		return nil, err
	}

	var rails []payment.Rail
	for _, id := range ids {
		switch id {
		case payment.RailEthereum:
			if cfg.Ethereum.RPCURL == "" {
				return nil, fmt.Errorf("%s: ETH_RPC_URL is required", id)
			}
			node := rpc.NewClient("ethereum", cfg.Ethereum.RPCURL, httpClient, log)
			// untyped nil keeps CreateReceiver's signer check meaningful
			var signer rpc.Caller
			if cfg.Ethereum.SignerURL != "" {
				signer = rpc.NewClient("ethereum-signer", cfg.Ethereum.SignerURL, httpClient, log)
			}
			chain := ethereum.NewClient(node, signer, cfg.Ethereum.ReceiverPassphrase)
			rails = append(rails, rail.NewOnChain(id, chain, cfg.Ethereum.MinConfirmations, rail.EthereumLink))

		case payment.RailSolana:
			if cfg.Solana.RPCURL == "" {
				return nil, fmt.Errorf("%s: SOLANA_RPC_URL is required", id)
			}
			sealer, err := seal.NewFromHex(cfg.Solana.KeySealSecret)
			if err != nil {
				return nil, fmt.Errorf("%s: RECEIVER_KEY_SECRET: %w", id, err)
			}
			keys, err := newKeysRepository(ctx, database)
			if err != nil {
				return nil, err
			}
			node := rpc.NewClient("solana", cfg.Solana.RPCURL, httpClient, log)
			chain := solana.NewClient(node, keys, sealer)
			rails = append(rails, rail.NewOnChain(id, chain, cfg.Solana.MinConfirmations, rail.SolanaLink))

		case payment.RailBinancePay:
			if cfg.BinancePay.APIKey == "" || cfg.BinancePay.SecretKey == "" {
				return nil, fmt.Errorf("%s: BINANCE_PAY_API_KEY and BINANCE_PAY_SECRET are required", id)
			}
			client := binancepay.NewClient(cfg.BinancePay.BaseURL, cfg.BinancePay.APIKey, cfg.BinancePay.SecretKey, httpClient, log)
			rails = append(rails, rail.NewCustodial(id, client))
		}
		log.Info().Str("rail", string(id)).Msg("payment rail enabled")
	}
	return rails, nil
}

func newKeysRepository(ctx context.Context, database *sqlx.DB) (paymentrepository.KeysRepository, error) {
	if database == nil {
		return paymentrepository.NewMemoryKeysRepo(), nil
	}
	repo := paymentrepository.NewPostgresKeysRepo(database)
	if err := repo.EnsureSchema(ctx); err != nil {
		return nil, err
	}
	return repo, nil
}
