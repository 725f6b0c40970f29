package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/urfave/cli"

	"github.com/papertrade/ledger-engine/internal/auth"
	"github.com/papertrade/ledger-engine/internal/config"
	"github.com/papertrade/ledger-engine/internal/engine"
	"github.com/papertrade/ledger-engine/internal/metrics"
	"github.com/papertrade/ledger-engine/internal/oracle"
	"github.com/papertrade/ledger-engine/internal/report"
	"github.com/papertrade/ledger-engine/internal/store"
	"github.com/papertrade/ledger-engine/internal/trade"
)

func main() {
	app := cli.NewApp()
	app.Name = "ledger-engine"
	app.Usage = "paper-trading ledger: trades, positions and portfolio reports"
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "env-file", Usage: "load settings from this file instead of .env"},
	}

	app.Commands = []cli.Command{
		serveCMD,
		migrateCMD,
		rebuildCMD,
		tokenCMD,
	}

	if err := app.Run(os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var (
	serveCMD = cli.Command{
		Name:        "serve",
		Usage:       "run the HTTP API",
		Action:      serveAction,
		Description: `Serve the trading API, market data and the WebSocket event stream.`,
	}
	migrateCMD = cli.Command{
		Name:        "migrate",
		Usage:       "apply the PostgreSQL schema",
		Action:      migrateAction,
		Description: `Create the ledger tables in DATABASE_URL if they do not exist.`,
	}
	rebuildCMD = cli.Command{
		Name:   "rebuild",
		Usage:  "replay an account's transactions and compare with its positions",
		Action: rebuildAction,
		Flags: []cli.Flag{
			cli.StringFlag{Name: "account", Usage: "account id (required)"},
			cli.BoolFlag{Name: "repair", Usage: "replace drifted positions with the replayed ones"},
		},
		Description: `Run while the account is not trading. Prints the report as JSON.`,
	}
	tokenCMD = cli.Command{
		Name:   "token",
		Usage:  "issue a bearer token for local testing",
		Action: tokenAction,
		Flags: []cli.Flag{
			cli.StringFlag{Name: "account", Usage: "account id (required)"},
			cli.DurationFlag{Name: "ttl", Usage: "token lifetime (default DEV_TOKEN_TTL)"},
		},
	}
)

// setup loads the config and installs the default logger.
func setup(c *cli.Context) (*config.Config, error) {
	var files []string
	if f := c.GlobalString("env-file"); f != "" {
		files = append(files, f)
	}
	cfg, err := config.Load(files...)
	if err != nil {
		return nil, err
	}

	opts := &slog.HandlerOptions{Level: cfg.LogLevel()}
	var handler slog.Handler = slog.NewJSONHandler(os.Stdout, opts)
	if cfg.Log.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
	return cfg, nil
}

func serveAction(c *cli.Context) error {
	cfg, err := setup(c)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	// --- Initialize store ---
	var st store.Store
	if cfg.Database.URL != "" {
		pg, closeDB, err := openPostgres(ctx, cfg.Database.URL)
		if err != nil {
			return err
		}
		cleanup = append(cleanup, closeDB)
		st = pg
		slog.Info("connected to PostgreSQL")
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	// --- Price feed ---
	var quotes oracle.Gateway = oracle.NewCoinGecko(oracle.CoinGeckoConfig{
		BaseURL: cfg.Oracle.BaseURL,
		APIKey:  cfg.Oracle.APIKey,
		Timeout: cfg.Oracle.QuoteTimeout,
		Retries: cfg.Oracle.Retries,
	})
	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		rdb := redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		quotes = oracle.NewCachedGateway(quotes, rdb, cfg.Oracle.CacheTTL, cfg.Oracle.StaleTTL)
		slog.Info("Redis quote cache enabled", "ttl", cfg.Oracle.CacheTTL, "stale_ttl", cfg.Oracle.StaleTTL)
	} else {
		quotes = oracle.NewMemoryCachedGateway(quotes, cfg.Oracle.CacheTTL, cfg.Oracle.StaleTTL)
		slog.Info("REDIS_URL not set, caching quotes in process", "ttl", cfg.Oracle.CacheTTL, "stale_ttl", cfg.Oracle.StaleTTL)
	}

	// --- Ledger ---
	eng := engine.New(st, quotes, cfg.Oracle.QuoteTimeout)
	reports := report.NewService(st, quotes, cfg.Oracle.QuoteTimeout)

	// --- WebSocket hub ---
	wsHub := trade.NewWSHub(cfg.Server.CORSOrigins)
	go wsHub.Run(ctx)

	// --- Trade service ---
	tradeSvc := trade.NewService(eng, reports, quotes, wsHub, trade.Options{
		InitialBalance: cfg.Ledger.InitialBalance,
		QuoteTimeout:   cfg.Oracle.QuoteTimeout,
	})
	if cfg.Auth.InternalToken == "" {
		slog.Warn("INTERNAL_TOKEN not set, /internal routes will reject every request")
	}

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)
	r.Use(cors(cfg.Server.CORSOrigins))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"ledger-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	tradeSvc.Mount(r, auth.NewVerifier(cfg.Auth.JWTSecret), cfg.Auth.InternalToken)

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 35 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		slog.Info("ledger-engine listening", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	slog.Info("shutting down ledger-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	slog.Info("ledger-engine stopped")
	return nil
}

func migrateAction(c *cli.Context) error {
	cfg, err := setup(c)
	if err != nil {
		return err
	}
	if cfg.Database.URL == "" {
		return errors.New("migrate: DATABASE_URL is not set")
	}

	ctx := context.Background()
	pg, closeDB, err := openPostgres(ctx, cfg.Database.URL)
	if err != nil {
		return err
	}
	defer closeDB()

	if err := pg.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	slog.Info("schema applied")
	return nil
}

func rebuildAction(c *cli.Context) error {
	accountID := c.String("account")
	if accountID == "" {
		return errors.New("rebuild: --account is required")
	}
	cfg, err := setup(c)
	if err != nil {
		return err
	}
	if cfg.Database.URL == "" {
		return errors.New("rebuild: DATABASE_URL is not set")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pg, closeDB, err := openPostgres(ctx, cfg.Database.URL)
	if err != nil {
		return err
	}
	defer closeDB()

	// Rebuild never needs market prices.
	eng := engine.New(pg, nil, cfg.Oracle.QuoteTimeout)
	rep, err := eng.Rebuild(ctx, accountID, c.Bool("repair"))
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(rep)
}

func tokenAction(c *cli.Context) error {
	accountID := c.String("account")
	if accountID == "" {
		return errors.New("token: --account is required")
	}
	cfg, err := setup(c)
	if err != nil {
		return err
	}

	ttl := c.Duration("ttl")
	if ttl <= 0 {
		ttl = cfg.Auth.DevTokenTTL
	}
	token, err := auth.NewVerifier(cfg.Auth.JWTSecret).Issue(accountID, ttl)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

func openPostgres(ctx context.Context, url string) (*store.PostgresStore, func(), error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, nil, fmt.Errorf("database connection failed: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("database ping failed: %w", err)
	}
	return store.NewPostgresStore(pool), pool.Close, nil
}

// cors allows cross-origin requests from the configured frontends.
func cors(origins []string) func(http.Handler) http.Handler {
	allowAll := slices.Contains(origins, "*")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			switch {
			case allowAll:
				w.Header().Set("Access-Control-Allow-Origin", "*")
			case origin != "" && slices.Contains(origins, origin):
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Add("Vary", "Origin")
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Internal-Token")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
