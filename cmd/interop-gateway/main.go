package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/interop/internal/adapter"
	"github.com/ehr/interop/internal/adapter/ccda"
	"github.com/ehr/interop/internal/adapter/direct"
	"github.com/ehr/interop/internal/adapter/fhir"
	"github.com/ehr/interop/internal/adapter/network"
	"github.com/ehr/interop/internal/adapter/x12"
	"github.com/ehr/interop/internal/api"
	"github.com/ehr/interop/internal/audit"
	"github.com/ehr/interop/internal/config"
	"github.com/ehr/interop/internal/credential"
	"github.com/ehr/interop/internal/directory"
	"github.com/ehr/interop/internal/dispatch"
	"github.com/ehr/interop/internal/domain/document"
	"github.com/ehr/interop/internal/domain/partner"
	"github.com/ehr/interop/internal/domain/transaction"
	"github.com/ehr/interop/internal/engine"
	"github.com/ehr/interop/internal/metrics"
	"github.com/ehr/interop/internal/platform/auth"
	"github.com/ehr/interop/internal/platform/db"
	"github.com/ehr/interop/internal/platform/hipaa"
	"github.com/ehr/interop/internal/platform/middleware"
	"github.com/ehr/interop/internal/platform/webhook"
	"github.com/ehr/interop/migrations"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "interop-gateway",
		Short: "Healthcare interoperability gateway",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(directoryCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	if cfg != nil && cfg.IsDev() {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway API and dispatcher",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func openPool(ctx context.Context, cfg *config.Config, schema string) (*pgxpool.Pool, error) {
	return db.NewPool(ctx, cfg.DatabaseURL, db.PoolOptions{
		MaxConns:        cfg.DBMaxConns,
		MinConns:        cfg.DBMinConns,
		ApplicationName: "interop-gateway",
		Schema:          schema,
	})
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	// migrate up
	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			schema, _ := cmd.Flags().GetString("schema")
			if schema == "" {
				schema = cfg.DBSchema
			}

			ctx := context.Background()
			pool, err := openPool(ctx, cfg, "")
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator, err := db.NewMigrator(pool, migrations.FS, schema)
			if err != nil {
				return err
			}
			fmt.Printf("Running migrations on schema: %s\n", schema)

			count, err := migrator.Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("schema", "", "Target schema for migrations (defaults to DB_SCHEMA)")
	cmd.AddCommand(upCmd)

	// migrate status
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			schema, _ := cmd.Flags().GetString("schema")
			if schema == "" {
				schema = cfg.DBSchema
			}

			ctx := context.Background()
			pool, err := openPool(ctx, cfg, "")
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator, err := db.NewMigrator(pool, migrations.FS, schema)
			if err != nil {
				return err
			}
			statuses, err := migrator.Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("Migration status for schema: %s\n", schema)
			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Println("---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("schema", "", "Target schema for migrations (defaults to DB_SCHEMA)")
	cmd.AddCommand(statusCmd)

	return cmd
}

func directoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "directory",
		Short: "Partner directory operations",
	}

	refreshCmd := &cobra.Command{
		Use:   "refresh",
		Short: "Signal every gateway replica to drop cached partner entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			var sig directory.RefreshSignal
			sig.PartnerID, _ = cmd.Flags().GetString("partner")
			sig.DirectAddress, _ = cmd.Flags().GetString("direct-address")
			sig.Network, _ = cmd.Flags().GetString("network")
			sig.ParticipantID, _ = cmd.Flags().GetString("participant")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.NATSURL == "" {
				return fmt.Errorf("NATS_URL is required to broadcast a refresh")
			}
			nc, err := nats.Connect(cfg.NATSURL, nats.Name("interop-gateway-cli"))
			if err != nil {
				return fmt.Errorf("connect nats: %w", err)
			}
			defer nc.Close()

			data, err := json.Marshal(sig)
			if err != nil {
				return err
			}
			if err := nc.Publish(directory.RefreshSubject, data); err != nil {
				return fmt.Errorf("publish refresh: %w", err)
			}
			if err := nc.FlushTimeout(5 * time.Second); err != nil {
				return fmt.Errorf("flush refresh: %w", err)
			}
			fmt.Println("Directory refresh signal published.")
			return nil
		},
	}
	refreshCmd.Flags().String("partner", "", "Only invalidate this partner id")
	refreshCmd.Flags().String("direct-address", "", "Only invalidate this Direct address")
	refreshCmd.Flags().String("network", "", "Network of the participant to invalidate")
	refreshCmd.Flags().String("participant", "", "Only invalidate this network participant")

	cmd.AddCommand(refreshCmd)
	return cmd
}

// stores groups the repositories behind one storage backend.
type stores struct {
	partners     partner.Repository
	transactions transaction.Repository
	documents    interface {
		document.Repository
		document.ControlSequence
	}
	audit    audit.Recorder
	webhooks webhook.Store
}

func memoryStores() stores {
	return stores{
		partners:     partner.NewMemoryRepo(),
		transactions: transaction.NewMemoryRepo(),
		documents:    document.NewMemoryRepo(),
		audit:        audit.NewMemoryRecorder(),
		webhooks:     webhook.NewMemoryStore(),
	}
}

func pgStores(pool *pgxpool.Pool) stores {
	return stores{
		partners:     partner.NewRepoPG(pool),
		transactions: transaction.NewRepoPG(pool),
		documents:    document.NewRepoPG(pool),
		audit:        audit.NewPGRecorder(pool),
		webhooks:     webhook.NewPGStore(pool),
	}
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		bootLogger := newLogger(nil)
		bootLogger.Fatal().Err(err).Msg("failed to load config")
	}
	logger := newLogger(cfg)
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	checks := make(map[string]db.Check)

	// Storage
	var pool *pgxpool.Pool
	st := memoryStores()
	if cfg.UsesPostgres() {
		pool, err = openPool(ctx, cfg, cfg.DBSchema)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to database")
		}
		defer pool.Close()
		st = pgStores(pool)
		logger.Info().Msg("connected to database")
	} else {
		logger.Warn().Msg("using in-memory storage; records are lost on restart")
	}

	// Token cache
	var tokenCache credential.TokenCache = credential.NewMemoryTokenCache()
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("invalid REDIS_URL")
		}
		rdb := redis.NewClient(opts)
		defer rdb.Close()
		tokenCache = credential.NewRedisTokenCache(rdb)
		checks["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
		logger.Info().Msg("sharing partner tokens through redis")
	}

	// Event bus
	var nc *nats.Conn
	if cfg.NATSURL != "" {
		nc, err = nats.Connect(cfg.NATSURL,
			nats.Name("interop-gateway"),
			nats.MaxReconnects(-1),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				logger.Warn().Err(err).Msg("nats disconnected")
			}),
			nats.ReconnectHandler(func(c *nats.Conn) {
				logger.Info().Str("url", c.ConnectedUrl()).Msg("nats reconnected")
			}),
		)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to nats")
		}
		defer nc.Drain()
		checks["nats"] = func(context.Context) error {
			if !nc.IsConnected() {
				return fmt.Errorf("nats status %s", nc.Status())
			}
			return nil
		}
	}

	var recorder audit.Recorder = st.audit
	if nc != nil {
		recorder = audit.NewMulti(logger, st.audit, audit.NewNATSRecorder(nc))
	}
	history, ok := recorder.(audit.Reader)
	if !ok {
		logger.Fatal().Msg("audit recorder cannot serve history")
	}

	// Directory
	dir := directory.New(st.partners, cfg.DirectoryTTL, logger)
	if nc != nil {
		if _, err := dir.Subscribe(ctx, nc); err != nil {
			logger.Fatal().Err(err).Msg("failed to subscribe to directory refresh")
		}
	}

	// Adapters
	httpClient := adapter.NewHTTPClient(&http.Client{})
	x12Adapter := x12.New(httpClient, st.documents, x12.Identity{
		SenderID:        cfg.X12SenderID,
		SenderQualifier: cfg.X12SenderQualifier,
		Usage:           cfg.X12UsageIndicator,
	}, x12.WithStore(st.documents), x12.WithLogger(logger))

	registry := adapter.NewRegistry(
		fhir.New(httpClient, fhir.WithHealthRecorder(dir)),
		x12Adapter,
		ccda.New(httpClient,
			ccda.WithStore(st.documents),
			ccda.WithIdentity(cfg.HomeCommunityID, cfg.OrganizationOID),
			ccda.WithLogger(logger)),
		direct.New(dir, direct.WithLogger(logger)),
		network.New(httpClient, network.Organization{
			OID:             cfg.OrganizationOID,
			HomeCommunityID: cfg.HomeCommunityID,
		}, network.WithLogger(logger)),
	)

	creds := credential.NewProvider(tokenCache,
		credential.WithRefreshSkew(cfg.TokenRefreshSkew),
		credential.WithLogger(logger))

	collector := metrics.NewCollector()

	// Webhooks
	hooks := webhook.New(st.webhooks,
		webhook.WithTimeout(cfg.WebhookTimeout),
		webhook.WithDeliveryObserver(collector.WebhookDelivered),
		webhook.WithLogger(logger))

	// Engine and dispatcher
	engineOpts := []engine.Option{
		engine.WithNotifier(hooks),
		engine.WithObserver(collector),
		engine.WithLogger(logger),
		engine.WithRetryLimits(cfg.DefaultMaxRetries, cfg.TimeoutRetries),
	}
	if pool != nil {
		engineOpts = append(engineOpts, engine.WithTxRunner(func(ctx context.Context, fn func(ctx context.Context) error) error {
			return db.RunInTx(ctx, pool, fn)
		}))
	}
	if cfg.EncryptionKey != "" {
		sealer, err := hipaa.NewPayloadSealerFromHex(cfg.EncryptionKey)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to create payload sealer")
		}
		engineOpts = append(engineOpts, engine.WithSealer(sealer))
		logger.Info().Msg("stored payloads are sealed")
	} else {
		logger.Warn().Msg("HIPAA_ENCRYPTION_KEY not set; stored payloads are not sealed")
	}
	eng := engine.New(st.transactions, recorder, history, dir, registry, engineOpts...)

	dispatcher := dispatch.New(dispatch.Config{
		Workers:            cfg.Workers,
		QueueSize:          cfg.QueueSize,
		BackoffBase:        cfg.BackoffBase,
		BackoffMax:         cfg.BackoffMax,
		PartnerRPS:         cfg.PartnerRPS,
		PartnerBurst:       cfg.PartnerBurst,
		PartnerMaxInFlight: cfg.PartnerMaxInFlight,
		Timeouts: dispatch.Timeouts{
			FHIRRead:  cfg.TimeoutFHIRRead,
			FHIRWrite: cfg.TimeoutFHIRWrite,
			FHIRBatch: cfg.TimeoutFHIRBatch,
			X12:       cfg.TimeoutX12,
			Document:  cfg.TimeoutDocument,
			Direct:    cfg.TimeoutDirect,
			Network:   cfg.TimeoutNetwork,
		},
	}, eng, registry, dir, creds, dispatch.WithMetrics(collector), dispatch.WithLogger(logger))
	eng.SetDispatcher(dispatcher)
	checks["dispatcher"] = dispatcher.Check

	dispatcher.Start(ctx)
	hooks.Start(ctx)

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = api.ErrorHandler(logger)

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{echo.HeaderAuthorization, echo.HeaderContentType, echo.HeaderAccept, middleware.RequestIDHeader},
	}))
	e.Use(middleware.BodyLimit("1M", "16M", "/api/v1/transactions", "/api/v1/x12/acknowledge"))
	e.Use(middleware.RequestTimeout(60*time.Second, "/metrics"))

	if cfg.AuthSigningKey == "" && cfg.AuthIssuer == "" && cfg.IsDev() {
		logger.Warn().Msg("no auth issuer configured; every caller is treated as a development admin")
		e.Use(auth.DevAuthMiddleware())
	} else {
		jwtCfg := auth.JWTConfig{Issuer: cfg.AuthIssuer, Audience: cfg.AuthAudience}
		if cfg.AuthSigningKey != "" {
			jwtCfg.SigningKey = []byte(cfg.AuthSigningKey)
		}
		e.Use(auth.JWTMiddleware(jwtCfg))
	}
	e.Use(middleware.RateLimit(middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}))

	server := api.New(eng,
		api.WithDirectory(dir),
		api.WithAcknowledger(x12Adapter),
		api.WithWebhooks(webhook.NewHandler(hooks)),
		api.WithHealth(db.HealthHandler(pool, checks)),
		api.WithMetrics(collector.Handler()),
		api.WithLogger(logger),
	)
	server.Register(e)

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("storage", cfg.StorageBackend).Msg("starting gateway")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()

	logger.Info().Msg("shutting down gateway")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	if err := dispatcher.Stop(shutdownCtx); err != nil {
		logger.Error().Err(err).Int("in_flight", eng.InFlight()).Msg("dispatcher did not drain")
	}
	if err := hooks.Stop(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("webhook deliveries did not drain")
	}
	logger.Info().Msg("gateway stopped")
	return nil
}
