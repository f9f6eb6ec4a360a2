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

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"labbook/internal/access"
	"labbook/internal/api"
	"labbook/internal/booking"
	"labbook/internal/cache"
	"labbook/internal/config"
	"labbook/internal/db"
	"labbook/internal/events"
	"labbook/internal/metrics"
	"labbook/internal/notify"
	"labbook/internal/report"
	"labbook/internal/slots"
	"labbook/internal/superuser"
)

func main() {
	output := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	logger := zerolog.New(output).With().Timestamp().Logger()

	cfg, err := config.Load(os.Getenv("LABBOOK_CONFIG_PATH"))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if cfg.Auth.JWTSecret == "" {
		logger.Fatal().Msg("set auth.jwt_secret in config")
	}
	loc, err := cfg.Location()
	if err != nil {
		logger.Fatal().Err(err).Str("timezone", cfg.Booking.Timezone).Msg("invalid booking.timezone")
	}

	database, err := db.Open(cfg.Database.Path, &logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("open db error")
	}
	defer database.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bus := events.NewEventBus(&logger)

	var (
		rdb       *redis.Client
		weekCache *cache.WeekCache
	)
	if cfg.Redis.Address != "" && cfg.CacheTTL() > 0 {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.Redis.Address, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		defer rdb.Close()
		weekCache = cache.NewWeekCache(rdb, cfg.CacheTTL(), &logger)
		weekCache.Subscribe(bus)
	}

	registry := slots.NewRegistry(nil)
	onRegistry := func(fc *config.FacilitiesConfig) {
		catalog, err := slots.BuildCatalog(fc)
		if err != nil {
			logger.Error().Err(err).Msg("facility registry rejected, keeping previous")
			return
		}
		if err := database.SyncFacilities(ctx, catalog.Facilities()); err != nil {
			logger.Error().Err(err).Msg("failed to mirror facility registry")
		}
		registry.Replace(catalog)
		if err := weekCache.Flush(ctx); err != nil {
			logger.Warn().Err(err).Msg("failed to flush availability cache")
		}
		logger.Info().Str("registry", fc.String()).Msg("facility registry loaded")
	}
	onRegistryError := func(err error) {
		logger.Error().Err(err).Msg("facility registry reload failed")
	}
	reload := time.Duration(cfg.Registry.ReloadSeconds) * time.Second
	if err := config.WatchFacilities(ctx, cfg.Registry.Path, reload, onRegistry, onRegistryError); err != nil {
		logger.Fatal().Err(err).Msg("failed to load facility registry")
	}
	if registry.Current() == nil {
		logger.Fatal().Msg("no valid facility registry")
	}

	var sender notify.Sender = notify.NewLogSender(&logger)
	if cfg.Notify.Telegram.Enabled {
		tg, err := notify.NewTelegramSender(cfg.Notify.Telegram.BotToken)
		if err != nil {
			logger.Fatal().Err(err).Msg("create telegram sender error")
		}
		sender = tg
	}
	notifier := notify.NewNotifier(sender, cfg.Notify.Telegram.ChatIDs, cfg.Supervisors, &logger)
	notifier.Subscribe(bus)
	go notifier.Run(ctx)

	var m *metrics.Metrics
	if cfg.Monitoring.PrometheusEnabled {
		m = metrics.New()
		m.Subscribe(bus)
		go startMetricsServer(ctx, cfg.Monitoring.PrometheusPort, m, &logger)
	}

	gate := access.NewGate(cfg.Supervisors)
	bookings := booking.NewService(database, registry, gate, bus, booking.Policy{
		MinAdvance:                 cfg.BookingMinAdvance(),
		MaxAdvance:                 cfg.BookingMaxAdvance(),
		RequesterCanCancelApproved: cfg.Booking.RequesterCanCancelApproved,
		Location:                   loc,
	}, &logger)
	superusers := superuser.NewService(database, registry, gate, bus, &logger)

	resolverOpts := []slots.ResolverOption{slots.WithLocation(loc), slots.WithMinAdvance(cfg.BookingMinAdvance())}
	if weekCache != nil {
		resolverOpts = append(resolverOpts, slots.WithCache(weekCache))
	}
	resolver := slots.NewResolver(registry, database, &logger, resolverOpts...)

	go db.NewBackupService(database, cfg.Backup, &logger).Start(ctx)

	if cfg.Report.Enabled {
		go report.NewService(database, notifier, cfg.Report.Dir, &logger).Start(ctx)
	}

	ready := func(ctx context.Context) error {
		if err := database.Ping(ctx); err != nil {
			return fmt.Errorf("db: %w", err)
		}
		if err := weekCache.Ping(ctx); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		return nil
	}

	router := api.NewRouter(api.Dependencies{
		Bookings:   bookings,
		Superusers: superusers,
		Resolver:   resolver,
		Registry:   registry,
		Facilities: database,
		Gate:       gate,
		Auth:       api.NewAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.Issuer),
		Limiter:    api.NewRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst),
		Metrics:    m,
		Ready:      ready,
		Location:   loc,
		Logger:     &logger,
	})

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout(),
		WriteTimeout: cfg.WriteTimeout(),
	}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctxShutdown)
	}()

	logger.Info().Str("addr", cfg.Server.Addr).Msg("labbook started")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error().Err(err).Msg("http server error")
	}
	logger.Info().Msg("labbook stopped")
}

func startMetricsServer(ctx context.Context, port int, m *metrics.Metrics, logger *zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctxShutdown)
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error().Err(err).Msg("metrics server error")
	}
}
