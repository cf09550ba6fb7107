package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"github.com/justsurfingit/applytrail/internal/auth"
	"github.com/justsurfingit/applytrail/internal/config"
	"github.com/justsurfingit/applytrail/internal/database"
	"github.com/justsurfingit/applytrail/internal/handlers"
	"github.com/justsurfingit/applytrail/internal/logging"
	"github.com/justsurfingit/applytrail/internal/scheduler"
	"github.com/justsurfingit/applytrail/internal/services"
	"github.com/justsurfingit/applytrail/internal/store"
	"github.com/justsurfingit/applytrail/internal/voyager"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		boot := zerolog.New(os.Stderr)
		boot.Fatal().Err(err).Msg("config")
	}
	log := logging.New(cfg.Env, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Database Connection
	db, err := database.Connect(cfg.DatabaseURL, log)
	if err != nil {
		log.Fatal().Err(err).Msg("database")
	}
	st := store.NewGorm(db)

	// 3. Optional Redis for status notifications
	var notifier services.Notifier
	if cfg.RedisURL != "" {
		rdb, err := database.ConnectRedis(ctx, cfg.RedisURL)
		if err != nil {
			log.Warn().Err(err).Msg("⚠️ redis unavailable, transitions will not be published")
		} else {
			defer rdb.Close()
			notifier = services.NewRedisNotifier(rdb)
		}
	}

	// 4. Initialize the upstream client
	fetcher := voyager.NewFetcher(voyager.FetcherOptions{
		MaxAttempts: cfg.FetchAttempts,
		BaseBackoff: cfg.FetchBackoff,
		JitterMax:   cfg.FetchJitterMax,
		Logger:      log,
	})
	details := voyager.NewDetailClient(fetcher, cfg.DetailQueryID, cfg.FetchTimeout)

	// 5. Initialize Core Services (Dependencies)
	credentials := services.NewCredentialService(st, log)
	syncer := services.NewSyncService(st, credentials, fetcher, details, voyager.PaginatorOptions{
		MinDelay: cfg.PageDelayMin,
		MaxDelay: cfg.PageDelayMax,
		Timeout:  cfg.FetchTimeout,
		MaxPages: cfg.MaxPages,
		Logger:   log,
	}, log)
	enricher := services.NewEnrichmentService(st, credentials, details, cfg.EnrichInterval, log)
	reconciler := services.NewReconcileService(st, st, services.NewMatcherService(), notifier, log)
	jobService := services.NewJobService(st, notifier, log)
	runs := services.NewRuns(log)

	var analyst *services.AnalystService
	if cfg.GeminiAPIKey != "" {
		llm, err := services.NewLLMService(ctx, cfg.GeminiAPIKey, services.DefaultModel)
		if err != nil {
			log.Warn().Err(err).Msg("⚠️ analyst disabled")
		} else {
			analyst = services.NewAnalystService(st, llm, log)
		}
	}

	// 6. Initialize Gmail Integration
	var mail *services.EmailService
	httpClient, err := auth.GmailClient(ctx, cfg.GmailCredentialsFile, cfg.GmailTokenFile, os.Stdin, os.Stdout)
	if err != nil {
		log.Warn().Err(err).Msg("⚠️ Gmail Watcher disabled. Check credentials.")
	} else {
		gmailService, err := gmail.NewService(ctx, option.WithHTTPClient(httpClient))
		if err != nil {
			log.Warn().Err(err).Msg("⚠️ Failed to create Gmail Service")
		} else {
			log.Info().Msg("✅ Gmail Service connected successfully.")
			mail = services.NewEmailService(st, gmailService, cfg.Mailbox, cfg.FetchAttempts, cfg.FetchBackoff, log)
		}
	}

	// 7. Scheduler
	var mailSyncer scheduler.MailSyncer
	if mail != nil {
		mailSyncer = mail
	}
	sched := scheduler.New(mailSyncer, reconciler, enricher, cfg.MailSchedule, cfg.EnrichSchedule, log)
	sched.CredentialName = cfg.CredentialName
	if err := sched.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("scheduler")
	}
	defer sched.Stop()

	// 8. Setup Router & CORS
	if cfg.Env != "dev" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery(), logging.Gin(log))
	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = true // For development only
	corsConfig.AllowHeaders = []string{"Origin", "Content-Length", "Content-Type", "Authorization"}
	corsConfig.ExposeHeaders = []string{"X-Run-ID"}
	r.Use(cors.New(corsConfig))

	// 9. Define Routes
	pipeline := &handlers.PipelineHandler{
		Credentials: credentials,
		Syncer:      syncer,
		Enricher:    enricher,
		Reconciler:  reconciler,
		Mail:        mail,
		Analyst:     analyst,
		Runs:        runs,
		DefaultName: cfg.CredentialName,
		Log:         log,
	}
	api := r.Group("/api/v1")
	{
		api.GET("/health", handlers.HealthCheck)
		pipeline.Register(api)
		handlers.NewJobHandler(jobService).Register(api)
	}

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: r}
	go func() {
		log.Info().Str("port", cfg.Port).Msg("🚀 Server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Server failed to start")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, run := range runs.List() {
		_ = runs.Cancel(run.ID)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown")
	}
}
