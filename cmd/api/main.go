package main

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	validator "github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/extra/redisotel/v9"
	redis "github.com/redis/go-redis/v9"

	"github.com/jimkkun/backend-helper/internal/auth"
	"github.com/jimkkun/backend-helper/internal/common"
	"github.com/jimkkun/backend-helper/internal/config"
	"github.com/jimkkun/backend-helper/internal/db"
	"github.com/jimkkun/backend-helper/internal/deduction"
	"github.com/jimkkun/backend-helper/internal/events"
	"github.com/jimkkun/backend-helper/internal/health"
	"github.com/jimkkun/backend-helper/internal/incident"
	"github.com/jimkkun/backend-helper/internal/lock"
	"github.com/jimkkun/backend-helper/internal/notify"
	"github.com/jimkkun/backend-helper/internal/obs"
	"github.com/jimkkun/backend-helper/internal/queue"
	"github.com/jimkkun/backend-helper/internal/rate"
	"github.com/jimkkun/backend-helper/internal/ratelimit"
	"github.com/jimkkun/backend-helper/internal/security"
	"github.com/jimkkun/backend-helper/internal/settlement"
	"github.com/jimkkun/backend-helper/internal/statement"
	"github.com/jimkkun/backend-helper/internal/workrecord"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := obs.NewLogger(cfg.ObsLogFormat, cfg.ObsLogLevel).With().Str("env", cfg.AppEnv).Logger()

	if cfg.ObsEnableTracing {
		shutdown, err := obs.InitTracer(context.Background(), obs.TracingConfig{
			ServiceName:   "helper-api",
			Endpoint:      cfg.ObsOTLPEndpoint,
			SamplingRatio: cfg.ObsTracingSampling,
			Environment:   cfg.AppEnv,
		})
		if err != nil {
			logger.Error().Err(err).Msg("initialise tracing")
		} else {
			defer func() {
				if err := shutdown(context.Background()); err != nil {
					logger.Error().Err(err).Msg("shutdown tracer")
				}
			}()
		}
	}

	if cfg.MigrateOnStart {
		if err := db.Migrate(cfg.DatabaseURL); err != nil {
			logger.Fatal().Err(err).Msg("run migrations")
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect database")
	}
	defer pool.Close()

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse redis url")
	}
	redisClient := redis.NewClient(redisOpts)
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Error().Err(err).Msg("close redis")
		}
	}()
	if err := redisotel.InstrumentTracing(redisClient); err != nil {
		logger.Error().Err(err).Msg("instrument redis tracing")
	}
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Fatal().Err(err).Msg("ping redis")
	}

	validate := validator.New()
	locker := lock.Locker{
		R:            redisClient,
		Prefix:       cfg.QueueRedisPrefix,
		TTL:          cfg.LockTTL,
		RetryBackoff: cfg.LockRetryBackoff,
	}
	idem := common.Idem{R: redisClient, TTL: cfg.IdempotencyTTL}

	enqueuer := queue.Enqueuer{R: redisClient, Prefix: cfg.QueueRedisPrefix, DedupTTL: cfg.IdempotencyTTL}
	bus := &events.Bus{
		Store: events.NewStore(pool),
		Notifiers: []events.Notifier{
			notify.StatementDispatcher{Enqueuer: enqueuer, Logger: logger},
		},
	}

	authService, err := auth.NewService(auth.Config{
		Store:           auth.NewStore(pool),
		Secret:          cfg.JWTSecret,
		AccessTokenTTL:  cfg.AccessTokenTTL,
		RefreshTokenTTL: cfg.RefreshTokenTTL,
		Issuer:          cfg.JWTIssuer,
		Audience:        cfg.JWTAudience,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise auth service")
	}
	authHandler := auth.Handler{Service: authService, Validate: validate}
	authMW := auth.Middleware{Service: authService}

	rateStore := rate.NewStore(pool)
	rateHandler := rate.Handler{Service: rateStore, Validate: validate}

	recordStore := workrecord.NewStore(pool)
	settlementStore := settlement.NewStore(pool)
	deductionStore := deduction.NewStore(pool)

	settlementSvc := settlement.NewService(settlementStore, recordStore, rateStore, deductionStore, locker, bus, logger)
	deductionSvc := deduction.NewService(deductionStore, locker, bus, settlementSvc, logger)
	incidentSvc := incident.NewService(incident.NewStore(pool), deductionSvc, locker, bus, logger)
	statementSvc := statement.NewService(statement.NewStore(pool), settlementStore, recordStore, rateStore, locker, bus, logger)

	settlementHandler := settlement.Handler{Service: settlementSvc, Validate: validate}
	deductionHandler := deduction.Handler{Service: deductionSvc, Validate: validate}
	incidentHandler := incident.Handler{Service: incidentSvc, Validate: validate}
	statementHandler := statement.Handler{Service: statementSvc, Validate: validate}

	var httpMetrics *obs.HTTPMetrics
	if cfg.ObsEnablePrometheus {
		buckets := obs.ParseBucketsCSV(os.Getenv("OBS_METRICS_BUCKETS_MS"))
		httpMetrics = obs.NewHTTPMetrics(cfg.ObsMetricsNamespace, buckets, nil)
	}

	authLimiter, err := ratelimit.NewRedisLimiter(redisClient, cfg.QueueRedisPrefix+":rl", int64(cfg.AuthRateLimitPerMin), time.Minute)
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise rate limiter")
	}
	authRate := ratelimit.Handler{
		Limiter: authLimiter,
		Key:     common.ClientIP,
		OnError: func(err error) { logger.Warn().Err(err).Msg("rate_limiter_error") },
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(obs.RoutePatternMiddleware)
	if cfg.ObsEnableTracing {
		r.Use(obs.TracingMiddleware)
	}
	if httpMetrics != nil {
		r.Use(obs.HTTPObs{Metrics: httpMetrics}.Middleware)
	}
	r.Use(obs.RequestLogger{Logger: logger}.Middleware)
	r.Use(security.Headers{Enable: true, EnableHSTS: cfg.AppEnv == "production"}.Middleware)
	r.Use(security.BodyLimit{Max: cfg.MaxRequestBodyBytes}.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins(cfg),
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	if cfg.ObsEnablePrometheus {
		r.Handle("/metrics", promhttp.Handler())
	}
	r.Mount("/debug/pprof", protectPprof(pprofMux()))

	healthHandler := health.Handler{
		Prober:       health.Deps{Pool: pool, Redis: redisClient},
		DBTimeout:    cfg.HealthDBTimeout,
		RedisTimeout: cfg.HealthRedisTimeout,
	}
	r.Get("/health/live", healthHandler.Live)
	r.Get("/health/ready", healthHandler.Ready)

	r.Route("/v1", func(v chi.Router) {
		v.Route("/auth", func(a chi.Router) {
			a.Use(authRate.Middleware)
			a.Post("/register", authHandler.Register)
			a.Post("/login", authHandler.Login)
			a.Post("/refresh", authHandler.Refresh)
			a.Post("/logout", authHandler.Logout)
			a.Group(func(protected chi.Router) {
				protected.Use(authMW.RequireAuth)
				protected.Get("/me", authHandler.Me)
			})
		})

		v.Group(func(g chi.Router) {
			g.Use(authMW.RequireAuth)

			g.With(idem.Middleware).Post("/closings", settlementHandler.SubmitClosing)
			g.Get("/closings/{id}", settlementHandler.GetClosing)
			g.Get("/settlements/{id}", settlementHandler.Get)
			g.Get("/work-records/{id}/settlement", settlementHandler.GetByWorkRecord)
			g.Get("/helpers/me/settlements", settlementHandler.ListMine)

			g.Get("/helpers/me/statements", statementHandler.ListMine)
			g.Get("/helpers/me/statements/{id}", statementHandler.GetMine)

			g.With(idem.Middleware).Post("/incidents", incidentHandler.Report)
			g.Get("/incidents/{id}", incidentHandler.Get)
			g.Get("/helpers/{id}/incidents", incidentHandler.ListForHelper)

			g.Get("/deductions/{id}", deductionHandler.Get)
		})

		v.Route("/admin", func(admin chi.Router) {
			admin.Use(authMW.RequireAuth)
			admin.Use(authMW.RequireRole(auth.RoleAdmin))

			admin.Post("/rate-configs", rateHandler.Create)
			admin.Get("/rate-configs", rateHandler.List)
			admin.Get("/rate-configs/active", rateHandler.Active)

			admin.Post("/settlements/{id}/paid", settlementHandler.MarkPaid)
			admin.Post("/settlements/{id}/preview", settlementHandler.Preview)

			admin.With(idem.Middleware).Post("/deductions", deductionHandler.Create)
			admin.Post("/deductions/{id}/apply", deductionHandler.Apply)
			admin.Post("/deductions/{id}/cancel", deductionHandler.Cancel)
			admin.Get("/deductions", deductionHandler.ListForTarget)

			admin.Post("/incidents/{id}/resolve", incidentHandler.Resolve)
			admin.Post("/incidents/{id}/dismiss", incidentHandler.Dismiss)

			admin.Post("/statements", statementHandler.Build)
			admin.Post("/statements/build-month", statementHandler.BuildMonth)
			admin.Get("/statements/{id}", statementHandler.Get)
			admin.Post("/statements/{id}/send", statementHandler.Send)
			admin.Post("/statements/{id}/revise", statementHandler.Revise)
			admin.Get("/helpers/{id}/statements/current", statementHandler.GetCurrent)
		})
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		stop := make(chan os.Signal, 1)
		signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
		<-stop
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("shutdown http server")
		}
	}()

	logger.Info().Str("addr", srv.Addr).Msg("server starting")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal().Err(err).Msg("server exited unexpectedly")
	}
}

func allowedOrigins(cfg *config.Config) []string {
	if len(cfg.CORSAllowedOrigins) == 0 {
		return []string{"*"}
	}
	return cfg.CORSAllowedOrigins
}

// protectPprof gates the profiling endpoints behind basic auth. Without
// credentials configured the endpoints are hidden entirely.
func protectPprof(next http.Handler) http.Handler {
	user := os.Getenv("PPROF_USER")
	pass := os.Getenv("PPROF_PASS")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if user == "" || pass == "" {
			http.NotFound(w, r)
			return
		}
		u, p, ok := r.BasicAuth()
		if !ok ||
			subtle.ConstantTimeCompare([]byte(u), []byte(user)) != 1 ||
			subtle.ConstantTimeCompare([]byte(p), []byte(pass)) != 1 {
			w.Header().Set("WWW-Authenticate", `Basic realm="pprof"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func pprofMux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", pprof.Index)
	mux.HandleFunc("/cmdline", pprof.Cmdline)
	mux.HandleFunc("/profile", pprof.Profile)
	mux.HandleFunc("/symbol", pprof.Symbol)
	mux.HandleFunc("/trace", pprof.Trace)
	mux.Handle("/allocs", pprof.Handler("allocs"))
	mux.Handle("/goroutine", pprof.Handler("goroutine"))
	mux.Handle("/heap", pprof.Handler("heap"))
	mux.Handle("/mutex", pprof.Handler("mutex"))
	return mux
}
