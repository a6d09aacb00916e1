package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/p369349074/QuantDinger-sub001/internal/billing"
	"github.com/p369349074/QuantDinger-sub001/internal/config"
	"github.com/p369349074/QuantDinger-sub001/internal/email"
	"github.com/p369349074/QuantDinger-sub001/internal/handlers"
	"github.com/p369349074/QuantDinger-sub001/internal/middleware"
	"github.com/p369349074/QuantDinger-sub001/internal/oauth"
	"github.com/p369349074/QuantDinger-sub001/internal/security"
	"github.com/p369349074/QuantDinger-sub001/internal/store"
	"github.com/p369349074/QuantDinger-sub001/internal/telemetry"
	"github.com/p369349074/QuantDinger-sub001/internal/version"
)

const securityLogRetention = 90 * 24 * time.Hour

type App struct {
	cfg         config.Config
	store       *store.Store
	redis       *redis.Client
	authService *middleware.AuthService
	guard       *middleware.Guard
	wsHub       *middleware.Hub
	rateLimiter *middleware.RateLimiter
	turnstile   *security.Turnstile
	limiter     *security.LoginLimiter
	emails      *email.Service
	billing     *billing.Service
	oauth       *oauth.Service
	sampler     *telemetry.Sampler
	system      *handlers.SystemHandlers
}

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}

	cfg := config.Load()
	if cfg.JWTSecret == "" {
		log.Fatal().Msg("JWT_SECRET must be set")
	}

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.DBPath).Msg("Failed to open database")
	}
	defer st.Close()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPass,
	})
	defer redisClient.Close()

	app := newApp(cfg, st, redisClient)

	if err := app.bootstrapAdmin(); err != nil {
		log.Fatal().Err(err).Msg("Failed to bootstrap admin account")
	}

	go app.wsHub.Run()
	app.sampler.Start()
	defer app.sampler.Stop()

	stop := make(chan struct{})
	app.system.StartBroadcast(stop)
	go app.cleanupLoop(stop)
	app.warmTurnstile()

	srv := &http.Server{
		Addr:           ":" + strconv.Itoa(cfg.Port),
		Handler:        app.setupRouter(),
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	go func() {
		if cfg.UseTLS {
			if cfg.TLSCert == "" || cfg.TLSKey == "" {
				log.Fatal().Msg("TLS is enabled but cert or key path not provided")
			}
			log.Info().Int("port", cfg.Port).Msg("Starting HTTPS server")
			if err := srv.ListenAndServeTLS(cfg.TLSCert, cfg.TLSKey); err != nil && err != http.ErrServerClosed {
				log.Fatal().Err(err).Msg("HTTPS server failed to start")
			}
			return
		}
		log.Info().Int("port", cfg.Port).Str("version", version.String()).Msg("Starting server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server failed to start")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("Shutting down server...")

	close(stop)
	app.turnstile.Close()
	app.rateLimiter.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Fatal().Err(err).Msg("Server forced to shutdown")
	}
	log.Info().Msg("Server exited")
}

func newApp(cfg config.Config, st *store.Store, redisClient *redis.Client) *App {
	authService := middleware.NewAuthService(cfg.JWTSecret, cfg.TokenExpiry)
	guard := middleware.NewGuard(authService, st)
	hub := middleware.NewHub()
	sampler := telemetry.NewSampler("/")
	return &App{
		cfg:         cfg,
		store:       st,
		redis:       redisClient,
		authService: authService,
		guard:       guard,
		wsHub:       hub,
		rateLimiter: middleware.NewRateLimiter(rate.Every(time.Minute/100), 10),
		turnstile:   security.NewTurnstile(cfg.Turnstile),
		limiter:     security.NewLoginLimiter(redisClient, cfg.Security),
		emails:      email.NewService(email.NewCodeStore(redisClient, cfg.Security), email.NewSMTPSender(cfg.SMTP)),
		billing:     billing.NewService(st),
		oauth:       oauth.NewService(st, redisClient, cfg.OAuth),
		sampler:     sampler,
		system:      handlers.NewSystemHandlers(sampler, hub),
	}
}

// bootstrapAdmin creates the initial admin account when ADMIN_PASSWORD is set
// and no admin exists yet.
func (a *App) bootstrapAdmin() error {
	if a.cfg.AdminPassword == "" {
		return nil
	}
	hash, err := a.authService.HashPassword(a.cfg.AdminPassword)
	if err != nil {
		return err
	}
	created, err := a.store.EnsureAdmin(a.cfg.AdminUser, hash)
	if err != nil {
		return err
	}
	if created {
		log.Info().Str("username", a.cfg.AdminUser).Msg("Created initial admin account")
	}
	return nil
}

// warmTurnstile probes the verification endpoint in the background so the
// first login does not pay the connection cost.
func (a *App) warmTurnstile() {
	if !a.cfg.Turnstile.Enabled() {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := a.turnstile.Ready(ctx); err != nil {
			log.Warn().Err(err).Msg("Turnstile warm-up failed, will retry on demand")
		}
	}()
}

func (a *App) cleanupLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			removed, err := a.store.CleanupSecurityLogs(securityLogRetention)
			if err != nil {
				log.Error().Err(err).Msg("Security log cleanup failed")
				continue
			}
			if removed > 0 {
				log.Info().Int64("removed", removed).Msg("Pruned old security logs")
			}
		case <-stop:
			return
		}
	}
}

func (a *App) setupRouter() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestID())
	r.Use(middleware.SecurityHeaders())
	r.Use(middleware.CORS())
	r.Use(a.rateLimiter.Middleware())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "version": version.String()})
	})

	authHandlers := handlers.NewAuthHandlers(a.cfg, a.authService, a.store,
		a.limiter, a.turnstile, a.emails, a.billing, a.oauth, a.guard)
	userHandlers := handlers.NewUserHandlers(a.store, a.authService, a.billing, a.guard)
	profileHandlers := handlers.NewProfileHandlers(a.cfg, a.store, a.authService, a.billing)
	settingsHandlers := handlers.NewSettingsHandlers(a.cfg, a.billing)
	systemHandlers := a.system

	// Public auth routes
	auth := r.Group("/api/auth")
	{
		auth.GET("/security-config", authHandlers.SecurityConfig)
		auth.POST("/login", authHandlers.Login)
		auth.POST("/login-code", authHandlers.LoginWithCode)
		auth.POST("/send-code", authHandlers.SendCode)
		auth.POST("/register", authHandlers.Register)
		auth.POST("/reset-password", authHandlers.ResetPassword)
		auth.POST("/logout", authHandlers.Logout)
		auth.GET("/oauth/google", authHandlers.OAuthRedirect("google"))
		auth.GET("/oauth/google/callback", authHandlers.OAuthCallback("google"))
		auth.GET("/oauth/github", authHandlers.OAuthRedirect("github"))
		auth.GET("/oauth/github/callback", authHandlers.OAuthCallback("github"))
	}

	// Authenticated API routes
	api := r.Group("/api")
	api.Use(a.authService.RequireAPIAuth())
	{
		api.GET("/auth/info", authHandlers.Info)
		api.POST("/auth/change-password", authHandlers.ChangePasswordWithCode)

		api.GET("/user/profile", profileHandlers.Profile)
		api.PUT("/user/profile/update", profileHandlers.UpdateProfile)
		api.GET("/user/my-credits-log", profileHandlers.MyCreditsLog)
		api.GET("/user/my-referrals", profileHandlers.MyReferrals)
		api.POST("/user/change-password", profileHandlers.ChangePassword)
		api.GET("/user/routes", profileHandlers.Routes)
		api.GET("/user/oauth-links", profileHandlers.OAuthLinks)
		api.POST("/user/unlink-oauth", profileHandlers.UnlinkOAuth)

		api.GET("/system/stats", systemHandlers.Stats)
		api.GET("/settings/recharge-contact", settingsHandlers.RechargeContact)

		admin := api.Group("")
		admin.Use(a.guard.RequireAdmin())
		{
			admin.GET("/user/list", userHandlers.List)
			admin.GET("/user/detail", userHandlers.Detail)
			admin.POST("/user/create", userHandlers.Create)
			admin.PUT("/user/update", userHandlers.Update)
			admin.DELETE("/user/delete", userHandlers.Delete)
			admin.POST("/user/reset-password", userHandlers.ResetPassword)
			admin.GET("/user/roles", userHandlers.Roles)
			admin.POST("/user/set-credits", userHandlers.SetCredits)
			admin.POST("/user/set-vip", userHandlers.SetVIP)
			admin.GET("/user/credits-log", userHandlers.CreditsLog)
			admin.GET("/user/security-log", userHandlers.SecurityLog)

			admin.GET("/settings/schema", settingsHandlers.Schema)
			admin.GET("/settings/values", settingsHandlers.Values)
			admin.POST("/settings/save", settingsHandlers.Save)
		}
	}

	// Browser page routes: navigation is decided server-side so deep links
	// land on the login page with the original path preserved.
	pages := r.Group("/")
	pages.Use(a.guard.Pages())
	{
		pages.GET("/", func(c *gin.Context) {
			c.Redirect(http.StatusFound, middleware.LandingPath)
		})
		pages.GET(middleware.LoginPath, servePage)
		pages.GET("/dashboard/*page", servePage)
		pages.GET("/account/*page", servePage)
		pages.GET("/system/*page", servePage)
	}

	r.GET("/ws", a.authService.RequireAPIAuth(), a.wsHub.HandleWebSocket())

	return r
}

// servePage hands the SPA shell to the browser; the front end routes from there.
func servePage(c *gin.Context) {
	c.File("./static/index.html")
}
