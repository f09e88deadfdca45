package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/CallMeGwei/paycheck/internal/config"
	"github.com/CallMeGwei/paycheck/internal/crypto"
	"github.com/CallMeGwei/paycheck/internal/handlers"
	appMiddleware "github.com/CallMeGwei/paycheck/internal/middleware"
	"github.com/CallMeGwei/paycheck/internal/repository"
	"github.com/CallMeGwei/paycheck/internal/services"
	"github.com/CallMeGwei/paycheck/internal/token"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Printf("Failed to load config: %v", err)
		os.Exit(1)
	}

	// Operational and audit stores are separate databases
	db, err := repository.NewPostgresDB(cfg.DatabaseURL)
	if err != nil {
		log.Printf("Failed to connect to database: %v", err)
		os.Exit(2)
	}
	defer db.Close()

	auditDB, err := repository.NewPostgresDB(cfg.AuditDatabaseURL)
	if err != nil {
		log.Printf("Failed to connect to audit database: %v", err)
		os.Exit(2)
	}
	defer auditDB.Close()

	redis, err := repository.NewRedisClient(cfg.RedisURL)
	if err != nil {
		log.Printf("Failed to connect to Redis: %v", err)
		os.Exit(2)
	}
	defer redis.Close()

	vault, err := crypto.NewVault(cfg.MasterKey)
	if err != nil {
		log.Printf("Invalid master key: %v", err)
		os.Exit(1)
	}

	signerCache, err := token.NewSignerCache(512)
	if err != nil {
		log.Printf("Failed to create signer cache: %v", err)
		os.Exit(1)
	}

	// Initialize services
	auditService := services.NewAuditService(auditDB, cfg.AuditLogEnabled, cfg.AuditLogRetentionDays)
	defer auditService.Close()

	userService := services.NewUserService(db)
	orgService := services.NewOrgService(db, vault)
	projectService := services.NewProjectService(db, vault, signerCache, cfg.JWKSGraceDays)
	productService := services.NewProductService(db)
	licenseService := services.NewLicenseService(db)
	deviceService := services.NewDeviceService(db)
	paymentService := services.NewPaymentService(db, licenseService)
	notificationService := services.NewNotificationService(orgService, cfg.ResendAPIKey, cfg.EmailFrom)
	redemptionService := services.NewRedemptionService(licenseService, productService, projectService, deviceService)
	authzService := services.NewAuthzService(userService, orgService, projectService)

	startupCtx, cancelStartup := context.WithTimeout(context.Background(), 30*time.Second)
	if purged, err := auditService.PurgePublic(startupCtx); err != nil {
		log.Printf("Audit purge failed: %v", err)
	} else if purged > 0 {
		log.Printf("Purged %d expired public audit entries", purged)
	}
	if err := userService.Bootstrap(startupCtx, cfg.BootstrapOperatorEmail); err != nil {
		log.Printf("Bootstrap failed: %v", err)
	}
	cancelStartup()

	// Initialize handlers
	publicHandler := handlers.NewPublicHandler(handlers.PublicHandlerConfig{
		Redemption:    redemptionService,
		Licenses:      licenseService,
		Devices:       deviceService,
		Products:      productService,
		Projects:      projectService,
		Orgs:          orgService,
		Payments:      paymentService,
		Notifications: notificationService,
		Audit:         auditService,
		Limiter:       redis,

		BaseURL:        cfg.BaseURL,
		SuccessPageURL: cfg.SuccessPageURL,
	})
	webhookHandler := handlers.NewWebhookHandler(paymentService, licenseService,
		productService, projectService, orgService, notificationService, auditService)
	orgHandler := handlers.NewOrgHandler(orgService, projectService, productService,
		licenseService, deviceService, userService, notificationService, auditService)
	operatorHandler := handlers.NewOperatorHandler(userService, orgService, auditService)

	// Setup router
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID", "X-On-Behalf-Of"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Rate limiting
	r.Use(httprate.LimitByIP(100, time.Minute))

	// Health and metrics
	r.Get("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/health/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := db.Ping(r.Context()); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	r.Handle("/metrics", promhttp.Handler())

	// Public surface (end-user applications)
	r.Post("/buy", publicHandler.Buy)
	r.Get("/callback", publicHandler.Callback)
	r.Post("/redeem/code", publicHandler.RedeemCode)
	r.Post("/redeem/key", publicHandler.RedeemKey)
	r.Post("/validate", publicHandler.Validate)
	r.Get("/license", publicHandler.GetLicenseInfo)
	r.Get("/devices", publicHandler.ListDevices)
	r.Post("/devices/deactivate", publicHandler.DeactivateDevice)
	r.Post("/recover", publicHandler.Recover)
	r.Get("/jwks/{project_id}", publicHandler.JWKS)

	// Provider webhooks (public but signature-verified)
	r.Post("/webhooks/stripe", webhookHandler.Stripe)
	r.Post("/webhooks/lemonsqueezy", webhookHandler.LemonSqueezy)

	// Developer dashboard
	r.Route("/orgs/{org_id}", func(r chi.Router) {
		r.Use(appMiddleware.OrgAuth(authzService))

		r.Get("/", orgHandler.GetOrg)
		r.Put("/settings", orgHandler.UpdateOrgSettings)
		r.Get("/members", orgHandler.ListMembers)
		r.Post("/members", orgHandler.AddMember)

		r.Get("/projects", orgHandler.ListProjects)
		r.Post("/projects", orgHandler.CreateProject)

		r.Route("/projects/{project_id}", func(r chi.Router) {
			r.Use(appMiddleware.ProjectAuth(authzService))

			r.Get("/", orgHandler.GetProject)
			r.Patch("/", orgHandler.UpdateProject)
			r.Delete("/", orgHandler.DeleteProject)
			r.Post("/restore", orgHandler.RestoreProject)
			r.Post("/rotate-key", orgHandler.RotateProjectKey)

			r.Get("/products", orgHandler.ListProducts)
			r.Post("/products", orgHandler.CreateProduct)
			r.Patch("/products/{product_id}", orgHandler.UpdateProduct)
			r.Put("/products/{product_id}/payment-config", orgHandler.SetProductPaymentConfig)

			r.Get("/licenses", orgHandler.ListLicenses)
			r.Post("/licenses", orgHandler.IssueLicense)
			r.Post("/licenses/{license_id}/revoke", orgHandler.RevokeLicense)
			r.Post("/licenses/{license_id}/unrevoke", orgHandler.UnrevokeLicense)
			r.Delete("/licenses/{license_id}", orgHandler.DeleteLicense)
			r.Post("/licenses/{license_id}/restore", orgHandler.RestoreLicense)
			r.Get("/licenses/{license_id}/devices", orgHandler.ListLicenseDevices)
			r.Post("/licenses/{license_id}/devices/deactivate", orgHandler.DeactivateLicenseDevice)
			r.Post("/licenses/{license_id}/send-code", orgHandler.SendLicenseCode)
		})
	})

	// Operator console
	r.Route("/operators", func(r chi.Router) {
		r.Use(appMiddleware.OperatorAuth(authzService))

		r.Get("/users", operatorHandler.ListUsers)
		r.Post("/users", operatorHandler.CreateUser)
		r.Delete("/users/{user_id}", operatorHandler.DeleteUser)
		r.Post("/users/{user_id}/restore", operatorHandler.RestoreUser)

		r.Post("/operators", operatorHandler.CreateOperator)

		r.Get("/orgs", operatorHandler.ListOrgs)
		r.Post("/orgs", operatorHandler.CreateOrg)
		r.Delete("/orgs/{org_id}", operatorHandler.DeleteOrg)
		r.Post("/orgs/{org_id}/restore", operatorHandler.RestoreOrg)

		r.Post("/api-keys", operatorHandler.CreateAPIKey)
		r.Delete("/api-keys/{key_id}", operatorHandler.RevokeAPIKey)

		r.Get("/audit-logs", operatorHandler.QueryAuditLogs)
	})

	// Server
	srv := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		log.Printf("Starting server on %s", cfg.Addr())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server exited")
}
