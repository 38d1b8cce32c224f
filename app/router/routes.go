// Package router provides HTTP routing, middleware configuration, and server setup for the web application
package router

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/amirphl/clinic-queue/app/dto"
	"github.com/amirphl/clinic-queue/app/handlers"
	"github.com/amirphl/clinic-queue/app/middleware"
	"github.com/amirphl/clinic-queue/config"
	"github.com/amirphl/clinic-queue/utils"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/compress"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/helmet"
	"github.com/gofiber/fiber/v3/middleware/limiter"
	"github.com/gofiber/fiber/v3/middleware/logger"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/gofiber/fiber/v3/middleware/requestid"
	"go.uber.org/zap"
)

// Router interface for HTTP routing
type Router interface {
	SetupRoutes()
	Start(address string) error
	GetApp() *fiber.App
}

// Handlers groups the HTTP handlers mounted by the router
type Handlers struct {
	Auth            handlers.AuthHandlerInterface
	Messaging       handlers.MessagingHandlerInterface
	Extension       handlers.ExtensionHandlerInterface
	WhatsAppSession handlers.WhatsAppSessionHandlerInterface
	QuotaAdmin      handlers.QuotaAdminHandlerInterface
}

// FiberRouter implements Router using Fiber v3
type FiberRouter struct {
	app            *fiber.App
	cfg            *config.ProductionConfig
	handlers       Handlers
	authMiddleware *middleware.AuthMiddleware
}

// NewFiberRouter creates a new Fiber router
func NewFiberRouter(cfg *config.ProductionConfig, h Handlers, authMiddleware *middleware.AuthMiddleware) *FiberRouter {
	app := fiber.New(fiberConfig(cfg))

	return &FiberRouter{
		app:            app,
		cfg:            cfg,
		handlers:       h,
		authMiddleware: authMiddleware,
	}
}

// SetupRoutes configures all application routes
func (r *FiberRouter) SetupRoutes() {
	zap.L().Info("Setting up routes")

	r.setupMiddleware()

	if r.cfg.Metrics.Enabled {
		r.app.Get(r.cfg.Metrics.Path, middleware.MetricsHandler())
	}

	api := r.app.Group("/api/v1")

	// Health check route (no rate limiting)
	api.Get("/health", r.healthCheck)

	api.Use(limiter.New(limiter.Config{
		Max:        r.cfg.Security.GlobalRateLimit,
		Expiration: r.cfg.Security.RateLimitWindow,
		KeyGenerator: func(c fiber.Ctx) string {
			return c.IP()
		},
		LimitReached: rateLimitReached,
		Next: func(c fiber.Ctx) bool {
			// extension traffic has its own per-device limit
			return c.Path() == "/api/v1/health" || strings.HasPrefix(c.Path(), "/api/v1/extension/")
		},
	}))

	auth := api.Group("/auth")
	auth.Post("/refresh", r.handlers.Auth.Refresh)

	// Clinic staff
	protected := api.Group("", r.authMiddleware.Authenticate())

	messaging := protected.Group("/messaging")
	messaging.Post("/send", r.handlers.Messaging.EnqueueSend)
	messaging.Get("/sessions/ongoing", r.handlers.Messaging.OngoingSessions)
	messaging.Post("/sessions/:id/pause", r.handlers.Messaging.PauseSession)
	messaging.Post("/sessions/:id/resume", r.handlers.Messaging.ResumeSession)
	messaging.Post("/sessions/:id/cancel", r.handlers.Messaging.CancelSession)
	messaging.Get("/failed-tasks", r.handlers.Messaging.ListFailedTasks)
	messaging.Get("/failed-tasks/export", r.handlers.Messaging.ExportFailedTasks)
	messaging.Post("/failed-tasks/retry", r.handlers.Messaging.RetryFailedTasks)
	messaging.Post("/failed-tasks/delete", r.handlers.Messaging.DeleteFailedTasks)

	whatsapp := protected.Group("/whatsapp")
	whatsapp.Get("/session", r.handlers.WhatsAppSession.Get)
	whatsapp.Post("/session/pause", r.handlers.WhatsAppSession.Pause)
	whatsapp.Post("/session/resume", r.handlers.WhatsAppSession.Resume)

	extensionAdmin := protected.Group("/extension-devices")
	extensionAdmin.Post("/pairing", r.handlers.Extension.StartPairing)
	extensionAdmin.Get("/", r.handlers.Extension.ListDevices)
	extensionAdmin.Delete("/:id", r.handlers.Extension.RevokeDevice)
	extensionAdmin.Post("/commands", r.handlers.Extension.IssueControlCommand)

	// Browser extension
	extension := api.Group("/extension")
	extension.Use(limiter.New(limiter.Config{
		Max:        r.cfg.Security.ExtensionRateLimit,
		Expiration: r.cfg.Security.RateLimitWindow,
		KeyGenerator: func(c fiber.Ctx) string {
			if token := c.Get("Authorization"); token != "" {
				return token
			}
			return c.IP()
		},
		LimitReached: rateLimitReached,
	}))
	extension.Post("/pairing/complete", r.handlers.Extension.CompletePairing)
	extension.Post("/token/refresh", r.handlers.Extension.RefreshToken)

	device := extension.Group("", r.authMiddleware.DeviceAuthenticate())
	device.Post("/heartbeat", r.handlers.Extension.Heartbeat)
	device.Post("/commands/poll", r.handlers.Extension.PollCommands)
	device.Post("/commands/:id/ack", r.handlers.Extension.AckCommand)
	device.Post("/commands/:id/complete", r.handlers.Extension.CompleteCommand)

	// Admin
	admin := api.Group("/admin", r.authMiddleware.AdminAuthenticate())
	admin.Get("/quotas/:moderatorId", r.handlers.QuotaAdmin.GetQuota)
	admin.Put("/quotas/:moderatorId", r.handlers.QuotaAdmin.UpdateQuota)

	r.app.Use(r.notFoundHandler)

	zap.L().Info("Routes configured successfully")
}

func rateLimitReached(c fiber.Ctx) error {
	return c.Status(fiber.StatusTooManyRequests).JSON(dto.APIResponse{
		Success: false,
		Message: "Too many requests. Please try again later.",
		Error: dto.ErrorDetail{
			Code: "RATE_LIMIT_EXCEEDED",
		},
	})
}

// setupMiddleware configures global middleware
func (r *FiberRouter) setupMiddleware() {
	// Request ID middleware - must be first
	r.app.Use(requestid.New(requestid.Config{
		Header:    "X-Request-ID",
		Generator: generateRequestID,
	}))

	// Recovery middleware with custom error handling
	r.app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
		StackTraceHandler: func(c fiber.Ctx, e any) {
			zap.L().Error("Panic while serving request",
				zap.Any("error", e),
				zap.Any("request_id", c.Locals("requestid")),
				zap.String("path", c.Path()),
				zap.String("method", c.Method()),
				zap.String("ip", c.IP()),
			)
		},
	}))

	if r.cfg.Server.EnableMetrics {
		r.app.Use(middleware.Metrics())
	}

	r.app.Use(helmet.New(helmet.Config{
		XSSProtection:             "1; mode=block",
		ContentTypeNosniff:        "nosniff",
		XFrameOptions:             "DENY",
		HSTSMaxAge:                r.cfg.Security.HSTSMaxAge,
		ReferrerPolicy:            "strict-origin-when-cross-origin",
		CrossOriginOpenerPolicy:   "same-origin",
		CrossOriginResourcePolicy: "cross-origin",
		XDNSPrefetchControl:       "off",
		XDownloadOptions:          "noopen",
		XPermittedCrossDomain:     "none",
	}))

	r.app.Use(cors.New(cors.Config{
		AllowOrigins:     r.cfg.Security.AllowedOrigins,
		AllowMethods:     r.cfg.Security.AllowedMethods,
		AllowHeaders:     append(r.cfg.Security.AllowedHeaders, "X-Request-ID"),
		ExposeHeaders:    []string{"X-Request-ID", "Content-Disposition"},
		AllowCredentials: r.cfg.Security.AllowCredentials,
		MaxAge:           utils.CORSMaxAge,
	}))

	if r.cfg.Server.EnableCompression {
		r.app.Use(compress.New(compress.Config{
			Level: compress.LevelBestSpeed,
		}))
	}

	if r.cfg.Logging.EnableAccessLog {
		r.app.Use(logger.New(logger.Config{
			Format:     `{"time":"${time}","request_id":"${locals:requestid}","level":"info","method":"${method}","path":"${path}","ip":"${ip}","status":${status},"latency":"${latency}","bytes_in":${bytesReceived},"bytes_out":${bytesSent}}` + "\n",
			TimeFormat: time.RFC3339,
			TimeZone:   "UTC",
			Next: func(c fiber.Ctx) bool {
				// heartbeats and polls would drown the access log
				return c.Path() == "/api/v1/health" ||
					c.Path() == "/api/v1/extension/heartbeat" ||
					c.Path() == "/api/v1/extension/commands/poll"
			},
		}))
	}
}

// fiberConfig trusts the proxy header only when it comes from a configured proxy
func fiberConfig(cfg *config.ProductionConfig) fiber.Config {
	return fiber.Config{
		AppName:      "Clinic Queue API",
		ServerHeader: "clinic-queue",
		ErrorHandler: errorHandler,
		BodyLimit:    cfg.Server.BodyLimit,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
		JSONEncoder:  json.Marshal,
		JSONDecoder:  json.Unmarshal,
		ProxyHeader:  cfg.Server.ProxyHeader,
		TrustProxy:   len(cfg.Server.TrustedProxies) > 0,
		TrustProxyConfig: fiber.TrustProxyConfig{
			Proxies: cfg.Server.TrustedProxies,
		},
	}
}

func listenConfig(cfg *config.ProductionConfig) fiber.ListenConfig {
	var lc fiber.ListenConfig
	if cfg.Security.TLSEnabled {
		lc.CertFile = cfg.Security.TLSCertFile
		lc.CertKeyFile = cfg.Security.TLSKeyFile
	}
	return lc
}

// Start starts the HTTP server, over TLS when it is enabled
func (r *FiberRouter) Start(address string) error {
	zap.L().Info("Starting server", zap.String("address", address), zap.Bool("tls", r.cfg.Security.TLSEnabled))
	return r.app.Listen(address, listenConfig(r.cfg))
}

func (r *FiberRouter) GetApp() *fiber.App {
	return r.app
}

func (r *FiberRouter) healthCheck(c fiber.Ctx) error {
	return c.JSON(dto.APIResponse{
		Success: true,
		Message: "Service is healthy",
		Data: fiber.Map{
			"status":    "ok",
			"timestamp": utils.UTCNow().Unix(),
			"version":   r.cfg.Deployment.Version,
			"commit":    r.cfg.Deployment.CommitHash,
			"built_at":  r.cfg.Deployment.BuildTime,
			"service":   "clinic-queue-api",
		},
	})
}

func (r *FiberRouter) notFoundHandler(c fiber.Ctx) error {
	return c.Status(fiber.StatusNotFound).JSON(dto.APIResponse{
		Success: false,
		Message: "The requested resource was not found",
		Error: dto.ErrorDetail{
			Code: "NOT_FOUND",
			Details: fiber.Map{
				"path":       c.Path(),
				"method":     c.Method(),
				"request_id": c.Locals("requestid"),
			},
		},
	})
}

// Global error handler
func errorHandler(c fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	var fe *fiber.Error
	if errors.As(err, &fe) {
		code = fe.Code
	}

	zap.L().Error("Request failed", zap.Int("status", code), zap.Error(err), zap.Any("request_id", c.Locals("requestid")))

	return c.Status(code).JSON(dto.APIResponse{
		Success: false,
		Message: "An internal server error occurred",
		Error: dto.ErrorDetail{
			Code: "INTERNAL_ERROR",
			Details: fiber.Map{
				"timestamp":  utils.UTCNow().Unix(),
				"request_id": c.Locals("requestid"),
			},
		},
	})
}

// generateRequestID creates a unique request ID
func generateRequestID() string {
	bytes := make([]byte, 8)
	_, _ = rand.Read(bytes)
	return hex.EncodeToString(bytes)
}
