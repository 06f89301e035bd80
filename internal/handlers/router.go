package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/terminal-bench/attestd/internal/config"
	"github.com/terminal-bench/attestd/internal/metrics"
	"github.com/terminal-bench/attestd/internal/middleware"
	"github.com/terminal-bench/attestd/internal/services/integrity"
	"github.com/terminal-bench/attestd/internal/services/operator"
)

// Dependencies are the collaborators the router needs
type Dependencies struct {
	Config    *config.Config
	Service   *integrity.Service
	Directory *operator.Directory
	Limiter   *middleware.RateLimiter
	Metrics   *metrics.Metrics
	Logger    logrus.FieldLogger
}

// NewRouter builds the HTTP routes
func NewRouter(d Dependencies) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestLogger(d.Logger))
	router.Use(middleware.CORS(d.Config.AllowedOrigins))

	system := NewSystemHandler(d.Config, d.Service.Limits(), d.Directory, d.Logger)
	compute := NewComputeHandler(d.Service, d.Logger)
	audit := NewAuditHandler(d.Service, d.Logger)
	approvals := NewApprovalHandler(d.Service, d.Logger)

	// Public routes
	router.GET("/health", system.Health)
	router.GET("/safety/config", system.SafetyConfig)
	if d.Metrics != nil {
		router.GET("/metrics", gin.WrapH(d.Metrics.Handler()))
	}

	api := router.Group("/")
	if d.Limiter != nil {
		api.Use(middleware.RateLimit(d.Limiter))
	}
	api.Use(middleware.Identify(d.Directory))
	{
		api.POST("/auth/token", system.Token)
		api.POST("/merkle_root", compute.MerkleRoot)
		api.POST("/merkle_entropy", compute.Entropy)
		api.POST("/validate", compute.Validate)
	}

	// Operator routes
	ops := api.Group("/")
	ops.Use(middleware.RequireOperator())
	{
		ops.GET("/audit/trail", audit.Trail)
		ops.POST("/audit/archive", audit.Archive)
		ops.GET("/audit/archive/:id", audit.Restore)

		ops.POST("/operator/approval", approvals.Create)
		ops.POST("/operator/approval/:id", approvals.Act)
		ops.GET("/operator/approval/:id", approvals.Get)
		ops.GET("/operator/approvals", approvals.List)
		ops.GET("/operator/notifications", approvals.Notifications)
	}

	return router
}
