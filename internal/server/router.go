package server

import (
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/Komala-2k/Payment-wallet-week2/internal/auth"
	"github.com/Komala-2k/Payment-wallet-week2/internal/logger"
)

type RouterConfig struct {
	Handler     *Handler
	Tokens      *auth.TokenService
	Log         *logger.Logger
	ServiceName string
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(otelgin.Middleware(cfg.ServiceName))
	r.Use(RequestLog(cfg.Log))

	h := cfg.Handler
	r.GET("/health", h.Health)

	api := r.Group("/api")
	{
		// Public
		api.POST("/accounts", h.Register)
	}

	protected := api.Group("/")
	protected.Use(RequireAuth(cfg.Tokens, cfg.Log))
	{
		protected.GET("/users/profile", h.Profile)
		protected.GET("/users/balance", h.Balance)
		protected.POST("/users/token", h.RefreshToken)

		protected.GET("/transactions/user/:alias", h.LookupAlias)
		protected.POST("/transactions/add-money", h.AddMoney)
		protected.POST("/transactions/send-money", h.SendMoney)
		protected.GET("/transactions/history", h.History)
		protected.GET("/transactions/reconcile", h.Reconcile)
	}

	return r
}
