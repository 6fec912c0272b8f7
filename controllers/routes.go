package controllers

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"petshop-service/catalog"
	"petshop-service/middlewares"
	"petshop-service/models"
	"petshop-service/orders"
	"petshop-service/users"
)

// Deps are the services the HTTP layer is built from. Idempotency and
// RateLimiter are optional.
type Deps struct {
	JWTSecret   string
	TokenTTL    time.Duration
	Users       *users.Store
	Catalog     *catalog.Service
	Orders      *orders.Service
	Idempotency middlewares.IdempotencyStore
	RateLimiter *middlewares.RateLimiter
	// Ping reports whether the store is reachable.
	Ping func(ctx context.Context) error
}

func SetupRouter(d Deps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), middlewares.RequestID(), middlewares.AccessLog())
	r.Use(middlewares.PrometheusMiddleware())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/health", func(c *gin.Context) {
		if d.Ping != nil {
			if err := d.Ping(c.Request.Context()); err != nil {
				log.Printf("Health check failed: %v", err)
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	limited := func(h gin.HandlerFunc) []gin.HandlerFunc {
		if d.RateLimiter == nil {
			return []gin.HandlerFunc{h}
		}
		return []gin.HandlerFunc{d.RateLimiter.Middleware(), h}
	}

	authCtl := NewAuthController(d.Users, d.JWTSecret, d.TokenTTL)
	catalogCtl := NewCatalogController(d.Catalog)
	orderCtl := NewOrderController(d.Orders)
	paymentCtl := NewPaymentController(d.Orders)

	public := r.Group("/api")
	{
		public.POST("/auth/register", limited(authCtl.Register)...)
		public.POST("/auth/login", limited(authCtl.Login)...)
		public.GET("/pets", catalogCtl.ListPets)
		public.GET("/pets/:id", catalogCtl.GetPet)
		public.GET("/products", catalogCtl.ListProducts)
		public.GET("/products/:id", catalogCtl.GetProduct)
		public.POST("/payments/webhook", limited(paymentCtl.HandleWebhook)...)
	}

	authGroup := r.Group("/api")
	authGroup.Use(middlewares.AuthMiddleware(d.JWTSecret, d.Users))
	{
		create := []gin.HandlerFunc{orderCtl.CreateOrder}
		if d.Idempotency != nil {
			create = append([]gin.HandlerFunc{middlewares.Idempotency(d.Idempotency)}, create...)
		}
		authGroup.POST("/orders", create...)
		authGroup.GET("/orders", orderCtl.GetUserOrders)
		authGroup.GET("/orders/:id", orderCtl.GetOrderDetails)
		authGroup.POST("/orders/:id/confirm", orderCtl.ConfirmPayment)
	}

	admin := authGroup.Group("/admin")
	admin.Use(middlewares.RequireRole(models.RoleAdmin))
	{
		admin.POST("/pets", catalogCtl.CreatePet)
		admin.POST("/products", catalogCtl.CreateProduct)
		admin.POST("/orders/:id/reconcile", orderCtl.ReconcileOrder)
		admin.GET("/refunds", orderCtl.ListRefundsDue)
	}

	return r
}
