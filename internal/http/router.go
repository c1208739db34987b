package http

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Pinger verifica dependencias para /healthz.
type Pinger func(ctx context.Context) error

// NewRouter configura el router de Gin con middlewares y rutas.
func NewRouter(
	logger *zap.Logger,
	auth gin.HandlerFunc,
	userH *UserHandler,
	profileH *ProfileHandler,
	chatH *ChatHandler,
	realtimeH *RealtimeHandler,
	ping Pinger,
) *gin.Engine {
	r := gin.New()
	r.Use(zapLoggerMiddleware(logger), gin.Recovery())

	r.GET("/healthz", healthHandler(ping))

	api := r.Group("", jsonContentTypeMiddleware())

	authGroup := api.Group("/auth")
	authGroup.POST("/signup", userH.SignUp)
	authGroup.POST("/verify", userH.Verify)
	authGroup.POST("/verify/resend", userH.ResendVerification)
	authGroup.POST("/login", userH.Login)
	authGroup.POST("/refresh", userH.RefreshToken)
	authGroup.POST("/logout", userH.Logout)
	authGroup.GET("/me", auth, userH.Me)

	private := api.Group("", auth)
	private.GET("/profiles", profileH.ListProfiles)
	private.GET("/profiles/:id", profileH.GetProfile)
	private.POST("/rpc/create_conversation", chatH.CreateConversation)
	private.GET("/conversations", chatH.ListConversations)
	private.GET("/conversations/:id/messages", chatH.ListMessages)
	private.POST("/messages", chatH.PostMessage)

	// Sin jsonContentTypeMiddleware: la respuesta es un upgrade websocket.
	r.GET("/realtime", auth, realtimeH.Subscribe)

	return r
}

func healthHandler(ping Pinger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if ping != nil {
			ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
			defer cancel()
			if err := ping(ctx); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

// zapLoggerMiddleware crea un middleware simple de logging con zap.
func zapLoggerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		latency := time.Since(start)
		logger.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", latency),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}

// jsonContentTypeMiddleware fuerza Content-Type: application/json en responses.
func jsonContentTypeMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Content-Type", "application/json")
		c.Next()
	}
}
