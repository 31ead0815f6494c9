package observability

import (
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

// ServeDebug starts a local listener exposing metrics and a health probe.
// It blocks, so callers usually run it on its own goroutine.
func ServeDebug(addr string) {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("chat-client"))

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/debug/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	if err := router.Run(addr); err != nil {
		log.Printf("debug listener error: %v", err)
	}
}
