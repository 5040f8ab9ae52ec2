package server

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"pettracker/gateway/internal/session"
)

// startHTTPServer serves the management surface: liveness, the open
// session list, and Prometheus metrics.
func (s *TCPServer) startHTTPServer() {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":     "ok",
			"gateway_id": s.cfg.GatewayID,
		})
	})

	router.GET("/sessions", func(c *gin.Context) {
		sessions := make([]gin.H, 0)
		s.sessions.Range(func(_, value interface{}) bool {
			if sess, ok := value.(*session.Session); ok {
				sessions = append(sessions, gin.H{
					"conn_id":     sess.ID,
					"device_id":   sess.DeviceID(),
					"client_ip":   sess.ClientIP,
					"created_at":  sess.CreatedAt,
					"last_active": sess.LastActive,
				})
			}
			return true
		})
		c.JSON(http.StatusOK, sessions)
	})

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	addr := fmt.Sprintf(":%d", s.cfg.HTTPPort)
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	log.Printf("[Gateway] HTTP management server listening on %s", addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[Gateway] HTTP server error: %v", err)
		}
	}()

	<-s.ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	srv.Shutdown(shutdownCtx)
}
