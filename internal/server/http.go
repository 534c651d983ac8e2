package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/oggyb/battle-engine/internal/app"
)

// NewRouter builds the gin engine: recovery, CORS, health check and the
// routes of every registrar.
func NewRouter(appCtx *app.AppContext, registrars ...HTTPRegistrar) *gin.Engine {
	if appCtx.Config != nil && appCtx.Config.App.ENV != "development" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(corsConfig(appCtx)))

	router.GET("/healthz", healthCheck(appCtx))

	for _, r := range registrars {
		r.RegisterRoutes(router)
	}
	return router
}

func corsConfig(appCtx *app.AppContext) cors.Config {
	cfg := cors.Config{
		AllowMethods:  []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}

	var origins []string
	if appCtx.Config != nil {
		origins = appCtx.Config.HTTP.AllowedOrigins
	}
	for _, o := range origins {
		if o == "*" {
			origins = nil
			break
		}
	}
	if len(origins) == 0 {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
		cfg.AllowCredentials = true
	}
	return cfg
}

func healthCheck(appCtx *app.AppContext) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		dbStatus := "ok"
		if sqlDB, err := appCtx.DB.DB(); err != nil || sqlDB.PingContext(ctx) != nil {
			dbStatus = "error"
		}
		redisStatus := "ok"
		if appCtx.RedisCache == nil {
			redisStatus = "disabled"
		} else if appCtx.RedisCache.Ping(ctx) != nil {
			redisStatus = "error"
		}

		code := http.StatusOK
		if dbStatus != "ok" || redisStatus == "error" {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, gin.H{
			"status": http.StatusText(code),
			"db":     dbStatus,
			"redis":  redisStatus,
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// NewHTTPServer wraps the router in an http.Server on the configured address.
func NewHTTPServer(appCtx *app.AppContext, router http.Handler) *http.Server {
	return &http.Server{
		Addr:              fmt.Sprintf("%s:%s", appCtx.Config.HTTP.Host, appCtx.Config.HTTP.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
}
