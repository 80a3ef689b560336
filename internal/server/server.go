// Package server exposes the HTTP surface: ingestion, document lookup,
// department listings, semantic search and auth.
package server

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/docflow-ai/docflow/config"
	"github.com/docflow-ai/docflow/internal/blob"
	"github.com/docflow-ai/docflow/internal/classify"
	"github.com/docflow-ai/docflow/internal/embedding"
	"github.com/docflow-ai/docflow/internal/queue/streams"
	"github.com/docflow-ai/docflow/internal/search"
	"github.com/docflow-ai/docflow/internal/store"
)

// Run wires dependencies and serves HTTP until the listener fails.
func Run(cfg *config.Config, addr string) error {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	// Unified HTTP error handler with structured JSON and logging
	baseLogger := log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		baseLogger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			_ = c.JSON(code, map[string]interface{}{"error": msg})
		}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Authorization", "Cookie", "X-Webhook-Token"},
		AllowCredentials: true,
	}))

	e.GET("/healthz", func(c echo.Context) error { return c.String(200, "ok") })
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	ctx := context.Background()

	dsn, err := cfg.Databases.Postgres.DSN()
	if err != nil {
		return err
	}
	if err := Migrate("file://migrations", dsn, "up", 0); err != nil {
		baseLogger.Printf("warn: migrations failed: %v", err)
	}
	st, err := store.New(ctx, dsn)
	if err != nil {
		return err
	}

	if err := cfg.Auth.Validate(); err != nil {
		return err
	}
	secret := []byte(cfg.Auth.JWTSecret)

	taxonomy, err := classify.NewTaxonomy(cfg.Taxonomy.Departments, cfg.Taxonomy.Fallback)
	if err != nil {
		return err
	}

	blobs, err := blob.NewMinioStorage(ctx, cfg.Blob)
	if err != nil {
		return err
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Databases.Redis.Addr(),
		Password: cfg.Databases.Redis.Password,
		DB:       cfg.Databases.Redis.DB,
	})
	var publisher *streams.Publisher
	if err := rdb.Ping(ctx).Err(); err != nil {
		// Ingestion still works without redis; workers fall back to polling.
		baseLogger.Printf("warn: redis unavailable (%s), ingest events disabled: %v", cfg.Databases.Redis.Addr(), err)
	} else {
		publisher = streams.NewPublisher(rdb)
	}

	embedder := embedding.NewClient(cfg.Embedding.BaseURL, cfg.Embedding.APIKey, cfg.Embedding.Model,
		cfg.Embedding.Dimensions, cfg.Embedding.Timeout)
	searchSvc := search.New(st, embedder, cfg.Search)

	api := e.Group("/api")

	auth := &AuthHandler{Store: st, Secret: secret, TokenTTL: cfg.Auth.TokenTTL}
	auth.Register(api.Group("/auth"))

	dh := &DocumentsHandler{
		Store:        st,
		Blobs:        blobs,
		Publisher:    publisher,
		Taxonomy:     taxonomy,
		WebhookToken: cfg.Auth.WebhookToken,
	}
	dh.Register(api.Group("/documents"), secret)
	dh.RegisterWebhook(api.Group("/webhook"))

	deps := &DepartmentsHandler{Store: st, Search: searchSvc, Taxonomy: taxonomy}
	deps.Register(api.Group("/departments"), secret)

	sh := &SearchHandler{Search: searchSvc, Taxonomy: taxonomy}
	sh.Register(api.Group("/search"), secret)

	if addr == "" {
		addr = cfg.General.Listen
		if addr != "" && addr[0] != ':' {
			addr = ":" + addr
		}
		if addr == "" {
			addr = ":10020"
		}
	}
	log.Printf("listening on %s", addr)
	return e.Start(addr)
}
