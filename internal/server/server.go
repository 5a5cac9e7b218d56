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

	"github.com/quzhigang/wg-agent-sub001/config"
	"github.com/quzhigang/wg-agent-sub001/internal/agent/core"
	"github.com/quzhigang/wg-agent-sub001/internal/history"
	"github.com/quzhigang/wg-agent-sub001/internal/knowledge"
	"github.com/quzhigang/wg-agent-sub001/internal/matcher"
	"github.com/quzhigang/wg-agent-sub001/internal/store"
	"github.com/quzhigang/wg-agent-sub001/internal/telemetry"
	"github.com/quzhigang/wg-agent-sub001/internal/tools"
	"github.com/quzhigang/wg-agent-sub001/internal/workflow"
)

// Run wires every component and serves the API until the process exits.
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
			_ = c.JSON(code, HTTPError{Error: msg})
		}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Cookie", "Authorization"},
		AllowCredentials: true,
	}))

	e.GET("/healthz", func(c echo.Context) error { return c.String(200, "ok") })

	ctx := context.Background()
	dsn := cfg.Storage.Postgres.DSN()
	if err := Migrate("file://migrations", dsn, "up", 0); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	st, err := store.NewWithDSN(ctx, dsn)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", cfg.Storage.Redis.Host, cfg.Storage.Redis.Port),
		Password: cfg.Storage.Redis.Password,
		DB:       cfg.Storage.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis connection failed (%s:%s): %w", cfg.Storage.Redis.Host, cfg.Storage.Redis.Port, err)
	}

	tele := telemetry.NewTelemetry()
	if cfg.Telemetry.Enabled {
		e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(tele.Registry(), promhttp.HandlerOpts{})))
	}

	providers, err := core.NewProviders(cfg.LLM)
	if err != nil {
		return err
	}

	catalog, err := workflow.NewCatalog(workflow.BuiltinTemplates(), workflow.BuiltinStaticMapping(), st, nil)
	if err != nil {
		return fmt.Errorf("catalog: %w", err)
	}
	if err := catalog.RefreshFromStore(ctx); err != nil {
		log.Printf("[SERVER] initial catalog refresh failed: %v", err)
	}

	registry, err := tools.NewRegistry(tools.DefaultCards())
	if err != nil {
		return fmt.Errorf("tool registry: %w", err)
	}
	invoker := tools.NewHTTPInvoker(cfg.Tools.BaseURL, cfg.Tools.AuthToken, cfg.Tools.Endpoints, cfg.Tools.Timeout)

	var retriever core.Retriever
	if cfg.Knowledge.BaseURL != "" {
		retriever = knowledge.NewClient(cfg.Knowledge.BaseURL, cfg.Knowledge.TopK, cfg.Knowledge.Timeout)
	}

	hist := history.NewRepo(rdb)
	m := matcher.New(providers.Classification, nil)
	planner := core.NewPlanner(cfg, providers, m, catalog, registry, tele)
	executor := core.NewExecutor(cfg.Executor, registry, invoker, tele)
	controller := core.NewController(providers.Response)
	orch := core.NewOrchestrator(cfg, planner, executor, controller, retriever, hist, st, tele)

	secret := cfg.Server.JWTSecret
	if secret == "" {
		return fmt.Errorf("jwt secret not configured (server.jwt_secret)")
	}

	api := e.Group("/api")
	auth := &AuthHandler{Store: st, Secret: []byte(secret)}
	auth.Register(api.Group("/auth"))

	th := &TurnsHandler{Orch: orch, History: hist, TurnLogs: st}
	th.Register(api.Group("/conversations"), auth.Secret)

	wh := &WorkflowsHandler{Catalog: catalog}
	wh.Register(api.Group("/workflows"), auth.Secret)

	sched, err := NewScheduler(catalog, rdb, cfg.Catalog.RefreshCron)
	if err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}
	sched.Start()

	if addr == "" {
		addr = cfg.Server.Address
		if addr == "" {
			addr = ":10001"
		}
	}
	log.Printf("listening on %s", addr)
	return e.Start(addr)
}
