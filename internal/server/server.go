package server

import (
	"context"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"PegLedger/internal/core"
	"PegLedger/internal/observability"
	"PegLedger/internal/query"
)

// Server wraps the Fiber application exposing the ledger API.
type Server struct {
	app  *fiber.App
	addr string
}

type Deps struct {
	Engine   *core.Engine
	Resolver core.MarketResolver
	Query    *query.QueryService
	Health   *observability.HealthChecker
	Metrics  *observability.Metrics
	Logger   zerolog.Logger
}

// New instantiates the HTTP server and wires all routes.
func New(addr string, deps Deps) *Server {
	app := fiber.New(fiber.Config{
		AppName:      "pegledger",
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	})

	if deps.Metrics != nil {
		app.Use(metricsMiddleware(deps.Metrics))
	}

	h := &Handler{
		engine:   deps.Engine,
		resolver: deps.Resolver,
		query:    deps.Query,
		log:      deps.Logger,
	}

	app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"status": "alive"})
	})
	app.Get("/readyz", func(c *fiber.Ctx) error {
		if deps.Health != nil && !deps.Health.IsReady() {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "not_ready"})
		}
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"status": "ready"})
	})

	v1 := app.Group("/v1")

	v1.Post("/wrap", h.Wrap)
	v1.Post("/wrap-from", h.WrapFrom)
	v1.Post("/unwrap", h.Unwrap)
	v1.Post("/redeem", h.Redeem)
	v1.Post("/redeem-from", h.RedeemFrom)
	v1.Post("/auto-redeem", h.AutoRedeem)
	v1.Post("/mint", h.Mint)
	v1.Post("/burn", h.Burn)
	v1.Post("/reserve/fund", h.FundReserve)
	v1.Post("/buyback", h.Buyback)

	v1.Post("/markets", h.AddMarket)
	v1.Delete("/markets/:key", h.RemoveMarket)
	v1.Post("/rebalance-pools", h.AddRebalancePool)
	v1.Delete("/rebalance-pools/:addr", h.RemoveRebalancePool)

	v1.Get("/markets", h.ListMarkets)
	v1.Get("/rebalance-pools", h.ListRebalancePools)
	v1.Get("/nav", h.Nav)
	v1.Get("/reserve", h.Reserve)
	v1.Get("/supply", h.Supply)

	// Read-side history and audit endpoints are only available when a
	// query service is wired (i.e. Postgres-backed deployments).
	if deps.Query != nil {
		v1.Get("/events", h.ListEvents)
		v1.Get("/buybacks", h.ListBuybacks)
		v1.Get("/redemptions", h.ListRedemptions)
		v1.Get("/backing", h.Backing)
		v1.Get("/integrity", h.Integrity)
	}

	return &Server{app: app, addr: addr}
}

// Listen starts the HTTP server.
func (s *Server) Listen() error {
	return s.app.Listen(s.addr)
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

// App exposes the Fiber app for tests.
func (s *Server) App() *fiber.App {
	return s.app
}

func metricsMiddleware(m *observability.Metrics) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		status := c.Response().StatusCode()
		if err != nil {
			if fe, ok := err.(*fiber.Error); ok {
				status = fe.Code
			}
		}
		route := c.Route().Path
		m.HTTPRequests.WithLabelValues(route, strconv.Itoa(status)).Inc()
		m.HTTPDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
		return err
	}
}
