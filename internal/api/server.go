// Package api is the HTTP surface of the gateway: transaction submission and
// inspection, directory and X12 operations, webhook administration, health
// and metrics.
package api

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/interop/internal/adapter/x12"
	"github.com/ehr/interop/internal/interop"
	"github.com/ehr/interop/internal/platform/auth"
	"github.com/ehr/interop/internal/platform/webhook"
)

// Transactions is the lifecycle surface the API drives.
type Transactions interface {
	Submit(ctx context.Context, req *interop.Request) (string, error)
	Get(ctx context.Context, transactionID string) (*interop.Record, error)
	History(ctx context.Context, transactionID string) ([]interop.HistoryEntry, error)
	List(ctx context.Context, params map[string]string, limit, offset int) ([]*interop.Record, int, error)
	Cancel(ctx context.Context, transactionID string) (*interop.Record, error)
}

type DirectoryRefresher interface {
	Refresh(ctx context.Context) int
}

type Acknowledger interface {
	Acknowledge(ctx context.Context, partnerID string, payload []byte) (*x12.Inbound, error)
}

type Server struct {
	tx        Transactions
	directory DirectoryRefresher
	ack       Acknowledger
	webhooks  *webhook.Handler
	health    echo.HandlerFunc
	metrics   http.Handler
	logger    zerolog.Logger
}

type Option func(*Server)

func WithDirectory(d DirectoryRefresher) Option { return func(s *Server) { s.directory = d } }
func WithAcknowledger(a Acknowledger) Option    { return func(s *Server) { s.ack = a } }
func WithWebhooks(h *webhook.Handler) Option    { return func(s *Server) { s.webhooks = h } }
func WithHealth(h echo.HandlerFunc) Option      { return func(s *Server) { s.health = h } }
func WithMetrics(h http.Handler) Option         { return func(s *Server) { s.metrics = h } }

func WithLogger(l zerolog.Logger) Option {
	return func(s *Server) { s.logger = l.With().Str("component", "api").Logger() }
}

func New(tx Transactions, opts ...Option) *Server {
	s := &Server{tx: tx, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register mounts every route on e. Authentication middleware is the
// caller's to install; role checks are applied per route here.
func (s *Server) Register(e *echo.Echo) {
	if s.health != nil {
		e.GET("/health", s.health)
	}
	if s.metrics != nil {
		e.GET("/metrics", echo.WrapHandler(s.metrics))
	}

	v1 := e.Group("/api/v1")
	read := auth.RequireRole(auth.RoleReader, auth.RoleSubmitter)
	submit := auth.RequireRole(auth.RoleSubmitter)
	admin := auth.RequireRole(auth.RoleAdmin)

	v1.POST("/transactions", s.submit, submit)
	v1.GET("/transactions", s.list, read)
	v1.GET("/transactions/:id", s.get, read)
	v1.GET("/transactions/:id/history", s.history, read)
	v1.POST("/transactions/:id/cancel", s.cancel, submit)

	if s.directory != nil {
		v1.POST("/directory/refresh", s.refreshDirectory, admin)
	}
	if s.ack != nil {
		v1.POST("/x12/acknowledge", s.acknowledge, submit)
	}
	if s.webhooks != nil {
		s.webhooks.RegisterRoutes(v1.Group("/webhooks", admin))
	}
}
