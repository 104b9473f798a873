package web

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/deemkeen/trunk/auth"
	"github.com/deemkeen/trunk/db"
	"github.com/deemkeen/trunk/domain"
	"github.com/deemkeen/trunk/relay"
	"github.com/deemkeen/trunk/stream"
	"github.com/deemkeen/trunk/util"
	"github.com/deemkeen/trunk/webhook"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

type Pinger interface {
	Ping(ctx context.Context) error
}

type InboxHandler interface {
	HandleInbox(w http.ResponseWriter, r *http.Request, username string)
}

type RelayManager interface {
	Add(ctx context.Context, inbox string) (*domain.Relay, error)
	Remove(ctx context.Context, inbox string) error
	List(ctx context.Context) ([]domain.Relay, error)
}

type WebhookTester interface {
	TestSystemWebhook(ctx context.Context, id uuid.UUID, eventType string, override *domain.WebhookPatch) (uuid.UUID, error)
	TestUserWebhook(ctx context.Context, userId, id uuid.UUID, eventType string, override *domain.WebhookPatch) (uuid.UUID, error)
}

type Deps struct {
	Accounts AccountReader
	Health   Pinger
	Inbox    InboxHandler
	Relays   RelayManager
	Tester   WebhookTester
	Stream   stream.Deps
	Tokens   auth.TokenConfig
}

type Server struct {
	ctx      context.Context
	conf     *util.AppConfig
	accounts AccountReader
	health   Pinger
	inbox    InboxHandler
	relays   RelayManager
	tester   WebhookTester
	stream   stream.Deps
	tokens   auth.TokenConfig
	log      zerolog.Logger

	globalLimiter *RateLimiter
	apLimiter     *RateLimiter
}

// NewServer builds the HTTP surface. Streaming connections end when ctx
// does.
func NewServer(ctx context.Context, conf *util.AppConfig, deps Deps) *Server {
	return &Server{
		ctx:      ctx,
		conf:     conf,
		accounts: deps.Accounts,
		health:   deps.Health,
		inbox:    deps.Inbox,
		relays:   deps.Relays,
		tester:   deps.Tester,
		stream:   deps.Stream,
		tokens:   deps.Tokens,
		log:      util.Logger("web"),
		// 10 requests per second per IP, burst of 20
		globalLimiter: NewRateLimiter(rate.Limit(10), 20),
		apLimiter:     NewRateLimiter(rate.Limit(5), 10),
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (s *Server) Router() *gin.Engine {
	g := gin.New()
	g.Use(gin.Recovery(), RequestLogger(s.log))
	g.Use(gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPaths([]string{"/streaming"})))
	g.Use(RateLimitMiddleware(s.globalLimiter))

	g.GET("/healthz", s.handleHealth)
	g.GET("/streaming", OptionalAuth(s.tokens), s.handleStreaming)

	if s.conf.Conf.WithAp {
		// Max 1MB request body size for ActivityPub activities
		maxBodySize := MaxBytesMiddleware(1 * 1024 * 1024)
		apLimit := RateLimitMiddleware(s.apLimiter)

		g.GET("/users/:actor", s.handleActor)
		g.GET("/.well-known/webfinger", s.handleWebfinger)
		g.POST("/inbox", apLimit, maxBodySize, func(c *gin.Context) {
			s.inbox.HandleInbox(c.Writer, c.Request, "")
		})
		g.POST("/users/:actor/inbox", apLimit, maxBodySize, func(c *gin.Context) {
			s.inbox.HandleInbox(c.Writer, c.Request, c.Param("actor"))
		})
	}

	admin := g.Group("/admin", RequireAuth(s.tokens, auth.PermWriteAdmin))
	admin.GET("/relays", s.handleListRelays)
	admin.POST("/relays", s.handleAddRelay)
	admin.DELETE("/relays", s.handleRemoveRelay)
	admin.POST("/system-webhooks/test", s.handleTestSystemWebhook)

	me := g.Group("/i", RequireAuth(s.tokens, auth.PermWriteWebhooks))
	me.POST("/webhooks/test", s.handleTestUserWebhook)

	return g
}

// Run serves until ctx ends, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	go s.globalLimiter.Run(ctx)
	go s.apLimiter.Run(ctx)

	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.conf.Conf.Host, s.conf.Conf.HttpPort),
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.log.Info().Str("addr", srv.Addr).Msg("http.listening")

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	if err := s.health.Ping(c.Request.Context()); err != nil {
		s.log.Warn().Err(err).Msg("health.db.failed")
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleStreaming(c *gin.Context) {
	var user *uuid.UUID
	claims, _ := ClaimsFromContext(c)
	if claims != nil {
		id, err := claims.User()
		if err != nil {
			unauthorized(c)
			return
		}
		user = &id
	}
	if !websocket.IsWebSocketUpgrade(c.Request) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Expected a websocket upgrade"})
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	_ = stream.ServeConn(s.ctx, s.stream, ws, user, claims)
}

type relayRequest struct {
	Inbox string `json:"inbox"`
}

func bindRelay(c *gin.Context) (string, bool) {
	var req relayRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Inbox == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "inbox is required"})
		return "", false
	}
	return req.Inbox, true
}

func (s *Server) handleListRelays(c *gin.Context) {
	relays, err := s.relays.List(c.Request.Context())
	if err != nil {
		s.serverError(c, err)
		return
	}
	c.JSON(http.StatusOK, relays)
}

func (s *Server) handleAddRelay(c *gin.Context) {
	inbox, ok := bindRelay(c)
	if !ok {
		return
	}
	r, err := s.relays.Add(c.Request.Context(), inbox)
	if errors.Is(err, db.ErrAlreadyExists) {
		c.JSON(http.StatusConflict, gin.H{"error": "relay already exists"})
		return
	}
	if err != nil {
		s.serverError(c, err)
		return
	}
	c.JSON(http.StatusCreated, r)
}

func (s *Server) handleRemoveRelay(c *gin.Context) {
	inbox, ok := bindRelay(c)
	if !ok {
		return
	}
	err := s.relays.Remove(c.Request.Context(), inbox)
	if errors.Is(err, relay.ErrRelayNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		s.serverError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type webhookTestRequest struct {
	WebhookId uuid.UUID            `json:"webhookId"`
	Type      string               `json:"type"`
	Override  *domain.WebhookPatch `json:"override"`
}

func bindWebhookTest(c *gin.Context) (*webhookTestRequest, bool) {
	var req webhookTestRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.WebhookId == uuid.Nil || req.Type == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "webhookId and type are required"})
		return nil, false
	}
	return &req, true
}

func (s *Server) handleTestSystemWebhook(c *gin.Context) {
	req, ok := bindWebhookTest(c)
	if !ok {
		return
	}
	jobId, err := s.tester.TestSystemWebhook(c.Request.Context(), req.WebhookId, req.Type, req.Override)
	s.webhookTestResult(c, jobId, err)
}

func (s *Server) handleTestUserWebhook(c *gin.Context) {
	req, ok := bindWebhookTest(c)
	if !ok {
		return
	}
	claims, _ := ClaimsFromContext(c)
	userId, err := claims.User()
	if err != nil {
		unauthorized(c)
		return
	}
	jobId, err := s.tester.TestUserWebhook(c.Request.Context(), userId, req.WebhookId, req.Type, req.Override)
	s.webhookTestResult(c, jobId, err)
}

func (s *Server) webhookTestResult(c *gin.Context, jobId uuid.UUID, err error) {
	switch {
	case errors.Is(err, webhook.ErrNoSuchWebhook):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, webhook.ErrInvalidEvent):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case err != nil:
		s.serverError(c, err)
	case jobId == uuid.Nil:
		// nothing to deliver for this event type
		c.Status(http.StatusNoContent)
	default:
		c.JSON(http.StatusOK, gin.H{"jobId": jobId})
	}
}

func (s *Server) serverError(c *gin.Context, err error) {
	s.log.Error().Err(err).Str("path", c.FullPath()).Msg("http.failed")
	c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
}
