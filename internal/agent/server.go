// Package agent serves peer sessions on the LAN: status queries, token
// transfer over websocket and the metrics endpoint. It also runs the
// background jobs of the dlicense daemon.
package agent

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/ulule/limiter/v3"
	mgin "github.com/ulule/limiter/v3/drivers/middleware/gin"
	"github.com/ulule/limiter/v3/drivers/store/memory"

	"github.com/MacJediWizard/decentrilicense/internal/license"
)

const (
	maxTransferSize = 1 << 20
	transferTimeout = 30 * time.Second
)

// Session is the part of the local session the peer server exposes.
type Session interface {
	DeviceID() string
	Status() license.StatusSnapshot
	Import(ctx context.Context, input []byte) (*license.VerifiedToken, error)
	Export(mode license.Mode) ([]byte, error)
}

// TransferRecorder counts token transfers.
type TransferRecorder interface {
	RecordTransfer(direction, result string)
}

// TransferAck is the reply to a token transfer.
type TransferAck struct {
	Status     string `json:"status"`
	TokenID    string `json:"token_id,omitempty"`
	StateIndex uint64 `json:"state_index,omitempty"`
	Holder     string `json:"holder_device_id,omitempty"`
	Error      string `json:"error,omitempty"`
}

// StatusResponse is the reply of GET /v1/status.
type StatusResponse struct {
	DeviceID string                 `json:"device_id"`
	Status   license.StatusSnapshot `json:"status"`
}

// ServerConfig configures the peer server.
type ServerConfig struct {
	// Addr is the listen address, for example ":8889".
	Addr string
	// RateLimit uses the limiter format, for example "60-M".
	RateLimit string
	Gatherer  prometheus.Gatherer
	Transfers TransferRecorder
}

// Server is the peer session HTTP server.
type Server struct {
	session   Session
	cfg       ServerConfig
	router    *gin.Engine
	upgrader  websocket.Upgrader
	transfers TransferRecorder
	logger    zerolog.Logger
}

// NewServer creates the peer server and its routes.
func NewServer(session Session, cfg ServerConfig, logger zerolog.Logger) (*Server, error) {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		session:   session,
		cfg:       cfg,
		router:    gin.New(),
		transfers: cfg.Transfers,
		logger:    logger.With().Str("component", "peer_server").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Peers are not browsers; there is no origin to check.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	s.router.Use(gin.Recovery(), s.requestLogger())
	if cfg.RateLimit != "" {
		rl, err := newRateLimiter(cfg.RateLimit)
		if err != nil {
			return nil, err
		}
		s.router.Use(rl)
	}

	v1 := s.router.Group("/v1")
	v1.GET("/status", s.handleStatus)
	v1.GET("/token", s.handleToken)
	v1.GET("/transfer", s.handleTransfer)
	if cfg.Gatherer != nil {
		s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{})))
	}
	return s, nil
}

func newRateLimiter(formatted string) (gin.HandlerFunc, error) {
	rate, err := limiter.NewRateFromFormatted(formatted)
	if err != nil {
		return nil, fmt.Errorf("invalid rate limit %q: %w", formatted, err)
	}
	instance := limiter.New(memory.NewStore(), rate)
	return mgin.NewMiddleware(instance), nil
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Str("peer", c.ClientIP()).
			Dur("elapsed", time.Since(start)).
			Msg("peer request")
	}
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, StatusResponse{DeviceID: s.session.DeviceID(), Status: s.session.Status()})
}

// handleToken returns the current token in encrypted transport form.
func (s *Server) handleToken(c *gin.Context) {
	data, err := s.session.Export(license.EncryptedTransport)
	if err != nil {
		s.recordTransfer("sent", "error")
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	s.recordTransfer("sent", "ok")
	c.Data(http.StatusOK, "text/plain; charset=utf-8", data)
}

// handleTransfer receives one token over a websocket and imports it.
func (s *Server) handleTransfer(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	conn.SetReadLimit(maxTransferSize)
	_ = conn.SetReadDeadline(time.Now().Add(transferTimeout))

	msgType, data, err := conn.ReadMessage()
	if err != nil {
		s.logger.Warn().Err(err).Str("peer", c.ClientIP()).Msg("failed to read transfer")
		s.recordTransfer("received", "error")
		return
	}
	if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
		s.recordTransfer("received", "error")
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), transferTimeout)
	defer cancel()

	ack := TransferAck{Status: "ok"}
	v, err := s.session.Import(ctx, data)
	if err != nil {
		ack = TransferAck{Status: "rejected", Error: err.Error()}
		s.recordTransfer("received", "rejected")
		s.logger.Warn().Err(err).Str("peer", c.ClientIP()).Msg("rejected transferred token")
	} else {
		tok := v.Token()
		ack.TokenID = tok.TokenID
		ack.StateIndex = tok.StateIndex
		ack.Holder = tok.HolderDeviceID
		s.recordTransfer("received", "ok")
		s.logger.Info().Str("token_id", tok.TokenID).Str("peer", c.ClientIP()).Msg("token received")
	}

	_ = conn.SetWriteDeadline(time.Now().Add(transferTimeout))
	if err := conn.WriteJSON(ack); err != nil {
		s.logger.Warn().Err(err).Msg("failed to send transfer ack")
		return
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
}

func (s *Server) recordTransfer(direction, result string) {
	if s.transfers != nil {
		s.transfers.RecordTransfer(direction, result)
	}
}

// ListenAndServe serves until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.cfg.Addr).Msg("peer server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("peer server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown peer server: %w", err)
		}
		return nil
	}
}
