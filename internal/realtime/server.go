package realtime

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/cam3ron2/devpulse/internal/auth"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"
)

const (
	defaultKeepalive    = 30 * time.Second
	defaultWriteTimeout = 10 * time.Second
	maxClientFrameBytes = 4096
)

// ServerConfig configures the websocket endpoint.
type ServerConfig struct {
	KeepaliveInterval time.Duration
	WriteTimeout      time.Duration
	// OriginPatterns allows cross-origin browser handshakes. Empty means same-origin only.
	OriginPatterns []string
}

// Server authenticates websocket handshakes and pumps hub events to each connection.
type Server struct {
	hub    *Hub
	tokens *auth.TokenService
	cfg    ServerConfig
	logger *zap.Logger

	accepted atomic.Uint64
	rejected atomic.Uint64
}

// NewServer creates a websocket server over hub.
func NewServer(hub *Hub, tokens *auth.TokenService, cfg ServerConfig, logger *zap.Logger) *Server {
	if cfg.KeepaliveInterval <= 0 {
		cfg.KeepaliveInterval = defaultKeepalive
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{hub: hub, tokens: tokens, cfg: cfg, logger: logger}
}

// Accepted returns the number of authenticated handshakes.
func (s *Server) Accepted() uint64 {
	return s.accepted.Load()
}

// Rejected returns the number of handshakes refused for a bad credential.
func (s *Server) Rejected() uint64 {
	return s.rejected.Load()
}

// ServeHTTP rejects the handshake with 401 unless it carries a valid bearer token.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID, err := s.tokens.Validate(auth.BearerToken(r, true))
	if err != nil {
		s.rejected.Add(1)
		s.logger.Debug("realtime handshake rejected", zap.String("remote_addr", r.RemoteAddr), zap.Error(err))
		auth.WriteUnauthorized(w)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.cfg.OriginPatterns})
	if err != nil {
		s.logger.Warn("realtime upgrade failed", zap.String("user_id", userID), zap.Error(err))
		return
	}
	conn.SetReadLimit(maxClientFrameBytes)

	sub := s.hub.Subscribe(userID)
	if sub == nil {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	defer s.hub.Unsubscribe(sub)
	s.accepted.Add(1)

	logger := s.logger.With(zap.String("user_id", userID), zap.String("connection_id", sub.ID))
	logger.Debug("realtime connection opened")
	s.serve(r.Context(), conn, sub, logger)
	logger.Debug("realtime connection closed")
}

func (s *Server) serve(parent context.Context, conn *websocket.Conn, sub *Subscription, logger *zap.Logger) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	readDone := make(chan error, 1)
	go func() {
		readDone <- s.readLoop(ctx, conn)
	}()
	defer func() {
		_ = conn.CloseNow()
		<-readDone
	}()

	ticker := time.NewTicker(s.cfg.KeepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.Done():
			_ = conn.Close(websocket.StatusGoingAway, "connection dropped by server")
			return
		case err := <-readDone:
			readDone <- err
			if status := websocket.CloseStatus(err); status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway {
				logger.Debug("realtime read ended", zap.Error(err))
			}
			return
		case event := <-sub.Events():
			if err := s.write(ctx, conn, event); err != nil {
				logger.Warn("realtime write failed", zap.String("event_type", event.Type), zap.Error(err))
				return
			}
		case <-ticker.C:
			pingCtx, pingCancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
			err := conn.Ping(pingCtx)
			pingCancel()
			if err != nil {
				logger.Info("realtime keepalive failed; closing half-open connection", zap.Error(err))
				return
			}
		}
	}
}

// readLoop answers application pings until the peer goes away.
func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		var event Event
		if err := wsjson.Read(ctx, conn, &event); err != nil {
			return err
		}
		if event.Type != EventPing {
			continue
		}
		if err := s.write(ctx, conn, Event{Type: EventPong, SentAt: time.Now().UTC()}); err != nil {
			return err
		}
	}
}

func (s *Server) write(ctx context.Context, conn *websocket.Conn, event Event) error {
	writeCtx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
	defer cancel()
	if err := wsjson.Write(writeCtx, conn, event); err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}
	return nil
}
