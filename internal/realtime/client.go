package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"
)

// ClientConfig configures a reconnecting channel client.
type ClientConfig struct {
	URL   string
	Token func(ctx context.Context) (string, error)
	// Handler receives every event except pong. It runs on the read goroutine.
	Handler func(Event)
	// OnConnect runs after each successful handshake. Missed events are never replayed,
	// so callers re-fetch state here.
	OnConnect      func(ctx context.Context)
	PingInterval   time.Duration
	WriteTimeout   time.Duration
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	HTTPClient     *http.Client
}

// Client keeps one connection to the channel open until its context ends.
type Client struct {
	cfg    ClientConfig
	logger *zap.Logger

	connects atomic.Uint64
	failures atomic.Uint64
}

// NewClient validates cfg and creates a client.
func NewClient(cfg ClientConfig, logger *zap.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, fmt.Errorf("realtime client url is required")
	}
	if cfg.Token == nil {
		return nil, fmt.Errorf("realtime client token source is required")
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultKeepalive
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 500 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{cfg: cfg, logger: logger}, nil
}

// Connects returns the number of successful handshakes.
func (c *Client) Connects() uint64 {
	return c.connects.Load()
}

// Run connects, dispatches events and reconnects with exponential backoff.
// Connection loss is logged and retried; Run returns only when ctx ends.
func (c *Client) Run(ctx context.Context) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.cfg.InitialBackoff
	policy.MaxInterval = c.cfg.MaxBackoff

	for {
		connected, err := c.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if connected {
			policy.Reset()
		}
		c.failures.Add(1)

		wait := policy.NextBackOff()
		c.logger.Warn("realtime connection lost; reconnecting",
			zap.Duration("backoff", wait),
			zap.Bool("was_connected", connected),
			zap.Error(err),
		)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

func (c *Client) session(ctx context.Context) (bool, error) {
	token, err := c.cfg.Token(ctx)
	if err != nil {
		return false, fmt.Errorf("fetch realtime token: %w", err)
	}

	conn, resp, err := websocket.Dial(ctx, c.cfg.URL, &websocket.DialOptions{
		HTTPClient: c.cfg.HTTPClient,
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + token}},
	})
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return false, fmt.Errorf("realtime handshake unauthorized: %w", err)
		}
		return false, fmt.Errorf("dial realtime channel: %w", err)
	}
	defer func() { _ = conn.CloseNow() }()

	c.connects.Add(1)
	if c.cfg.OnConnect != nil {
		c.cfg.OnConnect(ctx)
	}

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	readDone := make(chan error, 1)
	go func() {
		readDone <- c.readLoop(sessionCtx, conn)
	}()

	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "client shutting down")
			<-readDone
			return true, ctx.Err()
		case err := <-readDone:
			return true, err
		case <-ticker.C:
			writeCtx, writeCancel := context.WithTimeout(sessionCtx, c.cfg.WriteTimeout)
			err := wsjson.Write(writeCtx, conn, Event{Type: EventPing, SentAt: time.Now().UTC()})
			writeCancel()
			if err != nil {
				cancel()
				<-readDone
				return true, fmt.Errorf("send realtime ping: %w", err)
			}
		}
	}
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		var event Event
		if err := wsjson.Read(ctx, conn, &event); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		if event.Type == EventPong {
			continue
		}
		if c.cfg.Handler != nil {
			c.cfg.Handler(event)
		}
	}
}
