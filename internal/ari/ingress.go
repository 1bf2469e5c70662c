package ari

import (
	"context"
	"encoding/base64"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
)

// EventSink receives decoded events from the ingress.
type EventSink interface {
	HandleEvent(ctx context.Context, ev Event)
}

// IngressConfig configures the event-feed subscription.
type IngressConfig struct {
	URL      string // ws(s)://host:port/ari/events?app=...&subscribeAll=true
	Username string
	Password string

	HandshakeTimeout time.Duration
	InitialBackoff   time.Duration
	MaxBackoff       time.Duration
}

// DefaultIngressConfig fills in transport timeouts and backoff bounds.
func DefaultIngressConfig(url, username, password string) IngressConfig {
	return IngressConfig{
		URL:              url,
		Username:         username,
		Password:         password,
		HandshakeTimeout: 10 * time.Second,
		InitialBackoff:   time.Second,
		MaxBackoff:       30 * time.Second,
	}
}

// Ingress maintains the persistent websocket subscription to the ARI event
// feed. The feed has no replay: events missed during a disconnect window
// are gone, so reconnects are logged and counted but not reconciled.
type Ingress struct {
	cfg    IngressConfig
	sink   EventSink
	dialer *websocket.Dialer
	logger *slog.Logger

	// onReconnect, when set, is called once per successful reconnect
	// (not the initial connect). Used for metrics.
	onReconnect func()
}

// NewIngress creates an event-feed subscriber that forwards decoded events
// to sink.
func NewIngress(cfg IngressConfig, sink EventSink, logger *slog.Logger) *Ingress {
	return &Ingress{
		cfg:  cfg,
		sink: sink,
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		logger: logger,
	}
}

// OnReconnect registers a callback invoked after every successful
// reconnect.
func (in *Ingress) OnReconnect(fn func()) { in.onReconnect = fn }

// Run connects to the event feed and pumps events until ctx is cancelled.
// Transport failures trigger reconnection under exponential backoff; Run
// only returns on context cancellation.
func (in *Ingress) Run(ctx context.Context) error {
	connects := 0
	for {
		conn, err := in.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		connects++
		if connects > 1 {
			in.logger.Warn("event feed reconnected, events in the gap are lost", "attempt", connects)
			if in.onReconnect != nil {
				in.onReconnect()
			}
		} else {
			in.logger.Info("connected to event feed", "url", in.cfg.URL)
		}

		in.readLoop(ctx, conn)
		conn.Close()

		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// connect dials the feed, retrying under backoff until it succeeds or the
// context is cancelled.
func (in *Ingress) connect(ctx context.Context) (*websocket.Conn, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = in.cfg.InitialBackoff
	bo.MaxInterval = in.cfg.MaxBackoff
	bo.MaxElapsedTime = 0 // retry until cancelled

	header := http.Header{}
	header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString(
		[]byte(in.cfg.Username+":"+in.cfg.Password)))

	var conn *websocket.Conn
	op := func() error {
		var err error
		conn, _, err = in.dialer.DialContext(ctx, in.cfg.URL, header) //nolint:bodyclose
		if err != nil {
			in.logger.Warn("event feed dial failed", "error", err)
			return err
		}
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		return nil, err
	}
	return conn, nil
}

// readLoop pumps frames from one connection until it breaks or the context
// is cancelled. Malformed frames and unknown event types are dropped.
func (in *Ingress) readLoop(ctx context.Context, conn *websocket.Conn) {
	// Unblock ReadMessage when the context is cancelled.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				in.logger.Warn("event feed read failed", "error", err)
			}
			return
		}

		ev, err := DecodeEvent(data)
		if err != nil {
			in.logger.Debug("dropping malformed event", "error", err)
			continue
		}
		if ev == nil {
			continue // event type not consumed
		}
		in.sink.HandleEvent(ctx, ev)
	}
}
