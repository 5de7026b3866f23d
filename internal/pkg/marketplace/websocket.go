package marketplace

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"siteagent/internal/pkg/model"
)

// WebsocketSource subscribes to the marketplace push channel and reconnects with backoff.
type WebsocketSource struct {
	url        string
	header     http.Header
	dialer     *websocket.Dialer
	logger     *slog.Logger
	minBackoff time.Duration
	maxBackoff time.Duration
}

type WebsocketOption func(*WebsocketSource)

// WithBackoff bounds the reconnect delay.
func WithBackoff(lo, hi time.Duration) WebsocketOption {
	return func(s *WebsocketSource) { s.minBackoff, s.maxBackoff = lo, hi }
}

func NewWebsocketSource(url, token string, logger *slog.Logger, opts ...WebsocketOption) *WebsocketSource {
	h := http.Header{}
	if token != "" {
		h.Set("Authorization", "Token "+token)
	}
	s := &WebsocketSource{
		url:        url,
		header:     h,
		dialer:     &websocket.Dialer{HandshakeTimeout: 10 * time.Second, Proxy: http.ProxyFromEnvironment},
		logger:     logger,
		minBackoff: time.Second,
		maxBackoff: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Subscribe implements Subscriber.
func (s *WebsocketSource) Subscribe(ctx context.Context) <-chan model.LimitsUpdate {
	out := make(chan model.LimitsUpdate)
	go func() {
		defer close(out)
		backoff := s.minBackoff
		for {
			received, err := s.session(ctx, out)
			if ctx.Err() != nil {
				return
			}
			if received {
				backoff = s.minBackoff
			}
			s.logger.Warn("event channel disconnected", "url", s.url, "retry_in", backoff, "err", err)
			t := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
			backoff = min(backoff*2, s.maxBackoff)
		}
	}()
	return out
}

// session reads one connection until it fails. It reports whether any message arrived.
func (s *WebsocketSource) session(ctx context.Context, out chan<- model.LimitsUpdate) (bool, error) {
	conn, _, err := s.dialer.DialContext(ctx, s.url, s.header)
	if err != nil {
		return false, err
	}
	defer conn.Close()
	s.logger.Info("event channel connected", "url", s.url)

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			_ = conn.Close()
		case <-done:
		}
	}()

	received := false
	for {
		var u model.LimitsUpdate
		if err := conn.ReadJSON(&u); err != nil {
			return received, err
		}
		received = true
		if u.ResourceID == "" || u.Timestamp.IsZero() {
			s.logger.Warn("dropping malformed update", "resource", u.ResourceID)
			continue
		}
		select {
		case out <- u:
		case <-ctx.Done():
			return received, ctx.Err()
		}
	}
}
