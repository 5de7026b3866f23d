package marketplace

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"siteagent/internal/pkg/model"
)

func TestWebsocketSource_ReconnectsAndDelivers(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	ts := time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)
	var conns atomic.Int32
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Token secret", r.Header.Get("Authorization"))
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		switch conns.Add(1) {
		case 1:
			_ = conn.WriteJSON(model.LimitsUpdate{ResourceID: "r1", Timestamp: ts})
			_ = conn.WriteJSON(map[string]string{"resource_uuid": ""})
			_ = conn.WriteJSON(model.LimitsUpdate{ResourceID: "r2", Timestamp: ts})
			// drop the connection
		default:
			_ = conn.WriteJSON(model.LimitsUpdate{ResourceID: "r3", Timestamp: ts})
			// hold until the client goes away
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	src := NewWebsocketSource(wsURL, "secret", slog.New(slog.NewTextHandler(io.Discard, nil)), WithBackoff(10*time.Millisecond, 50*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	updates := src.Subscribe(ctx)

	var got []string
	for len(got) < 3 {
		select {
		case u := <-updates:
			got = append(got, u.ResourceID)
			assert.True(t, u.Timestamp.Equal(ts))
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out, got %v", got)
		}
	}
	assert.Equal(t, []string{"r1", "r2", "r3"}, got)
	assert.GreaterOrEqual(t, conns.Load(), int32(2))

	cancel()
	for range updates {
	}
	srv.CloseClientConnections()
}

func TestMemory_Subscribe(t *testing.T) {
	defer goleak.VerifyNone(t)

	m := NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	ch := m.Subscribe(ctx)
	m.Publish(model.LimitsUpdate{ResourceID: "r1", Timestamp: time.Unix(1, 0)})
	u := <-ch
	require.Equal(t, "r1", u.ResourceID)
	cancel()
	_, open := <-ch
	assert.False(t, open)
}
