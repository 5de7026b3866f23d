package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"siteagent/config"
	"siteagent/internal/pkg/model"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"typed", Errorf(KindRejected, "create_account", "dup"), KindRejected},
		{"wrapped", fmt.Errorf("outer: %w", NewError(KindAuthExpired, "get_usage", nil)), KindAuthExpired},
		{"deadline", context.DeadlineExceeded, KindTransient},
		{"unsupported", ErrUnsupported, KindPermanent},
		{"plain", errors.New("boom"), KindTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
	assert.True(t, errors.Is(Errorf(KindTransient, "ping", "x"), ErrTransient))
	assert.False(t, errors.Is(Errorf(KindTransient, "ping", "x"), ErrPermanent))
	assert.True(t, Retryable(Errorf(KindUnavailable, "ping", "down")))
	assert.False(t, Retryable(Errorf(KindRejected, "create_account", "bad")))
}

func TestMemory_Lifecycle(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	id, err := m.CreateAccount(ctx, &model.Resource{ID: "r1", Name: "proj"})
	require.NoError(t, err)
	assert.Equal(t, "mock-proj", id)

	_, err = m.CreateAccount(ctx, &model.Resource{ID: "r2", Name: "proj"})
	assert.Equal(t, KindRejected, KindOf(err))

	m.SetCounter(id, "cpu", 42)
	end := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)
	samples, err := m.GetUsage(ctx, id, []string{"cpu", "mem"}, end.Add(-time.Hour), end)
	require.NoError(t, err)
	require.Len(t, samples, 2)
	assert.Equal(t, 42.0, samples[0].Value)
	assert.Equal(t, 0.0, samples[1].Value)

	require.NoError(t, m.DeleteAccount(ctx, id))
	require.NoError(t, m.DeleteAccount(ctx, id))
	assert.False(t, m.Exists(id))
}

func TestMemory_FailNext(t *testing.T) {
	m := NewMemory()
	m.FailNext("ping", Errorf(KindTransient, "ping", "flaky"))
	assert.Error(t, m.Ping(context.Background()))
	assert.NoError(t, m.Ping(context.Background()))
	assert.Equal(t, 2, m.Calls("ping"))
}

func TestRegistry_RateLimitedKeepsCapabilities(t *testing.T) {
	reg := NewRegistry()
	reg.Register("mock", NewMemoryFactory)
	assert.Equal(t, []string{"mock"}, reg.Kinds())

	off := config.Offering{ID: "off-1", Backend: config.Backend{Kind: "mock"}, RateLimit: config.RateLimit{QPS: 1000, Burst: 10}}
	b, err := reg.New(off, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	_, wrapped := b.(*RateLimited)
	assert.True(t, wrapped)
	_, isMemory := Unwrap(b).(*Memory)
	assert.True(t, isMemory)

	mm, ok := Membership(b)
	require.True(t, ok)
	_, viaWrapper := mm.(*RateLimited)
	assert.True(t, viaWrapper)

	_, ok = Refresher(b)
	assert.True(t, ok)

	_, err = reg.New(config.Offering{ID: "x", Backend: config.Backend{Kind: "nope"}}, slog.Default())
	assert.Error(t, err)
}

func TestRateLimited_WaitHonoursContext(t *testing.T) {
	rl := NewRateLimited(NewMemory(), rate.NewLimiter(rate.Every(time.Hour), 1))
	ctx := context.Background()
	require.NoError(t, rl.Ping(ctx))

	_, err := rl.CreateAccount(ctx, &model.Resource{Name: "a"})
	require.NoError(t, err)

	cctx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	err = rl.DeleteAccount(cctx, "mock-a")
	assert.Equal(t, KindTransient, KindOf(err))
}
