package events

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"siteagent/internal/pkg/model"
	"siteagent/internal/pkg/pipeline"
)

type fakeNotifier struct {
	got     []model.LimitsUpdate
	outcome string
	err     error
}

func (f *fakeNotifier) Notify(_ context.Context, u model.LimitsUpdate) (string, error) {
	f.got = append(f.got, u)
	return f.outcome, f.err
}

func post(r *gin.Engine, body, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/events/periodic-limits", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Token "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func engine(rt Router) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	rt.Register(r)
	return r
}

const update = `{"resource_uuid":"r1","timestamp":"2026-02-01T00:00:00Z"}`

func TestPeriodicLimits(t *testing.T) {
	n := &fakeNotifier{outcome: pipeline.OutcomeAccepted}
	w := post(engine(Router{Notifier: n}), update, "")

	require.Equal(t, http.StatusAccepted, w.Code)
	var ack Ack
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &ack))
	assert.Equal(t, Ack{ResourceID: "r1", Outcome: "accepted"}, ack)
	require.Len(t, n.got, 1)
	assert.Equal(t, "r1", n.got[0].ResourceID)
	assert.Equal(t, 2026, n.got[0].Timestamp.Year())
}

func TestPeriodicLimits_Errors(t *testing.T) {
	cases := []struct {
		name string
		body string
		err  error
		code int
	}{
		{"missing timestamp", `{"resource_uuid":"r1"}`, nil, http.StatusBadRequest},
		{"malformed", `{`, nil, http.StatusBadRequest},
		{"unknown resource", update, fmt.Errorf("r1: %w", pipeline.ErrUnknownResource), http.StatusNotFound},
		{"not running", update, pipeline.ErrNotRunning, http.StatusServiceUnavailable},
		{"store failure", update, fmt.Errorf("disk on fire"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			n := &fakeNotifier{outcome: pipeline.OutcomeIgnored, err: tc.err}
			w := post(engine(Router{Notifier: n}), tc.body, "")
			assert.Equal(t, tc.code, w.Code)
		})
	}
}

func TestPeriodicLimits_Token(t *testing.T) {
	n := &fakeNotifier{outcome: pipeline.OutcomeDuplicate}
	r := engine(Router{Notifier: n, Token: "s3cret"})

	assert.Equal(t, http.StatusUnauthorized, post(r, update, "").Code)
	assert.Equal(t, http.StatusUnauthorized, post(r, update, "wrong").Code)
	assert.Empty(t, n.got)

	w := post(r, update, "s3cret")
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Contains(t, w.Body.String(), "duplicate")
}
