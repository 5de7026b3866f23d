package slurmctl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"siteagent/config"
	"siteagent/internal/pkg/backend"
	"siteagent/internal/pkg/model"
)

type fakeResult struct {
	out  string
	code int
}

// recorder captures every command line the client runs.
type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) add(name string, args []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, name+" "+strings.Join(args, " "))
}

func (r *recorder) last() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.calls) == 0 {
		return ""
	}
	return r.calls[len(r.calls)-1]
}

// helper: build fake exec that returns output and exit code based on args
func fakeExec(rec *recorder, outputFn func(name string, args ...string) fakeResult) ExecCommandFunc {
	return func(ctx context.Context, name string, args ...string) *exec.Cmd {
		rec.add(name, args)
		res := outputFn(name, args...)
		// Use sh -c to emit prebuilt content
		script := fmt.Sprintf("cat <<'EOF'\n%s\nEOF\nexit %d\n", res.out, res.code)
		return exec.CommandContext(ctx, "sh", "-c", script)
	}
}

func newTestClient(rec *recorder, fn func(name string, args ...string) fakeResult, opts ...Option) *Client {
	cfg := config.SlurmBackend{
		Cluster:       "hpc",
		AccountPrefix: "sa_",
		QoS:           config.QoSNames{Normal: "normal", Slowdown: "slowdown", Blocked: "blocked"},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	opts = append([]Option{WithExec(fakeExec(rec, fn))}, opts...)
	return New(cfg, logger, opts...)
}

func ok(out string) func(string, ...string) fakeResult {
	return func(string, ...string) fakeResult { return fakeResult{out: out} }
}

func TestCreateAccount(t *testing.T) {
	rec := &recorder{}
	c := newTestClient(rec, ok(" Adding Account(s)\n  sa_proj_x"))

	id, err := c.CreateAccount(context.Background(), &model.Resource{ID: "r1", Name: "Proj-X"})
	require.NoError(t, err)
	assert.Equal(t, "sa_proj_x", id)
	assert.Equal(t, "sacctmgr -i add account sa_proj_x description=r1 organization=siteagent parent=root cluster=hpc", rec.last())
}

func TestCreateAccount_Duplicate(t *testing.T) {
	rec := &recorder{}
	c := newTestClient(rec, ok(" Nothing new added."))

	_, err := c.CreateAccount(context.Background(), &model.Resource{ID: "r1", Name: "proj"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, backend.ErrRejected))
}

func TestCreateAccount_InvalidName(t *testing.T) {
	rec := &recorder{}
	c := newTestClient(rec, ok(""))
	c.cfg.AccountPrefix = ""

	_, err := c.CreateAccount(context.Background(), &model.Resource{ID: "--", Name: "!!!"})
	require.Error(t, err)
	assert.Equal(t, backend.KindRejected, backend.KindOf(err))
	assert.Empty(t, rec.calls)
}

func TestDeleteAccount_MissingIsSuccess(t *testing.T) {
	rec := &recorder{}
	c := newTestClient(rec, func(string, ...string) fakeResult {
		return fakeResult{out: " Nothing deleted", code: 1}
	})
	require.NoError(t, c.DeleteAccount(context.Background(), "sa_proj"))
	assert.Equal(t, "sacctmgr -i remove account where name=sa_proj cluster=hpc", rec.last())
}

func TestRun_ClassifiesFailures(t *testing.T) {
	tests := []struct {
		out  string
		want backend.Kind
	}{
		{"sacctmgr: error: Problem talking to the database: Connection refused", backend.KindUnavailable},
		{"sacctmgr: error: Munge decode failed: Expired credential", backend.KindAuthExpired},
		{"Socket timed out on send/recv operation", backend.KindTransient},
		{" This account already exists", backend.KindRejected},
		{"Unknown option: foo", backend.KindPermanent},
	}
	for _, tt := range tests {
		t.Run(tt.want.String(), func(t *testing.T) {
			rec := &recorder{}
			c := newTestClient(rec, func(string, ...string) fakeResult { return fakeResult{out: tt.out, code: 1} })
			err := c.DeleteAccount(context.Background(), "sa_x")
			require.Error(t, err)
			assert.Equal(t, tt.want, backend.KindOf(err))
		})
	}
}

func TestGetUsage(t *testing.T) {
	const report = `sa_proj||cpu|1200
sa_proj|alice|cpu|700
sa_proj|bob|cpu|500
sa_proj||gres/gpu|30
sa_proj|alice|gres/gpu|30`
	rec := &recorder{}
	c := newTestClient(rec, ok(report))

	start := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)
	samples, err := c.GetUsage(context.Background(), "sa_proj", []string{"cpu", "gres/gpu", "mem"}, start, end)
	require.NoError(t, err)
	require.Len(t, samples, 3)

	got := map[string]float64{}
	for _, s := range samples {
		got[s.Dimension] = s.Value
		assert.Equal(t, end, s.Timestamp)
		assert.Equal(t, start, s.PeriodStart)
	}
	assert.Equal(t, map[string]float64{"cpu": 1200, "gres/gpu": 30, "mem": 0}, got)
	assert.Contains(t, rec.last(), "-T cpu,gres/gpu,mem cluster AccountUtilizationByUser Accounts=sa_proj Start=2026-10-01T00:00:00 End=2026-10-15T12:00:00")
	assert.Contains(t, rec.last(), "Clusters=hpc")
}

func TestGetUsage_Malformed(t *testing.T) {
	rec := &recorder{}
	c := newTestClient(rec, ok("sa_proj||cpu|lots"))
	_, err := c.GetUsage(context.Background(), "sa_proj", []string{"cpu"}, time.Now(), time.Now())
	assert.Equal(t, backend.KindPermanent, backend.KindOf(err))
}

func TestApplyLimits(t *testing.T) {
	rec := &recorder{}
	c := newTestClient(rec, ok(" Modified account associations..."))

	d := &model.Directive{
		ResourceID: "r1",
		Version:    3,
		LimitType:  config.LimitGroupMinutes,
		Fairshare:  5,
		Limits:     map[string]int64{"mem": 1024, "cpu": 600},
		QoS:        model.TierSlowdown,
	}
	require.NoError(t, c.ApplyLimits(context.Background(), "sa_proj", d))
	assert.Equal(t,
		"sacctmgr -i modify account where name=sa_proj cluster=hpc set fairshare=5 GrpTRESMins=cpu=600,mem=1024 QOS=slowdown DefaultQOS=slowdown",
		rec.last())

	d.LimitType = config.LimitGroupTRES
	d.QoS = model.TierBlocked
	require.NoError(t, c.ApplyLimits(context.Background(), "sa_proj", d))
	assert.Contains(t, rec.last(), "GrpTRES=cpu=600,mem=1024 QOS=blocked")
}

func TestApplyLimits_NothingModifiedIsSuccess(t *testing.T) {
	rec := &recorder{}
	c := newTestClient(rec, func(string, ...string) fakeResult { return fakeResult{out: " Nothing modified", code: 1} })
	d := &model.Directive{LimitType: config.LimitMaxMinutes, Fairshare: 1}
	assert.NoError(t, c.ApplyLimits(context.Background(), "sa_proj", d))
}

func TestApplyLimits_UnknownLimitType(t *testing.T) {
	rec := &recorder{}
	c := newTestClient(rec, ok(""))
	err := c.ApplyLimits(context.Background(), "sa_proj", &model.Directive{LimitType: "bogus"})
	assert.Equal(t, backend.KindPermanent, backend.KindOf(err))
	assert.Empty(t, rec.calls)
}

func TestPing(t *testing.T) {
	rec := &recorder{}
	c := newTestClient(rec, ok("Slurmctld(primary) at ctl01 is UP"))
	require.NoError(t, c.Ping(context.Background()))

	down := newTestClient(rec, func(string, ...string) fakeResult {
		return fakeResult{out: "Slurmctld(primary) at ctl01 is DOWN", code: 1}
	})
	err := down.Ping(context.Background())
	assert.True(t, errors.Is(err, backend.ErrUnavailable))
}

type staticMembers map[string][]string

func (s staticMembers) AccountUsers(_ context.Context, account string) ([]string, error) {
	return s[account], nil
}

func TestMembers(t *testing.T) {
	rec := &recorder{}
	c := newTestClient(rec, ok("bob|\nalice|\n\nbob|"))

	require.NoError(t, c.AddMember(context.Background(), "sa_proj", "alice"))
	assert.Equal(t, "sacctmgr -i add user alice account=sa_proj cluster=hpc", rec.last())

	require.NoError(t, c.RemoveMember(context.Background(), "sa_proj", "bob"))
	assert.Equal(t, "sacctmgr -i remove user where name=bob account=sa_proj cluster=hpc", rec.last())

	users, err := c.ListMembers(context.Background(), "sa_proj")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, users)

	fromDB := newTestClient(&recorder{}, ok(""), WithMemberSource(staticMembers{"sa_proj": {"carol"}}))
	users, err = fromDB.ListMembers(context.Background(), "sa_proj")
	require.NoError(t, err)
	assert.Equal(t, []string{"carol"}, users)
}

func TestNewFactory(t *testing.T) {
	f := NewFactory(nil)
	_, err := f(config.Offering{ID: "o1"}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.Error(t, err)

	b, err := f(config.Offering{ID: "o1", Backend: config.Backend{Kind: "slurm", Slurm: &config.SlurmBackend{}}}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	_, isMember := backend.Membership(b)
	assert.True(t, isMember)
}
