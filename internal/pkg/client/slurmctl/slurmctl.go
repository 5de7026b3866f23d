package slurmctl

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"siteagent/config"
	"siteagent/internal/pkg/backend"
	"siteagent/internal/pkg/model"
)

// ExecCommandFunc 定义 exec.CommandContext 的函数签名，方便 mock 测试.
type ExecCommandFunc func(ctx context.Context, name string, args ...string) *exec.Cmd

// MemberSource lists the users associated with an account, e.g. from slurmdbd.
type MemberSource interface {
	AccountUsers(ctx context.Context, account string) ([]string, error)
}

// Client 通过 sacctmgr/sreport/scontrol 命令管理 Slurm 账户, 实现 backend.Backend.
type Client struct {
	execCommand ExecCommandFunc
	logger      *slog.Logger
	cfg         config.SlurmBackend
	members     MemberSource
}

type Option func(*Client)

// WithExec replaces exec.CommandContext.
func WithExec(fn ExecCommandFunc) Option { return func(c *Client) { c.execCommand = fn } }

// WithMemberSource reads account members from src instead of sacctmgr.
func WithMemberSource(src MemberSource) Option { return func(c *Client) { c.members = src } }

func New(cfg config.SlurmBackend, logger *slog.Logger, opts ...Option) *Client {
	c := &Client{execCommand: exec.CommandContext, logger: logger, cfg: cfg}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewFactory returns a backend.Factory for the "slurm" kind. src may be nil.
func NewFactory(src MemberSource) backend.Factory {
	return func(off config.Offering, logger *slog.Logger) (backend.Backend, error) {
		if off.Backend.Slurm == nil {
			return nil, errors.New("missing slurm backend section")
		}
		var opts []Option
		if src != nil {
			opts = append(opts, WithMemberSource(src))
		}
		return New(*off.Backend.Slurm, logger, opts...), nil
	}
}

const sreportTimeLayout = "2006-01-02T15:04:05"

var invalidAccountChars = regexp.MustCompile(`[^a-z0-9_]+`)

// AccountName derives the Slurm account name for a resource.
func (c *Client) AccountName(res *model.Resource) (string, error) {
	base := res.Name
	if strings.TrimSpace(base) == "" {
		base = res.ID
	}
	name := invalidAccountChars.ReplaceAllString(strings.ToLower(base), "_")
	name = strings.Trim(name, "_")
	if name == "" {
		return "", backend.Errorf(backend.KindRejected, "create_account", "resource %s has no usable account name", res.ID)
	}
	name = c.cfg.AccountPrefix + name
	if len(name) > 64 {
		name = name[:64]
	}
	return name, nil
}

// clusterArg returns the cluster=<name> argument when a cluster is configured.
func (c *Client) clusterArg() []string {
	if c.cfg.Cluster == "" {
		return nil
	}
	return []string{"cluster=" + c.cfg.Cluster}
}

// run executes a Slurm command and classifies failures into backend error kinds.
func (c *Client) run(ctx context.Context, op, name string, args ...string) (string, error) {
	cmd := c.execCommand(ctx, name, args...)
	out, err := cmd.CombinedOutput()
	text := string(out)
	if err == nil {
		return text, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return text, backend.NewError(backend.KindTransient, op, ctxErr)
	}
	kind := classify(text)
	c.logger.Error("failed to exec "+name+" command", "output", text, "cmd", cmd.String(), "kind", kind.String(), "err", err)
	return text, backend.NewError(kind, op, fmt.Errorf("%s: %s", name, firstLine(text, err)))
}

// classify 根据 sacctmgr/sreport 的错误输出判断错误类别.
func classify(out string) backend.Kind {
	s := strings.ToLower(out)
	switch {
	case strings.Contains(s, "already exists"),
		strings.Contains(s, "invalid account"),
		strings.Contains(s, "is not a valid"):
		return backend.KindRejected
	case strings.Contains(s, "expired credential"),
		strings.Contains(s, "invalid authentication credential"),
		strings.Contains(s, "munge"):
		return backend.KindAuthExpired
	case strings.Contains(s, "connection refused"),
		strings.Contains(s, "problem talking to the database"),
		strings.Contains(s, "unable to contact slurm controller"),
		strings.Contains(s, "slurmdbd"):
		return backend.KindUnavailable
	case strings.Contains(s, "timed out"),
		strings.Contains(s, "try again"),
		strings.Contains(s, "resource temporarily unavailable"):
		return backend.KindTransient
	default:
		return backend.KindPermanent
	}
}

func firstLine(out string, err error) string {
	line, _, _ := strings.Cut(strings.TrimSpace(out), "\n")
	if line == "" {
		return err.Error()
	}
	return line
}

func nothingDone(out, what string) bool {
	return strings.Contains(strings.ToLower(out), "nothing "+what)
}

// CreateAccount 执行 sacctmgr -i add account 创建账户. 同名账户已存在时返回 KindRejected.
func (c *Client) CreateAccount(ctx context.Context, res *model.Resource) (string, error) {
	name, err := c.AccountName(res)
	if err != nil {
		return "", err
	}
	args := []string{"-i", "add", "account", name,
		"description=" + res.ID,
		"organization=" + orDefault(c.cfg.Organization, "siteagent"),
		"parent=" + orDefault(c.cfg.Parent, "root"),
	}
	args = append(args, c.clusterArg()...)
	out, err := c.run(ctx, "create_account", "sacctmgr", args...)
	if err != nil {
		return "", err
	}
	if nothingDone(out, "new added") {
		return "", backend.Errorf(backend.KindRejected, "create_account", "account %s already exists", name)
	}
	return name, nil
}

// DeleteAccount 执行 sacctmgr -i remove account. 账户不存在视为成功.
func (c *Client) DeleteAccount(ctx context.Context, backendID string) error {
	args := append([]string{"-i", "remove", "account", "where", "name=" + backendID}, c.clusterArg()...)
	out, err := c.run(ctx, "delete_account", "sacctmgr", args...)
	if err != nil && nothingDone(out, "deleted") {
		return nil
	}
	return err
}

// GetUsage 通过 sreport AccountUtilizationByUser 获取账户在 [start, end] 内各 TRES 的使用分钟数.
// 输出格式(-nP): Account|Login|TRESName|Used, Login 为空的行是账户合计.
func (c *Client) GetUsage(ctx context.Context, backendID string, dims []string, start, end time.Time) ([]model.UsageSample, error) {
	if len(dims) == 0 {
		return nil, nil
	}
	args := []string{"-nP", "-t", "Minutes", "-T", strings.Join(dims, ","),
		"cluster", "AccountUtilizationByUser",
		"Accounts=" + backendID,
		"Start=" + start.UTC().Format(sreportTimeLayout),
		"End=" + end.UTC().Format(sreportTimeLayout),
		"Format=Account,Login,TRESName,Used",
	}
	if c.cfg.Cluster != "" {
		args = append(args, "Clusters="+c.cfg.Cluster)
	}
	out, err := c.run(ctx, "get_usage", "sreport", args...)
	if err != nil {
		return nil, err
	}
	used, err := parseAccountUsage(out, backendID)
	if err != nil {
		return nil, backend.NewError(backend.KindPermanent, "get_usage", err)
	}
	samples := make([]model.UsageSample, 0, len(dims))
	for _, d := range dims {
		samples = append(samples, model.UsageSample{
			Dimension:   d,
			Value:       used[d],
			Timestamp:   end,
			PeriodStart: start,
		})
	}
	return samples, nil
}

func parseAccountUsage(out, account string) (map[string]float64, error) {
	used := make(map[string]float64)
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Split(line, "|")
		if len(fields) < 4 {
			continue
		}
		if !strings.EqualFold(fields[0], account) || fields[1] != "" {
			continue
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(fields[3]), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid sreport usage %q: %w", line, err)
		}
		used[strings.TrimSpace(fields[2])] += v
	}
	return used, scanner.Err()
}

// limitField maps a limit type tag onto the sacctmgr association field.
func limitField(tag string) (string, error) {
	switch tag {
	case config.LimitGroupMinutes:
		return "GrpTRESMins", nil
	case config.LimitMaxMinutes:
		return "MaxTRESMinsPerJob", nil
	case config.LimitGroupTRES:
		return "GrpTRES", nil
	default:
		return "", fmt.Errorf("unsupported limit type %q", tag)
	}
}

// tresString renders limits as cpu=600,mem=1024 in key order.
func tresString(limits map[string]int64) string {
	keys := make([]string, 0, len(limits))
	for k := range limits {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%d", k, limits[k]))
	}
	return strings.Join(parts, ",")
}

func (c *Client) qosName(t model.QoSTier) string {
	switch t {
	case model.TierSlowdown:
		return c.cfg.QoS.Slowdown
	case model.TierBlocked:
		return c.cfg.QoS.Blocked
	default:
		return c.cfg.QoS.Normal
	}
}

// ApplyLimits 执行 sacctmgr -i modify account 设置 fairshare、TRES 限额与 QoS. 重复设置相同值是幂等的.
func (c *Client) ApplyLimits(ctx context.Context, backendID string, d *model.Directive) error {
	field, err := limitField(d.LimitType)
	if err != nil {
		return backend.NewError(backend.KindPermanent, "apply_limits", err)
	}
	args := append([]string{"-i", "modify", "account", "where", "name=" + backendID}, c.clusterArg()...)
	args = append(args, "set", fmt.Sprintf("fairshare=%d", d.Fairshare))
	if tres := tresString(d.Limits); tres != "" {
		args = append(args, field+"="+tres)
	}
	if q := c.qosName(d.QoS); q != "" {
		args = append(args, "QOS="+q, "DefaultQOS="+q)
	}
	out, err := c.run(ctx, "apply_limits", "sacctmgr", args...)
	if err != nil && nothingDone(out, "modified") {
		return nil
	}
	return err
}

// Ping 执行 scontrol ping 检查 slurmctld 是否在线.
func (c *Client) Ping(ctx context.Context) error {
	out, err := c.run(ctx, "ping", "scontrol", "ping")
	if err != nil {
		if backend.KindOf(err) == backend.KindPermanent {
			return backend.NewError(backend.KindUnavailable, "ping", err)
		}
		return err
	}
	if !strings.Contains(out, "is UP") {
		return backend.Errorf(backend.KindUnavailable, "ping", "%s", strings.TrimSpace(out))
	}
	return nil
}

// AddMember 执行 sacctmgr -i add user 将用户关联到账户.
func (c *Client) AddMember(ctx context.Context, backendID, username string) error {
	args := append([]string{"-i", "add", "user", username, "account=" + backendID}, c.clusterArg()...)
	_, err := c.run(ctx, "add_member", "sacctmgr", args...)
	return err
}

// RemoveMember 执行 sacctmgr -i remove user 解除用户与账户的关联.
func (c *Client) RemoveMember(ctx context.Context, backendID, username string) error {
	args := append([]string{"-i", "remove", "user", "where", "name=" + username, "account=" + backendID}, c.clusterArg()...)
	out, err := c.run(ctx, "remove_member", "sacctmgr", args...)
	if err != nil && nothingDone(out, "deleted") {
		return nil
	}
	return err
}

// ListMembers 获取账户下关联的用户.
func (c *Client) ListMembers(ctx context.Context, backendID string) ([]string, error) {
	if c.members != nil {
		users, err := c.members.AccountUsers(ctx, backendID)
		if err != nil {
			return nil, backend.NewError(backend.KindTransient, "list_members", err)
		}
		return users, nil
	}
	args := append([]string{"-nP", "show", "assoc", "where", "account=" + backendID}, c.clusterArg()...)
	args = append(args, "format=User")
	out, err := c.run(ctx, "list_members", "sacctmgr", args...)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{})
	users := make([]string, 0)
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		u := strings.TrimSpace(strings.TrimSuffix(scanner.Text(), "|"))
		if u == "" {
			continue
		}
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		users = append(users, u)
	}
	sort.Strings(users)
	return users, scanner.Err()
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}
