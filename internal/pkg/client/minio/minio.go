// Package minio adapts S3-compatible object storage to the backend contract.
//
// Every resource maps to one bucket. Usage is a GiB-hours counter integrated in-process from
// the bucket's total object size at each scrape, so an agent restart looks like a counter reset.
// Limits and the QoS tier are published as bucket tags for the storage gateway to enforce.
package minio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/minio/minio-go/v7/pkg/s3utils"
	"github.com/minio/minio-go/v7/pkg/tags"

	"siteagent/config"
	"siteagent/internal/pkg/backend"
	"siteagent/internal/pkg/model"
)

const (
	// DimStorage is cumulative GiB-hours of stored objects.
	DimStorage = "storage"
	// DimObjects is cumulative object-hours.
	DimObjects = "objects"

	tagPrefix = "siteagent."
	gib       = 1 << 30
)

// Client implements backend.Backend and backend.CredentialRefresher on a MinIO/S3 endpoint.
type Client struct {
	mc        *minio.Client
	creds     *credentials.Credentials
	cfg       config.MinioBackend
	logger    *slog.Logger
	now       func() time.Time
	transport http.RoundTripper

	mu     sync.Mutex
	meters map[string]*meter
}

// meter integrates bucket size over time.
type meter struct {
	lastSeen    time.Time
	lastBytes   float64
	lastObjects float64
	gibHours    float64
	objHours    float64
}

type Option func(*Client)

// WithClock replaces time.Now for usage integration.
func WithClock(now func() time.Time) Option { return func(c *Client) { c.now = now } }

// WithTransport sets the HTTP transport used for S3 requests.
func WithTransport(rt http.RoundTripper) Option {
	return func(c *Client) { c.transport = rt }
}

// New builds a client from config. Static keys are used when configured, otherwise the
// standard MINIO_*/AWS_* environment variables are consulted.
func New(cfg config.MinioBackend, logger *slog.Logger, opts ...Option) (*Client, error) {
	c := &Client{cfg: cfg, logger: logger, now: time.Now, meters: make(map[string]*meter)}
	for _, opt := range opts {
		opt(c)
	}

	endpoint, secure := cfg.Endpoint, cfg.UseSSL
	if strings.HasPrefix(endpoint, "https://") {
		endpoint, secure = strings.TrimPrefix(endpoint, "https://"), true
	} else if strings.HasPrefix(endpoint, "http://") {
		endpoint, secure = strings.TrimPrefix(endpoint, "http://"), false
	}

	if cfg.AccessKey != "" {
		c.creds = credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, "")
	} else {
		c.creds = credentials.NewChainCredentials([]credentials.Provider{
			&credentials.EnvMinio{},
			&credentials.EnvAWS{},
		})
	}

	mopts := &minio.Options{
		Creds:  c.creds,
		Secure: secure,
		Region: cfg.Region,
	}
	if c.transport != nil {
		mopts.Transport = c.transport
	}
	mc, err := minio.New(endpoint, mopts)
	if err != nil {
		return nil, fmt.Errorf("minio client for %s: %w", cfg.Endpoint, err)
	}
	c.mc = mc
	return c, nil
}

// NewFactory is the backend.Factory for the "minio" kind.
func NewFactory(off config.Offering, logger *slog.Logger) (backend.Backend, error) {
	if off.Backend.Minio == nil {
		return nil, errors.New("missing minio backend section")
	}
	return New(*off.Backend.Minio, logger)
}

var invalidBucketChars = regexp.MustCompile(`[^a-z0-9-]+`)

// BucketName derives the bucket for a resource.
func (c *Client) BucketName(res *model.Resource) (string, error) {
	base := res.Name
	if strings.TrimSpace(base) == "" {
		base = res.ID
	}
	name := c.cfg.BucketPrefix + strings.Trim(invalidBucketChars.ReplaceAllString(strings.ToLower(base), "-"), "-")
	if len(name) > 63 {
		name = strings.TrimRight(name[:63], "-")
	}
	if err := s3utils.CheckValidBucketNameStrict(name); err != nil {
		return "", backend.NewError(backend.KindRejected, "create_account", err)
	}
	return name, nil
}

// classify maps S3 error codes onto backend kinds.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return backend.NewError(backend.KindTransient, op, err)
	}
	resp := minio.ToErrorResponse(err)
	switch resp.Code {
	case "ExpiredToken", "InvalidToken", "TokenRefreshRequired":
		return backend.NewError(backend.KindAuthExpired, op, err)
	case "InvalidBucketName", "BucketAlreadyExists", "BucketAlreadyOwnedByYou", "InvalidTag":
		return backend.NewError(backend.KindRejected, op, err)
	case "SlowDown", "RequestTimeout", "InternalError", "OperationAborted":
		return backend.NewError(backend.KindTransient, op, err)
	case "ServiceUnavailable", "XMinioServerNotInitialized":
		return backend.NewError(backend.KindUnavailable, op, err)
	case "":
		var netErr net.Error
		if errors.As(err, &netErr) || resp.StatusCode == 0 {
			return backend.NewError(backend.KindUnavailable, op, err)
		}
		if resp.StatusCode >= 500 {
			return backend.NewError(backend.KindTransient, op, err)
		}
	}
	return backend.NewError(backend.KindPermanent, op, err)
}

func isNoSuchBucket(err error) bool {
	return minio.ToErrorResponse(err).Code == "NoSuchBucket"
}

// CreateAccount creates the resource's bucket. An existing bucket is rejected.
func (c *Client) CreateAccount(ctx context.Context, res *model.Resource) (string, error) {
	bucket, err := c.BucketName(res)
	if err != nil {
		return "", err
	}
	if err := c.mc.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: c.cfg.Region}); err != nil {
		return "", classify("create_account", err)
	}
	c.logger.Info("bucket created", "bucket", bucket, "resource", res.ID)
	return bucket, nil
}

// DeleteAccount removes the bucket. A missing bucket is success.
func (c *Client) DeleteAccount(ctx context.Context, backendID string) error {
	err := c.mc.RemoveBucket(ctx, backendID)
	if err != nil && !isNoSuchBucket(err) {
		return classify("delete_account", err)
	}
	c.mu.Lock()
	delete(c.meters, backendID)
	c.mu.Unlock()
	return nil
}

// size sums object sizes and counts in the bucket.
func (c *Client) size(ctx context.Context, bucket string) (bytes, objects float64, err error) {
	for obj := range c.mc.ListObjects(ctx, bucket, minio.ListObjectsOptions{Recursive: true}) {
		if obj.Err != nil {
			return 0, 0, obj.Err
		}
		bytes += float64(obj.Size)
		objects++
	}
	return bytes, objects, nil
}

// GetUsage reports cumulative GiB-hours and object-hours since the bucket was first observed.
func (c *Client) GetUsage(ctx context.Context, backendID string, dims []string, start, end time.Time) ([]model.UsageSample, error) {
	for _, d := range dims {
		if d != DimStorage && d != DimObjects {
			return nil, backend.Errorf(backend.KindPermanent, "get_usage", "unsupported dimension %q", d)
		}
	}
	bytes, objects, err := c.size(ctx, backendID)
	if err != nil {
		return nil, classify("get_usage", err)
	}

	now := c.now()
	c.mu.Lock()
	m, ok := c.meters[backendID]
	if !ok {
		m = &meter{lastSeen: now}
		c.meters[backendID] = m
	}
	if hours := now.Sub(m.lastSeen).Hours(); hours > 0 {
		m.gibHours += m.lastBytes / gib * hours
		m.objHours += m.lastObjects * hours
	}
	m.lastSeen, m.lastBytes, m.lastObjects = now, bytes, objects
	gibHours, objHours := m.gibHours, m.objHours
	c.mu.Unlock()

	samples := make([]model.UsageSample, 0, len(dims))
	for _, d := range dims {
		v := gibHours
		if d == DimObjects {
			v = objHours
		}
		samples = append(samples, model.UsageSample{Dimension: d, Value: v, Timestamp: end, PeriodStart: start})
	}
	return samples, nil
}

// directiveTags renders a directive as bucket tags.
func directiveTags(d *model.Directive) map[string]string {
	m := map[string]string{
		tagPrefix + "qos":       d.QoS.String(),
		tagPrefix + "version":   strconv.FormatUint(d.Version, 10),
		tagPrefix + "fairshare": strconv.FormatInt(d.Fairshare, 10),
		tagPrefix + "limitType": d.LimitType,
	}
	for dim, v := range d.Limits {
		m[tagPrefix+"limit."+dim] = strconv.FormatInt(v, 10)
	}
	return m
}

// ApplyLimits replaces the bucket's tag set with the directive. Re-applying is idempotent.
func (c *Client) ApplyLimits(ctx context.Context, backendID string, d *model.Directive) error {
	t, err := tags.NewTags(directiveTags(d), false)
	if err != nil {
		return backend.NewError(backend.KindRejected, "apply_limits", err)
	}
	if err := c.mc.SetBucketTagging(ctx, backendID, t); err != nil {
		return classify("apply_limits", err)
	}
	return nil
}

// Ping lists buckets to check reachability and credentials.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.mc.ListBuckets(ctx); err != nil {
		err = classify("ping", err)
		if backend.KindOf(err) == backend.KindTransient {
			return backend.NewError(backend.KindUnavailable, "ping", err)
		}
		return err
	}
	return nil
}

// RefreshCredentials expires the cached credentials and loads them again.
func (c *Client) RefreshCredentials(ctx context.Context) error {
	c.creds.Expire()
	if _, err := c.creds.Get(); err != nil {
		return backend.NewError(backend.KindPermanent, "refresh_credentials", err)
	}
	return nil
}
