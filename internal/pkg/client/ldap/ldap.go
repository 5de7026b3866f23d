package ldap

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	gldap "github.com/go-ldap/ldap/v3"

	"siteagent/config"
	"siteagent/internal/pkg/identity"
)

// Client resolves marketplace users against an LDAP directory. It implements
// identity.Directory and redials once when the connection has dropped.
type Client struct {
	cfg    config.LDAP
	logger *slog.Logger

	mu   sync.Mutex
	conn *gldap.Conn
}

// New creates and binds an LDAP client connection based on the provided config.
// It supports plain LDAP, LDAPS, and STARTTLS, optional custom CAs and client certs,
// and connect/read timeouts.
func New(cfg config.LDAP, logger *slog.Logger) (*Client, error) {
	c := &Client{cfg: cfg, logger: logger}
	conn, err := c.dial()
	if err != nil {
		return nil, err
	}
	c.conn = conn
	return c, nil
}

// Close closes the underlying LDAP connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

func (c *Client) dial() (*gldap.Conn, error) {
	cfg := c.cfg
	tlsCfg, err := buildTLSConfig(cfg)
	if err != nil {
		return nil, err
	}

	scheme := "ldap"
	if cfg.UseTLS {
		scheme = "ldaps"
	}
	addr := fmt.Sprintf("%s://%s:%d", scheme, cfg.Host, cfg.Port)

	var opts []gldap.DialOpt
	if tlsCfg != nil {
		opts = append(opts, gldap.DialWithTLSConfig(tlsCfg))
	}
	if d := connectDialer(cfg); d != nil {
		opts = append(opts, gldap.DialWithDialer(d))
	}

	conn, err := gldap.DialURL(addr, opts...)
	if err != nil {
		return nil, err
	}

	// STARTTLS is not needed when using LDAPS.
	if cfg.StartTLS && !cfg.UseTLS {
		if err := conn.StartTLS(tlsCfg); err != nil {
			conn.Close()
			return nil, err
		}
	}
	if rt := parseDuration(cfg.ReadTimeout); rt > 0 {
		conn.SetTimeout(rt)
	}
	if cfg.BindDN != "" || cfg.BindPassword != "" {
		if err := conn.Bind(cfg.BindDN, cfg.BindPassword); err != nil {
			conn.Close()
			return nil, err
		}
	}
	return conn, nil
}

// search runs req, redialing once if the connection is gone.
func (c *Client) search(req *gldap.SearchRequest, paging uint32) (*gldap.SearchResult, error) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	run := func(conn *gldap.Conn) (*gldap.SearchResult, error) {
		if paging > 0 {
			return conn.SearchWithPaging(req, paging)
		}
		return conn.Search(req)
	}

	if conn != nil && !conn.IsClosing() {
		res, err := run(conn)
		if err == nil || !gldap.IsErrorWithCode(err, gldap.ErrorNetwork) {
			return res, err
		}
		c.logger.Warn("ldap connection lost, redialing", "err", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil && c.conn != conn && !c.conn.IsClosing() {
		return run(c.conn)
	}
	fresh, err := c.dial()
	if err != nil {
		return nil, fmt.Errorf("redial ldap: %w", err)
	}
	if c.conn != nil {
		c.conn.Close()
	}
	c.conn = fresh
	return run(fresh)
}

// buildTLSConfig constructs a tls.Config based on config.LDAP.
// Returns nil if no TLS options are needed and UseTLS/StartTLS are false.
func buildTLSConfig(cfg config.LDAP) (*tls.Config, error) {
	needsTLS := cfg.UseTLS || cfg.StartTLS || cfg.InsecureSkipVerify || cfg.RootCAFile != "" || cfg.ClientCertFile != "" || cfg.ClientKeyFile != "" || cfg.ServerName != ""
	if !needsTLS {
		return nil, nil
	}

	tlsCfg := &tls.Config{
		InsecureSkipVerify: cfg.InsecureSkipVerify, //nolint:gosec // configurable for testing/non-prod
	}
	if cfg.ServerName != "" {
		tlsCfg.ServerName = cfg.ServerName
	}
	if cfg.RootCAFile != "" {
		pem, err := os.ReadFile(cfg.RootCAFile)
		if err != nil {
			return nil, err
		}
		pool, err := x509.SystemCertPool()
		if err != nil || pool == nil {
			pool = x509.NewCertPool()
		}
		if ok := pool.AppendCertsFromPEM(pem); !ok {
			return nil, fmt.Errorf("failed to append Root CA from %s", cfg.RootCAFile)
		}
		tlsCfg.RootCAs = pool
	}
	if cfg.ClientCertFile != "" && cfg.ClientKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.ClientCertFile, cfg.ClientKeyFile)
		if err != nil {
			return nil, err
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}

// connectDialer builds a net.Dialer with the configured timeout.
func connectDialer(cfg config.LDAP) *net.Dialer {
	to := parseDuration(cfg.ConnectTimeout)
	if to <= 0 {
		return nil
	}
	return &net.Dialer{Timeout: to}
}

// parseDuration returns 0 on empty or invalid duration strings.
func parseDuration(s string) time.Duration {
	if s == "" {
		return 0
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}

// userFilter 构造按 lookupAttr 精确匹配 posixAccount 条目的过滤器.
func userFilter(lookupAttr, value string) string {
	return fmt.Sprintf("(&(objectClass=posixAccount)(%s=%s))", lookupAttr, gldap.EscapeFilter(value))
}

// LookupUser 在 ou=Peoples,<BaseDN> 下按 lookupAttr 查找用户, 并附带其附加组.
func (c *Client) LookupUser(ctx context.Context, name string) (*identity.Identity, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, identity.ErrUnknownUser
	}
	req := gldap.NewSearchRequest(
		fmt.Sprintf("ou=Peoples,%s", c.cfg.BaseDN),
		gldap.ScopeSingleLevel,
		gldap.NeverDerefAliases,
		2, // size limit small, expect a single match
		0,
		false,
		userFilter(c.cfg.LookupAttr, name),
		[]string{"dn", c.cfg.UsernameAttr, "uidNumber"},
		nil,
	)
	res, err := c.search(req, 0)
	if err != nil && !gldap.IsErrorWithCode(err, gldap.LDAPResultSizeLimitExceeded) {
		return nil, err
	}
	if res == nil || len(res.Entries) == 0 {
		return nil, fmt.Errorf("%s: %w", name, identity.ErrUnknownUser)
	}
	if len(res.Entries) > 1 {
		return nil, fmt.Errorf("%s: %d directory entries match", name, len(res.Entries))
	}
	id, err := entryIdentity(res.Entries[0], c.cfg.UsernameAttr)
	if err != nil {
		return nil, err
	}
	groups, err := c.GetAdditionalGroupsOfUser(ctx, id.Username)
	if err != nil {
		c.logger.Warn("failed to load additional groups", "user", id.Username, "err", err)
	}
	id.Groups = groups
	return id, nil
}

func entryIdentity(e *gldap.Entry, usernameAttr string) (*identity.Identity, error) {
	username := strings.TrimSpace(e.GetAttributeValue(usernameAttr))
	if username == "" {
		return nil, fmt.Errorf("entry %s has no %s", e.DN, usernameAttr)
	}
	id := &identity.Identity{Username: username, DN: e.DN}
	if s := e.GetAttributeValue("uidNumber"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			return nil, fmt.Errorf("entry %s: invalid uidNumber %q", e.DN, s)
		}
		id.UID = n
	}
	return id, nil
}

// GetAdditionalGroupsOfUser 获取用户的附加组. 附加组信息存储在 ou=Groups,<BaseDN> 下 cn 条目(用户组)中的 memberUid 中.
func (c *Client) GetAdditionalGroupsOfUser(ctx context.Context, uid string) ([]string, error) {
	uid = strings.TrimSpace(uid)
	if uid == "" {
		return nil, fmt.Errorf("uid is required")
	}
	req := gldap.NewSearchRequest(
		fmt.Sprintf("ou=Groups,%s", c.cfg.BaseDN),
		gldap.ScopeSingleLevel,
		gldap.NeverDerefAliases,
		0,
		0,
		false,
		fmt.Sprintf("(memberUid=%s)", gldap.EscapeFilter(uid)),
		[]string{"cn"},
		nil,
	)
	const step = 500
	res, err := c.search(req, step)
	if err != nil {
		return nil, err
	}
	return groupNames(res.Entries), nil
}

func groupNames(entries []*gldap.Entry) []string {
	groups := make([]string, 0, len(entries))
	for _, e := range entries {
		for _, v := range e.GetAttributeValues("cn") {
			if v = strings.TrimSpace(v); v != "" {
				groups = append(groups, v)
			}
		}
	}
	sort.Strings(groups)
	return groups
}
