// Package slurmdb reads accounting state straight from the slurmdbd MySQL database.
package slurmdb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"gorm.io/gorm"

	"siteagent/config"
	"siteagent/internal/pkg/common/dbconn"
	"siteagent/internal/pkg/model"
)

// ErrReadOnly is returned for any write attempted through the client.
var ErrReadOnly = errors.New("slurmdb client is read-only")

// Client wraps a read-only GORM connection to slurmdbd.
type Client struct {
	DB          *gorm.DB
	ClusterName string
	logger      *slog.Logger
}

// New opens a read-only connection configured from config.Slurmdb.
func New(cfg config.Slurmdb, logger *slog.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.ClusterName) == "" {
		return nil, errors.New("slurmdb: clusterName is required")
	}
	db, err := dbconn.Open(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("slurmdb: %w", err)
	}
	logger.Debug("connected to slurmdbd", "host", cfg.Host, "port", cfg.Port, "cluster", cfg.ClusterName)
	return NewWithDB(db, cfg.ClusterName, logger), nil
}

// NewWithDB wraps an existing connection and makes it read-only.
func NewWithDB(db *gorm.DB, cluster string, logger *slog.Logger) *Client {
	enforceReadOnly(db)
	return &Client{DB: db, ClusterName: cluster, logger: logger}
}

// Close closes the underlying connection pool.
func (c *Client) Close() error {
	if c == nil || c.DB == nil {
		return nil
	}
	sqlDB, err := c.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Package-level default Client for convenience wiring.
var defaultClient *Client

// SetDefault sets the package-level default SlurmDB Client.
func SetDefault(c *Client) { defaultClient = c }

// Default returns the package-level default SlurmDB Client.
func Default() *Client { return defaultClient }

// enforceReadOnly installs GORM callbacks that reject write operations and non-read raw SQL.
func enforceReadOnly(db *gorm.DB) {
	block := func(tx *gorm.DB) {
		tx.AddError(ErrReadOnly)
	}
	_ = db.Callback().Create().Before("gorm:create").Register("siteagent:readonly_create", block)
	_ = db.Callback().Update().Before("gorm:update").Register("siteagent:readonly_update", block)
	_ = db.Callback().Delete().Before("gorm:delete").Register("siteagent:readonly_delete", block)

	_ = db.Callback().Raw().Before("gorm:raw").Register("siteagent:readonly_raw", func(tx *gorm.DB) {
		up := strings.ToUpper(strings.TrimSpace(tx.Statement.SQL.String()))
		for _, prefix := range []string{"SELECT", "SHOW", "DESCRIBE", "EXPLAIN"} {
			if strings.HasPrefix(up, prefix) {
				return
			}
		}
		tx.AddError(fmt.Errorf("%w: raw SQL must be SELECT/SHOW/DESCRIBE/EXPLAIN", ErrReadOnly))
	})
}

func (c *Client) assocTable() (string, error) {
	if c == nil || c.DB == nil {
		return "", errors.New("nil slurmdb Client")
	}
	if strings.TrimSpace(c.ClusterName) == "" {
		return "", errors.New("cluster name is empty in slurmdb Client")
	}
	return model.AssocTableName(c.ClusterName), nil
}

// AccountUsers returns the distinct, sorted user names associated with account.
// Account nodes (empty user) and deleted associations are excluded.
func (c *Client) AccountUsers(ctx context.Context, account string) ([]string, error) {
	table, err := c.assocTable()
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(account) == "" {
		return nil, errors.New("account name is required")
	}
	users := make([]string, 0)
	tx := c.DB.WithContext(ctx).
		Table(table).
		Where("acct = ? AND `user` <> '' AND deleted = 0", account).
		Distinct().
		Pluck("user", &users)
	if tx.Error != nil {
		return nil, tx.Error
	}
	sort.Strings(users)
	return users, nil
}

// AccountAssociation returns the account-level association row, i.e. where limits are stored.
func (c *Client) AccountAssociation(ctx context.Context, account string) (*model.Association, error) {
	table, err := c.assocTable()
	if err != nil {
		return nil, err
	}
	var a model.Association
	err = c.DB.WithContext(ctx).
		Table(table).
		Where("acct = ? AND `user` = '' AND deleted = 0", account).
		Take(&a).Error
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// CheckQoS 检查给定 QoS 是否都存在于 qos_table 中, 返回缺失的名称.
func (c *Client) CheckQoS(ctx context.Context, names []string) ([]string, error) {
	if c == nil || c.DB == nil {
		return nil, errors.New("nil slurmdb Client")
	}
	want := make([]string, 0, len(names))
	for _, n := range names {
		if n = strings.TrimSpace(n); n != "" {
			want = append(want, n)
		}
	}
	if len(want) == 0 {
		return nil, nil
	}
	found := make([]string, 0, len(want))
	if err := c.DB.WithContext(ctx).Model(&model.Qos{}).
		Where("deleted = 0 AND name IN ?", want).
		Pluck("name", &found).Error; err != nil {
		return nil, err
	}
	have := make(map[string]struct{}, len(found))
	for _, n := range found {
		have[n] = struct{}{}
	}
	var missing []string
	for _, n := range want {
		if _, ok := have[n]; !ok {
			missing = append(missing, n)
		}
	}
	sort.Strings(missing)
	return missing, nil
}
