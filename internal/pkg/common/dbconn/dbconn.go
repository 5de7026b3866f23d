// Package dbconn opens tuned MySQL connections through gorm.
package dbconn

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	glogger "gorm.io/gorm/logger"

	"siteagent/config"
)

// Open connects to MySQL, tunes the pool and checks connectivity before returning.
func Open(cfg config.Database) (*gorm.DB, error) {
	dsn, err := BuildDSN(cfg)
	if err != nil {
		return nil, err
	}
	db, err := gorm.Open(mysql.Open(dsn), GormConfig())
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if d := parseDuration(cfg.ConnMaxLifetime); d > 0 {
		sqlDB.SetConnMaxLifetime(d)
	}
	// Fail fast on an unreachable server instead of on the first query.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping %s:%d: %w", cfg.Host, cfg.Port, err)
	}
	return db, nil
}

// GormConfig is the gorm configuration every connection uses.
func GormConfig() *gorm.Config {
	return &gorm.Config{
		Logger:                 glogger.Default.LogMode(glogger.Warn),
		SkipDefaultTransaction: true,
	}
}

// BuildDSN constructs a go-sql-driver DSN: user:pass@tcp(host:port)/dbname?param=value
func BuildDSN(cfg config.Database) (string, error) {
	if strings.TrimSpace(cfg.Host) == "" || strings.TrimSpace(cfg.Database) == "" {
		return "", fmt.Errorf("database host and name are required")
	}
	creds := cfg.User
	if cfg.Password != "" {
		creds = fmt.Sprintf("%s:%s", cfg.User, cfg.Password)
	}
	addr := fmt.Sprintf("tcp(%s:%d)", cfg.Host, cfg.Port)

	params := make([]string, 0, 8)
	if cfg.Charset != "" {
		params = append(params, "charset="+cfg.Charset)
	}
	if cfg.ParseTime {
		params = append(params, "parseTime=true")
	} else {
		params = append(params, "parseTime=false")
	}
	if cfg.Loc != "" {
		params = append(params, "loc="+url.QueryEscape(cfg.Loc))
	}
	if cfg.TLS != "" {
		params = append(params, "tls="+cfg.TLS)
	}
	// See https://github.com/go-sql-driver/mysql#dsn-data-source-name
	params = append(params, "timeout=5s", "readTimeout=5s", "writeTimeout=5s")

	return fmt.Sprintf("%s@%s/%s?%s", creds, addr, cfg.Database, strings.Join(params, "&")), nil
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
