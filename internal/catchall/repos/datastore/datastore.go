package datastore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/haukened/rr-catchall/internal/catchall/domain"
	"github.com/haukened/rr-catchall/internal/catchall/repos/datastore/bolt"
	"github.com/haukened/rr-catchall/internal/catchall/repos/datastore/sqlstore"
)

var (
	ErrDisabled    = errors.New("database is disabled")
	ErrUnknownType = errors.New("unknown database type")
)

// Settings is the database section of the rule file. Two Settings values
// compare equal exactly when they select the same backend.
type Settings struct {
	Enabled  bool   `koanf:"enabled"`
	Type     string `koanf:"type" validate:"required_if=Enabled true,omitempty,oneof=mysql postgres sqlite bolt"`
	DSN      string `koanf:"dsn"`
	Host     string `koanf:"host"`
	Port     int    `koanf:"port" validate:"gte=0,lte=65535"`
	Database string `koanf:"database"`
	User     string `koanf:"user"`
	Password string `koanf:"password"`
}

// Store is a data access handle: the blocklist, the audit log and their
// administration.
type Store interface {
	CheckAndIncrement(ctx context.Context, address string) (bool, error)
	InsertAuditRecord(ctx context.Context, rec domain.AuditRecord) error
	Block(ctx context.Context, address string) (bool, error)
	Unblock(ctx context.Context, address string) (bool, error)
	ListBlocked(ctx context.Context) ([]domain.BlockedEntry, error)
	ListCaught(ctx context.Context, limit int) ([]domain.AuditRecord, error)
	Migrate(ctx context.Context) error
	Close() error
}

// ConnString returns the connection string for s. An explicit DSN wins;
// otherwise one is built from the host and credential fields. For sqlite and
// bolt the database field is the file path.
func (s Settings) ConnString() string {
	if s.DSN != "" {
		return s.DSN
	}
	switch strings.ToLower(s.Type) {
	case "mysql":
		return sqlstore.MySQLDSN(s.Host, portOr(s.Port, 3306), s.User, s.Password, s.Database)
	case "postgres":
		return sqlstore.PostgresDSN(s.Host, portOr(s.Port, 5432), s.User, s.Password, s.Database)
	default:
		return s.Database
	}
}

func portOr(p, def int) int {
	if p == 0 {
		return def
	}
	return p
}

// Open returns the Store selected by s. It fails with ErrDisabled when the
// section is disabled.
func Open(s Settings) (Store, error) {
	if !s.Enabled {
		return nil, ErrDisabled
	}
	typ := strings.ToLower(s.Type)
	if typ == "bolt" {
		path := s.ConnString()
		if path == "" {
			return nil, fmt.Errorf("missing path for bolt")
		}
		bs, err := bolt.New(path)
		if err != nil {
			return nil, err
		}
		return bs, nil
	}
	d, ok := sqlstore.DialectByName(typ)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, s.Type)
	}
	return sqlstore.Open(d, s.ConnString())
}
