package directory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/haukened/rr-catchall/internal/catchall/common/utils"
	"github.com/haukened/rr-catchall/internal/catchall/repos/datastore/sqlstore"
)

var ErrNoDatabase = errors.New("no sql database configured")

const findMailboxQuery string = "select 1 from mailboxes where address = ?"

// None knows no mailboxes, so every recipient matching a rule is caught.
type None struct{}

func (None) FindMailbox(context.Context, string) (bool, error) { return false, nil }

// Static is a fixed set of known mailboxes.
type Static struct {
	known map[string]struct{}
}

// NewStatic builds a Static directory. Addresses are canonicalized.
func NewStatic(addresses []string) *Static {
	s := &Static{known: make(map[string]struct{}, len(addresses))}
	for _, a := range addresses {
		s.known[utils.CanonicalAddress(a)] = struct{}{}
	}
	return s
}

func (s *Static) FindMailbox(_ context.Context, address string) (bool, error) {
	_, ok := s.known[utils.CanonicalAddress(address)]
	return ok, nil
}

func (s *Static) Len() int { return len(s.known) }

// Pool is an open SQL database and its dialect.
type Pool interface {
	DB() *sql.DB
	Dialect() sqlstore.Dialect
}

// PoolFunc returns the current pool, or nil, and a release func that must
// be called once the pool is no longer used. release is never nil.
type PoolFunc func() (p Pool, release func())

// SQL looks mailboxes up in the mailboxes table of whichever database is
// current. The pool is resolved on every call so it follows hot reloads.
type SQL struct {
	current PoolFunc
}

func NewSQL(current PoolFunc) *SQL {
	return &SQL{current: current}
}

func (d *SQL) FindMailbox(ctx context.Context, address string) (bool, error) {
	p, release := d.current()
	defer release()
	if p == nil {
		return false, ErrNoDatabase
	}
	var one int
	err := p.DB().QueryRowContext(ctx, p.Dialect().Rebind(findMailboxQuery), utils.CanonicalAddress(address)).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("db query error: %w", err)
	}
	return true, nil
}
