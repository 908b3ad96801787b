package rulestore

import (
	"sync"
	"sync/atomic"

	"github.com/haukened/rr-catchall/internal/catchall/common/log"
	"github.com/haukened/rr-catchall/internal/catchall/repos/datastore"
)

// lease counts the users of one data access handle. Once retired, the
// handle is closed when the last user releases it.
type lease struct {
	handle datastore.Store
	logger log.Logger

	refs    atomic.Int64
	retired atomic.Bool
	once    sync.Once
	err     error
}

func newLease(h datastore.Store, logger log.Logger) *lease {
	return &lease{handle: h, logger: logger}
}

func (l *lease) acquire() { l.refs.Add(1) }

func (l *lease) release() {
	if l.refs.Add(-1) == 0 && l.retired.Load() {
		_ = l.close()
	}
}

// retire marks the handle as replaced. It returns the close error when the
// handle could be closed right away, and nil when users still hold it.
func (l *lease) retire() error {
	l.retired.Store(true)
	if l.refs.Load() == 0 {
		return l.close()
	}
	l.logger.Debug(map[string]any{"users": l.refs.Load()}, "replaced database handle still in use, closing when released")
	return nil
}

func (l *lease) close() error {
	l.once.Do(func() {
		if l.handle == nil {
			return
		}
		if l.err = l.handle.Close(); l.err != nil {
			l.logger.Warn(map[string]any{"error": l.err}, "closing replaced database handle")
		}
	})
	return l.err
}
