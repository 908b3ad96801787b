package rulestore

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/haukened/rr-catchall/internal/catchall/common/log"
	"github.com/haukened/rr-catchall/internal/catchall/common/metrics"
	"github.com/haukened/rr-catchall/internal/catchall/domain"
	"github.com/haukened/rr-catchall/internal/catchall/repos/datastore"
	"github.com/haukened/rr-catchall/internal/catchall/services/rewriter"
)

var ErrEmptyRuleSet = errors.New("rule file produced no valid rules")

// Opener opens a data access handle for a database section.
type Opener func(datastore.Settings) (datastore.Store, error)

// published pairs a snapshot with the lease on its data access handle.
type published struct {
	snap  *rewriter.Snapshot
	lease *lease
}

// Store owns the published snapshot. Readers call Current without locking;
// reloads build a complete new snapshot and swap it in with one store.
type Store struct {
	compiler *rewriter.Compiler
	logger   log.Logger
	open     Opener
	path     string

	current atomic.Pointer[published]

	// mu serializes publishing and guards the fields below.
	mu       sync.Mutex
	active   *lease
	settings datastore.Settings
	version  uint64

	reloading atomic.Bool
	pending   atomic.Bool
	loads     atomic.Uint64

	// hook runs at the start of every load. Tests use it to hold a reload open.
	hook func()
}

// New returns a Store for the rule file at path. Until Load succeeds the
// published snapshot is empty and has no data access.
func New(path string, compiler *rewriter.Compiler, open Opener, logger log.Logger) *Store {
	if open == nil {
		open = datastore.Open
	}
	s := &Store{compiler: compiler, logger: logger, open: open, path: path}
	s.active = newLease(nil, logger)
	s.current.Store(&published{
		snap:  &rewriter.Snapshot{Rules: domain.EmptyRuleSet()},
		lease: s.active,
	})
	return s
}

// Path returns the rule file being served.
func (s *Store) Path() string { return s.path }

// Current returns the active snapshot. It never returns nil.
func (s *Store) Current() *rewriter.Snapshot {
	return s.current.Load().snap
}

// Acquire returns the active snapshot and holds its data access handle open
// until release is called. A handle replaced by a reload is closed once
// every holder has released it. release may be called more than once.
func (s *Store) Acquire() (*rewriter.Snapshot, func()) {
	for {
		p := s.current.Load()
		p.lease.acquire()
		if s.current.Load() == p {
			return p.snap, sync.OnceFunc(p.lease.release)
		}
		// republished in between; the lease may already be retired
		p.lease.release()
	}
}

// Load performs the initial load. A failure leaves the empty snapshot in
// place and is returned so the caller can log it; the process keeps running.
func (s *Store) Load() error {
	return s.load(true)
}

// Reload re-reads the rule file. At most one reload runs at a time. Calls
// arriving while one runs return immediately and cause exactly one further
// reload once it finishes, however many of them there were.
func (s *Store) Reload() {
	s.pending.Store(true)
	for {
		if !s.reloading.CompareAndSwap(false, true) {
			metrics.ReloadInc("coalesced")
			return
		}
		for s.pending.Swap(false) {
			_ = s.load(false)
		}
		s.reloading.Store(false)
		if !s.pending.Load() {
			return
		}
	}
}

// Loads returns how many loads have run, including the initial one.
func (s *Store) Loads() uint64 { return s.loads.Load() }

func (s *Store) load(initial bool) error {
	s.loads.Add(1)
	if s.hook != nil {
		s.hook()
	}

	f, err := LoadFile(s.path)
	if err != nil {
		metrics.ReloadInc("error")
		s.logger.Error(map[string]any{
			"path":  s.path,
			"error": err,
		}, "failed to load rule file, keeping current rules")
		return err
	}

	compiled := s.compiler.Compile(f.Domains, s.path)
	if compiled.Rules.Len() == 0 && !initial {
		metrics.ReloadInc("empty")
		s.logger.Warn(map[string]any{
			"path":     s.path,
			"rejected": len(compiled.Rejected),
		}, "reload produced no rules, keeping current rules")
		return ErrEmptyRuleSet
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	retired := s.swapHandle(f.Database)
	s.version++
	snap := &rewriter.Snapshot{
		Rules:  compiled.Rules.WithVersion(s.version),
		Access: accessOf(s.active.handle),
	}
	s.current.Store(&published{snap: snap, lease: s.active})
	metrics.ReloadInc("ok")
	metrics.RulesSet(snap.Rules.Len())
	s.logger.Info(map[string]any{
		"path":     s.path,
		"version":  s.version,
		"rules":    snap.Rules.Len(),
		"rejected": len(compiled.Rejected),
		"database": f.Database.Enabled,
	}, "catch-all rules published")

	if retired != nil {
		_ = retired.retire()
	}

	if compiled.Rules.Len() == 0 {
		return ErrEmptyRuleSet
	}
	return nil
}

// swapHandle makes s.active the lease to publish for settings. It returns
// the lease to retire once the new snapshot is visible, or nil. Callers hold s.mu.
func (s *Store) swapHandle(settings datastore.Settings) (retired *lease) {
	if settings == s.settings && (s.active.handle != nil || !settings.Enabled) {
		return nil
	}
	if !settings.Enabled {
		retired = s.active
		s.active, s.settings = newLease(nil, s.logger), settings
		return retired
	}
	if err := ValidateDatabase(settings); err != nil {
		s.logger.Error(map[string]any{"error": err}, "keeping current database handle")
		return nil
	}
	h, err := s.open(settings)
	if err != nil {
		s.logger.Error(map[string]any{
			"type":  settings.Type,
			"error": err,
		}, "failed to open database, keeping current handle")
		return nil
	}
	retired = s.active
	s.active, s.settings = newLease(h, s.logger), settings
	s.logger.Info(map[string]any{"type": settings.Type}, "database handle opened")
	return retired
}

// accessOf converts a possibly nil handle without producing a non-nil
// interface that wraps a nil store.
func accessOf(h datastore.Store) rewriter.DataAccess {
	if h == nil {
		return nil
	}
	return h
}

// Handle returns the current data access handle, or nil.
func (s *Store) Handle() datastore.Store {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active.handle
}

// Close retires the current data access handle. It is closed now if nobody
// holds it, otherwise when the last holder releases it.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active.handle == nil {
		return nil
	}
	retired := s.active
	s.active, s.settings = newLease(nil, s.logger), datastore.Settings{}
	return retired.retire()
}
