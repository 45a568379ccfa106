// Package syncer mirrors the in-memory ledger to a remote revision store.
//
// Writes are optimistic: every flush sends the whole ledger together with the
// last revision token seen, and the store rejects it if the document moved in
// the meantime. A rejected flush is dropped, not retried or merged. The
// in-memory ledger stays authoritative for the running process, so a
// concurrent writer to the same document (a second instance, a manual edit)
// can cause a lost update on either side. Resync is the operator's explicit
// way out of that state.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/susu3304/pointsbot/internal/ledger"
	"github.com/susu3304/pointsbot/internal/remote"
	"go.uber.org/zap"
)

type Syncer struct {
	store  remote.Store
	ledger *ledger.Store
	logger *zap.Logger

	mu       sync.Mutex
	revision string
}

// New returns a Syncer for the given store. A nil store makes the ledger
// ephemeral: nothing is loaded and flushes do nothing.
func New(store remote.Store, l *ledger.Store, logger *zap.Logger) *Syncer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Syncer{store: store, ledger: l, logger: logger}
}

func (s *Syncer) Ephemeral() bool {
	return s.store == nil
}

// Revision returns the last revision token seen from the store.
func (s *Syncer) Revision() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.revision
}

func (s *Syncer) setRevision(r string) {
	s.mu.Lock()
	s.revision = r
	s.mu.Unlock()
}

// Load replaces the ledger with the remote document. Any failure leaves an
// empty ledger and a cleared revision token; the error is returned for
// reporting only.
func (s *Syncer) Load(ctx context.Context) error {
	if s.store == nil {
		s.reset()
		s.logger.Info("ledger is ephemeral, nothing to load")
		return nil
	}

	data, revision, err := s.store.Read(ctx)
	if err != nil {
		s.reset()
		if errors.Is(err, remote.ErrNotFound) {
			s.logger.Info("remote ledger not found, starting empty")
		} else {
			s.logger.Error("failed to read remote ledger, starting empty", zap.Error(err))
		}
		return fmt.Errorf("load ledger: %w", err)
	}

	snap, repairs, err := ledger.Decode(data)
	if err != nil {
		s.reset()
		s.logger.Error("failed to decode remote ledger, starting empty", zap.Error(err))
		return fmt.Errorf("load ledger: %w", err)
	}
	for _, r := range repairs {
		s.logger.Warn("negative balance in remote ledger loaded as zero",
			zap.String("user_id", r.AccountID),
			zap.Int64("stored_balance", r.Balance))
	}

	s.ledger.Replace(snap)
	s.setRevision(revision)
	s.logger.Info("ledger loaded",
		zap.Int("accounts", len(snap.Accounts)),
		zap.Int("guilds", len(snap.Guilds)),
		zap.String("revision", revision))
	return nil
}

func (s *Syncer) reset() {
	s.ledger.Replace(ledger.NewSnapshot())
	s.setRevision("")
}

// Flush writes the whole ledger if the remote revision still matches. On
// conflict or transport failure nothing changes locally; the failure is
// logged and returned.
func (s *Syncer) Flush(ctx context.Context) error {
	if s.store == nil {
		return nil
	}

	data, err := ledger.Encode(s.ledger.Snapshot())
	if err != nil {
		s.logger.Error("failed to encode ledger", zap.Error(err))
		return fmt.Errorf("flush ledger: %w", err)
	}

	expected := s.Revision()
	revision, err := s.store.WriteIfMatch(ctx, data, expected)
	if err != nil {
		s.logger.Warn("ledger flush dropped",
			zap.String("expected_revision", expected),
			zap.Bool("conflict", errors.Is(err, remote.ErrConflict)),
			zap.Error(err))
		return fmt.Errorf("flush ledger: %w", err)
	}

	s.mu.Lock()
	if s.revision == expected {
		s.revision = revision
	}
	s.mu.Unlock()

	s.logger.Debug("ledger flushed", zap.String("revision", revision), zap.Int("bytes", len(data)))
	return nil
}

// Resync adopts the store's current revision without merging its content and
// flushes the in-memory ledger over it.
func (s *Syncer) Resync(ctx context.Context) error {
	if s.store == nil {
		return nil
	}

	_, revision, err := s.store.Read(ctx)
	switch {
	case errors.Is(err, remote.ErrNotFound):
		revision = ""
	case err != nil:
		s.logger.Error("resync failed to read remote revision", zap.Error(err))
		return fmt.Errorf("resync ledger: %w", err)
	}

	previous := s.Revision()
	s.setRevision(revision)
	s.logger.Warn("adopting remote revision, remote changes will be overwritten",
		zap.String("previous_revision", previous),
		zap.String("revision", revision))
	return s.Flush(ctx)
}
