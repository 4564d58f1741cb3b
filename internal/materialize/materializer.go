// Package materialize writes cohort membership as an append-only sign log.
//
// A run streams the persons currently matching the cohort predicate and the
// committed members of the baseline version, both in ascending id order, and
// merges them. Only the difference is written: +1 for newly matching persons
// and -1 for persons that stopped matching. The version becomes visible to
// readers in a single commit once every row is written.
package materialize

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"cohorts/engine/internal/logger"
	"cohorts/engine/internal/metrics"
	"cohorts/engine/internal/predicate"
	"cohorts/engine/internal/store"
)

const (
	DefaultBatchSize = 10000
	abortTimeout     = 10 * time.Second
)

type Store interface {
	MatchingPersons(teamID int64, expr predicate.Expr, batchSize int) store.Cursor
	CommittedMembers(teamID, cohortID, upToVersion int64, batchSize int) store.Cursor
	AppendMembershipRows(ctx context.Context, cohortID, teamID, version int64, deltas []store.MembershipDelta) error
	CommitVersion(ctx context.Context, commit store.VersionCommit) error
	AbortCalculation(ctx context.Context, teamID, cohortID, version int64, failed bool) error
}

type Result struct {
	CohortID        int64
	Version         int64
	BaselineVersion int64
	Added           int64
	Removed         int64
	PreviousSize    int64
	Size            int64
	Duration        time.Duration
}

type Materializer struct {
	store   Store
	log     *logger.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

func New(s Store, log *logger.Logger, m *metrics.Metrics, now func() time.Time) *Materializer {
	if log == nil {
		log = logger.Nop()
	}
	if now == nil {
		now = time.Now
	}
	return &Materializer{store: s, log: log, metrics: m, now: now}
}

// Materialize computes and commits version pendingVersion of c's membership.
// c must be the cohort as returned when the run began: its CommittedVersion is
// the baseline and its DefinitionVersion must still be current at commit.
//
// On any error the run is aborted and nothing it wrote becomes visible.
// store.ErrVersionConflict means a concurrent run or an edit won.
func (m *Materializer) Materialize(ctx context.Context, c store.Cohort, expr predicate.Expr, pendingVersion int64, batchSize int) (Result, error) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	started := m.now()
	result := Result{CohortID: c.ID, Version: pendingVersion, BaselineVersion: c.CommittedVersion}
	log := m.log.With("cohort_id", c.ID, "team_id", c.TeamID, "version", pendingVersion)

	if pendingVersion <= c.CommittedVersion {
		err := fmt.Errorf("pending version %d must be newer than committed version %d", pendingVersion, c.CommittedVersion)
		m.abort(ctx, c, pendingVersion, true)
		return result, err
	}

	err := m.run(ctx, c, expr, pendingVersion, batchSize, &result)
	if err == nil {
		err = m.store.CommitVersion(ctx, store.VersionCommit{
			CohortID:          c.ID,
			TeamID:            c.TeamID,
			Version:           pendingVersion,
			Baseline:          c.CommittedVersion,
			DefinitionVersion: c.DefinitionVersion,
			Size:              result.Size,
			CalculatedAt:      m.now().UTC(),
		})
	}
	result.Duration = m.now().Sub(started)

	switch {
	case err == nil:
		m.metrics.ObserveMaterialization("success", result.Duration)
		m.metrics.AddMembershipRows(int(result.Added), int(result.Removed))
		log.Info("cohort materialized",
			"previous_size", result.PreviousSize, "size", result.Size,
			"added", result.Added, "removed", result.Removed, "duration", result.Duration)
		return result, nil
	case errors.Is(err, store.ErrVersionConflict):
		m.abort(ctx, c, pendingVersion, false)
		m.metrics.ObserveMaterialization("conflict", result.Duration)
		log.Warn("cohort materialization superseded", "baseline_version", c.CommittedVersion)
		return result, err
	default:
		m.abort(ctx, c, pendingVersion, true)
		m.metrics.ObserveMaterialization("error", result.Duration)
		log.Error("cohort materialization failed",
			"previous_size", result.PreviousSize, "size_so_far", result.Size, "error", err)
		return result, fmt.Errorf("materialize cohort %d version %d: %w", c.ID, pendingVersion, err)
	}
}

// abort clears the calculating flag even when ctx is already cancelled.
func (m *Materializer) abort(ctx context.Context, c store.Cohort, version int64, failed bool) {
	abortCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), abortTimeout)
	defer cancel()
	if err := m.store.AbortCalculation(abortCtx, c.TeamID, c.ID, version, failed); err != nil {
		m.log.Error("reset calculating flag", "cohort_id", c.ID, "version", version, "error", err)
	}
}

func (m *Materializer) run(ctx context.Context, c store.Cohort, expr predicate.Expr, version int64, batchSize int, result *Result) error {
	current := newStream(m.store.MatchingPersons(c.TeamID, expr, batchSize))
	previous := newStream(m.store.CommittedMembers(c.TeamID, c.ID, c.CommittedVersion, batchSize))

	pending := make([]store.MembershipDelta, 0, batchSize)
	flush := func() error {
		if len(pending) == 0 {
			return nil
		}
		if err := m.store.AppendMembershipRows(ctx, c.ID, c.TeamID, version, pending); err != nil {
			return err
		}
		pending = pending[:0]
		return nil
	}
	emit := func(id uuid.UUID, sign int8) error {
		pending = append(pending, store.MembershipDelta{PersonID: id, Sign: sign})
		if len(pending) < batchSize {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		return flush()
	}

	for {
		next, hasNext, err := current.peek(ctx)
		if err != nil {
			return fmt.Errorf("read matching persons: %w", err)
		}
		prev, hasPrev, err := previous.peek(ctx)
		if err != nil {
			return fmt.Errorf("read committed members: %w", err)
		}
		if !hasNext && !hasPrev {
			break
		}

		cmp := compareStreams(next, hasNext, prev, hasPrev)
		switch {
		case cmp < 0:
			current.advance()
			result.Size++
			result.Added++
			err = emit(next, 1)
		case cmp > 0:
			previous.advance()
			result.PreviousSize++
			result.Removed++
			err = emit(prev, -1)
		default:
			current.advance()
			previous.advance()
			result.Size++
			result.PreviousSize++
		}
		if err != nil {
			return fmt.Errorf("append membership rows: %w", err)
		}
	}
	if err := flush(); err != nil {
		return fmt.Errorf("append membership rows: %w", err)
	}
	return nil
}

// compareStreams orders the heads of two streams; an exhausted stream sorts last.
func compareStreams(a uuid.UUID, hasA bool, b uuid.UUID, hasB bool) int {
	switch {
	case !hasB:
		return -1
	case !hasA:
		return 1
	}
	return bytes.Compare(a[:], b[:])
}

// stream buffers one cursor page at a time.
type stream struct {
	cursor store.Cursor
	page   []uuid.UUID
	pos    int
	done   bool
	last   uuid.UUID
	seen   bool
}

func newStream(cursor store.Cursor) *stream {
	return &stream{cursor: cursor}
}

func (s *stream) peek(ctx context.Context) (uuid.UUID, bool, error) {
	for !s.done && s.pos >= len(s.page) {
		page, err := s.cursor.Next(ctx)
		if err != nil {
			return uuid.Nil, false, err
		}
		if len(page) == 0 {
			s.done = true
			break
		}
		s.page, s.pos = page, 0
	}
	if s.done {
		return uuid.Nil, false, nil
	}
	id := s.page[s.pos]
	if s.seen && bytes.Compare(id[:], s.last[:]) <= 0 {
		return uuid.Nil, false, fmt.Errorf("cursor out of order: %s after %s", id, s.last)
	}
	return id, true, nil
}

func (s *stream) advance() {
	s.last, s.seen = s.page[s.pos], true
	s.pos++
}
