// Package memstore is an in-memory event, person and membership store. It
// evaluates predicate trees directly and mirrors the semantics of the
// Postgres store, which makes it the backend for semantic tests and local runs.
package memstore

import (
	"bytes"
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"cohorts/engine/internal/predicate"
	"cohorts/engine/internal/store"
)

type Person struct {
	ID         uuid.UUID
	TeamID     int64
	Properties map[string]any
}

type Event struct {
	TeamID        int64
	Event         string
	DistinctID    string
	PersonID      uuid.UUID
	Timestamp     time.Time
	Properties    map[string]any
	ElementsChain string
}

type versionKey struct {
	cohortID int64
	version  int64
}

type staticKey struct {
	cohortID int64
	personID uuid.UUID
}

type Store struct {
	mu  sync.RWMutex
	now func() time.Time

	persons  map[uuid.UUID]Person
	sorted   []uuid.UUID
	events   []Event
	cohorts  map[int64]store.Cohort
	actions  map[int64]actionRow
	nextID   int64
	rows     []store.MembershipRow
	versions map[versionKey]store.VersionCommit
	static   map[staticKey]store.StaticCohortPerson
}

type actionRow struct {
	teamID  int64
	deleted bool
	action  predicate.Action
}

// New returns an empty store. now stamps calculation times; nil means time.Now.
func New(now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{
		now:      now,
		persons:  make(map[uuid.UUID]Person),
		cohorts:  make(map[int64]store.Cohort),
		actions:  make(map[int64]actionRow),
		versions: make(map[versionKey]store.VersionCommit),
		static:   make(map[staticKey]store.StaticCohortPerson),
	}
}

func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) AddPerson(p Person) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.persons[p.ID]; !exists {
		idx := sort.Search(len(s.sorted), func(i int) bool { return bytes.Compare(s.sorted[i][:], p.ID[:]) >= 0 })
		s.sorted = append(s.sorted, uuid.Nil)
		copy(s.sorted[idx+1:], s.sorted[idx:])
		s.sorted[idx] = p.ID
	}
	s.persons[p.ID] = p
}

func (s *Store) AddEvent(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *Store) nextIDLocked() int64 {
	s.nextID++
	return s.nextID
}

func (s *Store) CreateAction(_ context.Context, teamID int64, action predicate.Action) (predicate.Action, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	action.ID = s.nextIDLocked()
	s.actions[action.ID] = actionRow{teamID: teamID, action: action}
	return action, nil
}

func (s *Store) DeleteAction(_ context.Context, teamID, actionID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.actions[actionID]
	if !ok || row.teamID != teamID {
		return store.ErrNotFound
	}
	row.deleted = true
	s.actions[actionID] = row
	return nil
}

func (s *Store) GetAction(_ context.Context, teamID, actionID int64) (predicate.Action, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.actions[actionID]
	if !ok || row.teamID != teamID || row.deleted {
		return predicate.Action{}, store.ErrNotFound
	}
	return row.action, nil
}

func (s *Store) CreateCohort(_ context.Context, c store.Cohort) (store.Cohort, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now().UTC()
	c.ID = s.nextIDLocked()
	c.DefinitionVersion = 1
	c.Deleted, c.IsCalculating = false, false
	c.PendingVersion, c.CommittedVersion = 0, 0
	c.LastCalculation, c.CalculationStartedAt, c.Count = nil, nil, nil
	c.CreatedAt, c.UpdatedAt = now, now
	s.cohorts[c.ID] = c
	return c, nil
}

func (s *Store) UpdateCohort(_ context.Context, c store.Cohort) (store.Cohort, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.cohorts[c.ID]
	if !ok || current.TeamID != c.TeamID || current.Deleted {
		return store.Cohort{}, store.ErrNotFound
	}
	if !sameGroups(current.Groups, c.Groups) {
		current.DefinitionVersion++
		current.LastCalculation = nil
	}
	current.Name = c.Name
	current.Description = c.Description
	current.Groups = c.Groups
	current.UpdatedAt = s.now().UTC()
	s.cohorts[c.ID] = current
	return current, nil
}

func (s *Store) GetCohort(_ context.Context, teamID, cohortID int64) (store.Cohort, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.cohorts[cohortID]
	if !ok || c.TeamID != teamID {
		return store.Cohort{}, store.ErrNotFound
	}
	return c, nil
}

func (s *Store) ListCohorts(_ context.Context, teamID int64) ([]store.Cohort, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]store.Cohort, 0)
	for _, c := range s.cohorts {
		if c.TeamID == teamID && !c.Deleted {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) DeleteCohort(_ context.Context, teamID, cohortID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cohorts[cohortID]
	if !ok || c.TeamID != teamID || c.Deleted {
		return store.ErrNotFound
	}
	c.Deleted = true
	c.UpdatedAt = s.now().UTC()
	s.cohorts[cohortID] = c
	return nil
}

func (s *Store) ListStaleCohorts(_ context.Context, staleBefore time.Time, limit int) ([]store.Cohort, error) {
	if limit <= 0 {
		limit = 100
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]store.Cohort, 0)
	for _, c := range s.cohorts {
		if c.Deleted || c.IsStatic || c.IsCalculating {
			continue
		}
		if c.LastCalculation == nil || c.LastCalculation.Before(staleBefore) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].LastCalculation, out[j].LastCalculation
		switch {
		case a == nil && b != nil:
			return true
		case a != nil && b == nil:
			return false
		case a != nil && b != nil && !a.Equal(*b):
			return a.Before(*b)
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) BeginCalculation(_ context.Context, teamID, cohortID int64) (store.Cohort, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cohorts[cohortID]
	if !ok || c.TeamID != teamID || c.Deleted || c.IsStatic {
		return store.Cohort{}, store.ErrNotFound
	}
	started := s.now().UTC()
	c.IsCalculating = true
	c.CalculationStartedAt = &started
	c.PendingVersion = max(c.PendingVersion, c.CommittedVersion) + 1
	s.cohorts[cohortID] = c
	return c, nil
}

func (s *Store) CommitVersion(_ context.Context, commit store.VersionCommit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cohorts[commit.CohortID]
	if !ok || c.TeamID != commit.TeamID ||
		c.CommittedVersion != commit.Baseline ||
		c.DefinitionVersion != commit.DefinitionVersion ||
		c.PendingVersion < commit.Version {
		return store.ErrVersionConflict
	}
	at := commit.CalculatedAt
	size := commit.Size
	c.CommittedVersion = commit.Version
	c.IsCalculating = false
	c.LastCalculation = &at
	c.Count = &size
	c.ErrorsCalculating = 0
	s.cohorts[commit.CohortID] = c
	s.versions[versionKey{commit.CohortID, commit.Version}] = commit
	return nil
}

func (s *Store) AbortCalculation(_ context.Context, teamID, cohortID, version int64, failed bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cohorts[cohortID]
	if !ok || c.TeamID != teamID {
		return nil
	}
	if c.PendingVersion == version {
		c.IsCalculating = false
	}
	if failed {
		c.ErrorsCalculating++
	}
	s.cohorts[cohortID] = c
	return nil
}

func (s *Store) ResetStuckCalculations(_ context.Context, startedBefore time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var reset int64
	for id, c := range s.cohorts {
		if c.IsCalculating && c.CalculationStartedAt != nil && c.CalculationStartedAt.Before(startedBefore) {
			c.IsCalculating = false
			c.ErrorsCalculating++
			s.cohorts[id] = c
			reset++
		}
	}
	return reset, nil
}

func (s *Store) AppendMembershipRows(_ context.Context, cohortID, teamID, version int64, deltas []store.MembershipDelta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range deltas {
		s.rows = append(s.rows, store.MembershipRow{
			CohortID: cohortID, TeamID: teamID, PersonID: d.PersonID, Version: version, Sign: d.Sign,
		})
	}
	return nil
}

// MembershipRows returns a copy of the sign log of a cohort in append order.
func (s *Store) MembershipRows(cohortID int64) []store.MembershipRow {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]store.MembershipRow, 0)
	for _, row := range s.rows {
		if row.CohortID == cohortID {
			out = append(out, row)
		}
	}
	return out
}

// committedSumsLocked sums signs per person over committed versions <= upTo.
func (s *Store) committedSumsLocked(teamID, cohortID, upTo int64) map[uuid.UUID]int {
	sums := make(map[uuid.UUID]int)
	for _, row := range s.rows {
		if row.CohortID != cohortID || row.TeamID != teamID || row.Version > upTo {
			continue
		}
		if _, committed := s.versions[versionKey{cohortID, row.Version}]; !committed {
			continue
		}
		sums[row.PersonID] += int(row.Sign)
	}
	return sums
}

func (s *Store) CommittedMembers(teamID, cohortID, upToVersion int64, batchSize int) store.Cursor {
	return store.NewKeysetCursor(func(_ context.Context, after uuid.UUID, limit int) ([]uuid.UUID, error) {
		s.mu.RLock()
		sums := s.committedSumsLocked(teamID, cohortID, upToVersion)
		s.mu.RUnlock()

		ids := make([]uuid.UUID, 0, len(sums))
		for id, sum := range sums {
			if sum > 0 && bytes.Compare(id[:], after[:]) > 0 {
				ids = append(ids, id)
			}
		}
		sort.Slice(ids, func(i, j int) bool { return bytes.Compare(ids[i][:], ids[j][:]) < 0 })
		if len(ids) > limit {
			ids = ids[:limit]
		}
		return ids, nil
	}, batchSize)
}

func (s *Store) MatchingPersons(teamID int64, expr predicate.Expr, batchSize int) store.Cursor {
	return store.NewKeysetCursor(func(_ context.Context, after uuid.UUID, limit int) ([]uuid.UUID, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		start := sort.Search(len(s.sorted), func(i int) bool { return bytes.Compare(s.sorted[i][:], after[:]) > 0 })
		page := make([]uuid.UUID, 0, limit)
		for _, id := range s.sorted[start:] {
			if len(page) == limit {
				break
			}
			person := s.persons[id]
			if person.TeamID == teamID && s.evalLocked(expr, person) {
				page = append(page, id)
			}
		}
		return page, nil
	}, batchSize)
}

// CheckPatterns returns expr unchanged; the compiler already rejects every
// regex the in-memory evaluator cannot run.
func (s *Store) CheckPatterns(_ context.Context, expr predicate.Expr) (predicate.Expr, error) {
	return expr, nil
}

func (s *Store) IsMember(_ context.Context, teamID int64, expr predicate.Expr, personID uuid.UUID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	person, ok := s.persons[personID]
	if !ok || person.TeamID != teamID {
		return false, nil
	}
	return s.evalLocked(expr, person), nil
}

func (s *Store) InsertStaticMembers(_ context.Context, cohortID, teamID int64, personIDs []uuid.UUID, _ int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var inserted int64
	for _, id := range personIDs {
		if id == uuid.Nil {
			continue
		}
		key := staticKey{cohortID: cohortID, personID: id}
		if _, exists := s.static[key]; exists {
			continue
		}
		s.static[key] = store.StaticCohortPerson{
			ID: s.nextIDLocked(), PersonID: id, CohortID: cohortID, TeamID: teamID, Timestamp: s.now().UTC(),
		}
		inserted++
	}
	return inserted, nil
}

func (s *Store) ListStaticMembers(_ context.Context, teamID, cohortID int64, after uuid.UUID, limit int) ([]store.StaticCohortPerson, error) {
	if limit <= 0 {
		limit = 100
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]store.StaticCohortPerson, 0)
	for key, member := range s.static {
		if key.cohortID == cohortID && member.TeamID == teamID && bytes.Compare(key.personID[:], after[:]) > 0 {
			out = append(out, member)
		}
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i].PersonID[:], out[j].PersonID[:]) < 0 })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) PersonIDsForDistinctIDs(_ context.Context, teamID int64, distinctIDs []string) (map[string]uuid.UUID, error) {
	wanted := make(map[string]struct{}, len(distinctIDs))
	for _, id := range distinctIDs {
		if id = strings.TrimSpace(id); id != "" {
			wanted[id] = struct{}{}
		}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]uuid.UUID, len(wanted))
	latest := make(map[string]time.Time, len(wanted))
	for _, e := range s.events {
		if e.TeamID != teamID || e.PersonID == uuid.Nil {
			continue
		}
		if _, ok := wanted[e.DistinctID]; !ok {
			continue
		}
		if seen, ok := latest[e.DistinctID]; ok && !e.Timestamp.After(seen) {
			continue
		}
		latest[e.DistinctID] = e.Timestamp
		out[e.DistinctID] = e.PersonID
	}
	return out, nil
}

func sameGroups(a, b predicate.Definition) bool {
	left, errLeft := encode(a)
	right, errRight := encode(b)
	return errLeft == nil && errRight == nil && bytes.Equal(left, right)
}
