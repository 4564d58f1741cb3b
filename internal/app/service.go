package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"cohorts/engine/internal/blob"
	"cohorts/engine/internal/cohort"
	"cohorts/engine/internal/config"
	"cohorts/engine/internal/lease"
	"cohorts/engine/internal/logger"
	"cohorts/engine/internal/materialize"
	"cohorts/engine/internal/metrics"
	"cohorts/engine/internal/precalc"
	"cohorts/engine/internal/predicate"
	"cohorts/engine/internal/store"
)

const (
	staleSweepLimit   = 100
	maxUnmatchedIDs   = 100
	leaseReleaseAfter = 5 * time.Second
)

type dataStore interface {
	cohort.Catalog
	materialize.Store
	CreateCohort(context.Context, store.Cohort) (store.Cohort, error)
	UpdateCohort(context.Context, store.Cohort) (store.Cohort, error)
	ListCohorts(context.Context, int64) ([]store.Cohort, error)
	DeleteCohort(context.Context, int64, int64) error
	ListStaleCohorts(context.Context, time.Time, int) ([]store.Cohort, error)
	BeginCalculation(context.Context, int64, int64) (store.Cohort, error)
	ResetStuckCalculations(context.Context, time.Time) (int64, error)
	CreateAction(context.Context, int64, predicate.Action) (predicate.Action, error)
	IsMember(context.Context, int64, predicate.Expr, uuid.UUID) (bool, error)
	CheckPatterns(context.Context, predicate.Expr) (predicate.Expr, error)
	InsertStaticMembers(context.Context, int64, int64, []uuid.UUID, int) (int64, error)
	ListStaticMembers(context.Context, int64, int64, uuid.UUID, int) ([]store.StaticCohortPerson, error)
	PersonIDsForDistinctIDs(context.Context, int64, []string) (map[string]uuid.UUID, error)
	Ping(ctx context.Context) error
}

// Locker grants exclusive calculation leases per cohort.
type Locker interface {
	Acquire(ctx context.Context, cohortID int64) (*lease.Lease, error)
	Extend(ctx context.Context, l *lease.Lease) error
	Release(ctx context.Context, l *lease.Lease) error
	Ping(ctx context.Context) error
	TTL() time.Duration
}

// Deps are the collaborators of a Service. Locker and Blobs are optional.
type Deps struct {
	Store   dataStore
	Locker  Locker
	Blobs   blob.Source
	Logger  *logger.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
}

type Service struct {
	cfg          config.Config
	store        dataStore
	locker       Locker
	blobs        blob.Source
	log          *logger.Logger
	metrics      *metrics.Metrics
	now          func() time.Time
	gate         *precalc.Gate
	resolver     *cohort.Resolver
	materializer *materialize.Materializer

	// background recalculations
	bgCtx    context.Context
	bgCancel context.CancelFunc
	bg       sync.WaitGroup
}

func New(cfg config.Config, deps Deps) *Service {
	log := deps.Logger
	if log == nil {
		log = logger.Nop()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	gate := precalc.NewGate(cfg.Precalc())
	bgCtx, bgCancel := context.WithCancel(context.Background())
	return &Service{
		cfg:          cfg,
		store:        deps.Store,
		locker:       deps.Locker,
		blobs:        deps.Blobs,
		log:          log,
		metrics:      deps.Metrics,
		now:          now,
		gate:         gate,
		resolver:     cohort.NewResolver(deps.Store, predicate.NewCompiler(now), gate),
		materializer: materialize.New(deps.Store, log, deps.Metrics, now),
		bgCtx:        bgCtx,
		bgCancel:     bgCancel,
	}
}

// Close cancels background recalculations and waits for them to finish or
// for ctx to expire.
func (s *Service) Close(ctx context.Context) error {
	s.bgCancel()
	done := make(chan struct{})
	go func() {
		s.bg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// PingLocker checks the lease backend. It reports false when leasing is disabled.
func (s *Service) PingLocker(ctx context.Context) (bool, error) {
	if s.locker == nil {
		return false, nil
	}
	return true, s.locker.Ping(ctx)
}

type CohortInput struct {
	Name        string            `json:"name"`
	Description string            `json:"description"`
	IsStatic    bool              `json:"is_static"`
	Groups      []predicate.Group `json:"groups"`
}

type ActionInput struct {
	Name  string                 `json:"name"`
	Steps []predicate.ActionStep `json:"steps"`
}

func (s *Service) CreateCohort(ctx context.Context, teamID int64, input CohortInput) (store.Cohort, error) {
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return store.Cohort{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name is required", nil)
	}

	candidate := store.Cohort{
		TeamID:      teamID,
		Name:        name,
		Description: strings.TrimSpace(input.Description),
		IsStatic:    input.IsStatic,
		Groups:      predicate.Definition{Groups: input.Groups},
	}
	if !candidate.IsStatic {
		if _, err := s.resolver.Resolve(ctx, candidate); err != nil {
			return store.Cohort{}, err
		}
	}

	created, err := s.store.CreateCohort(ctx, candidate)
	if err != nil {
		return store.Cohort{}, err
	}
	s.log.Info("cohort created", "team_id", teamID, "cohort_id", created.ID, "is_static", created.IsStatic)

	if !created.IsStatic && s.cfg.RecalculateOnWrite {
		s.RecalculateAsync(teamID, created.ID)
	}
	return created, nil
}

// UpdateCohort replaces a cohort's name, description and definition. The new
// definition is validated, cycles included, before anything is written.
func (s *Service) UpdateCohort(ctx context.Context, teamID, cohortID int64, input CohortInput) (store.Cohort, error) {
	existing, err := s.liveCohort(ctx, teamID, cohortID)
	if err != nil {
		return store.Cohort{}, err
	}
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return store.Cohort{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name is required", nil)
	}
	if input.IsStatic != existing.IsStatic {
		return store.Cohort{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "is_static cannot be changed", nil)
	}

	candidate := existing
	candidate.Name = name
	candidate.Description = strings.TrimSpace(input.Description)
	candidate.Groups = predicate.Definition{Groups: input.Groups}
	if !candidate.IsStatic {
		if _, err := s.resolver.Resolve(ctx, candidate); err != nil {
			return store.Cohort{}, err
		}
	}

	updated, err := s.store.UpdateCohort(ctx, candidate)
	if err != nil {
		return store.Cohort{}, err
	}
	if updated.DefinitionVersion != existing.DefinitionVersion {
		s.log.Info("cohort definition changed", "team_id", teamID, "cohort_id", cohortID, "definition_version", updated.DefinitionVersion)
		if !updated.IsStatic && s.cfg.RecalculateOnWrite {
			s.RecalculateAsync(teamID, cohortID)
		}
	}
	return updated, nil
}

func (s *Service) GetCohort(ctx context.Context, teamID, cohortID int64) (store.Cohort, error) {
	return s.liveCohort(ctx, teamID, cohortID)
}

func (s *Service) ListCohorts(ctx context.Context, teamID int64) ([]store.Cohort, error) {
	return s.store.ListCohorts(ctx, teamID)
}

func (s *Service) DeleteCohort(ctx context.Context, teamID, cohortID int64) error {
	if err := s.store.DeleteCohort(ctx, teamID, cohortID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return errCohortNotFound
		}
		return err
	}
	s.log.Info("cohort deleted", "team_id", teamID, "cohort_id", cohortID)
	return nil
}

func (s *Service) CreateAction(ctx context.Context, teamID int64, input ActionInput) (predicate.Action, error) {
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return predicate.Action{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name is required", nil)
	}
	if len(input.Steps) == 0 {
		return predicate.Action{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "at least one step is required", nil)
	}
	return s.store.CreateAction(ctx, teamID, predicate.Action{Name: name, Steps: input.Steps})
}

func (s *Service) liveCohort(ctx context.Context, teamID, cohortID int64) (store.Cohort, error) {
	c, err := s.store.GetCohort(ctx, teamID, cohortID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && c.Deleted) {
		return store.Cohort{}, errCohortNotFound
	}
	if err != nil {
		return store.Cohort{}, err
	}
	return c, nil
}

// Recalculate materializes a new membership version of a dynamic cohort and
// waits for it to commit. Definition errors are returned before the cohort is
// marked as calculating.
func (s *Service) Recalculate(ctx context.Context, teamID, cohortID int64) (materialize.Result, error) {
	c, expr, err := s.prepareRecalculation(ctx, teamID, cohortID)
	if err != nil {
		return materialize.Result{}, err
	}

	if s.locker != nil {
		held, err := s.locker.Acquire(ctx, cohortID)
		if errors.Is(err, lease.ErrHeld) {
			s.metrics.LeaseContended()
			return materialize.Result{}, err
		}
		if err != nil {
			return materialize.Result{}, err
		}
		stop := s.keepLease(ctx, held)
		defer func() {
			stop()
			releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), leaseReleaseAfter)
			defer cancel()
			if err := s.locker.Release(releaseCtx, held); err != nil {
				s.log.Warn("release calculation lease", "cohort_id", cohortID, "error", err)
			}
		}()
	}

	begun, err := s.store.BeginCalculation(ctx, teamID, cohortID)
	if err != nil {
		return materialize.Result{}, fmt.Errorf("begin calculation of cohort %d: %w", cohortID, err)
	}
	if begun.DefinitionVersion != c.DefinitionVersion {
		// Edited between validation and begin; run against what was begun.
		expr, err = s.resolver.Resolve(ctx, begun)
		if err != nil {
			abortCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), leaseReleaseAfter)
			defer cancel()
			if abortErr := s.store.AbortCalculation(abortCtx, teamID, cohortID, begun.PendingVersion, false); abortErr != nil {
				s.log.Error("reset calculating flag", "cohort_id", cohortID, "version", begun.PendingVersion, "error", abortErr)
			}
			return materialize.Result{}, err
		}
	}

	return s.materializer.Materialize(ctx, begun, expr, begun.PendingVersion, s.cfg.BatchSize)
}

// ValidateRecalculation returns the error Recalculate would report before
// doing any work, without starting a run.
func (s *Service) ValidateRecalculation(ctx context.Context, teamID, cohortID int64) error {
	_, _, err := s.prepareRecalculation(ctx, teamID, cohortID)
	return err
}

func (s *Service) prepareRecalculation(ctx context.Context, teamID, cohortID int64) (store.Cohort, predicate.Expr, error) {
	c, err := s.liveCohort(ctx, teamID, cohortID)
	if err != nil {
		return store.Cohort{}, nil, err
	}
	if c.IsStatic {
		return store.Cohort{}, nil, domainError(http.StatusConflict, "STATIC_COHORT", "static cohorts are not recalculated", nil)
	}
	expr, err := s.resolver.Resolve(ctx, c)
	if err != nil {
		return store.Cohort{}, nil, err
	}
	return c, expr, nil
}

// keepLease extends the lease at a third of its TTL until stop is called.
func (s *Service) keepLease(ctx context.Context, held *lease.Lease) (stop func()) {
	interval := s.locker.TTL() / 3
	if interval <= 0 {
		return func() {}
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.locker.Extend(ctx, held); err != nil {
					if ctx.Err() == nil {
						s.log.Warn("extend calculation lease", "cohort_id", held.CohortID, "error", err)
					}
					return
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// RecalculateAsync schedules a recalculation and returns immediately.
func (s *Service) RecalculateAsync(teamID, cohortID int64) {
	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		_, err := s.Recalculate(s.bgCtx, teamID, cohortID)
		switch {
		case err == nil:
		case errors.Is(err, lease.ErrHeld), errors.Is(err, store.ErrVersionConflict):
			s.log.Info("background recalculation skipped", "team_id", teamID, "cohort_id", cohortID, "reason", err.Error())
		default:
			s.log.Error("background recalculation failed", "team_id", teamID, "cohort_id", cohortID, "error", err)
		}
	}()
}

type StaleReport struct {
	Recalculated []int64          `json:"recalculated"`
	Skipped      []int64          `json:"skipped"`
	Failed       map[int64]string `json:"failed"`
}

// RecalculateStale recalculates cohorts that were never calculated or are
// older than the configured staleness. Cohorts referenced by other stale
// cohorts run first; independent cohorts run in parallel.
func (s *Service) RecalculateStale(ctx context.Context) (StaleReport, error) {
	report := StaleReport{Failed: map[int64]string{}}
	staleAfter := s.cfg.StaleAfter
	if staleAfter <= 0 {
		staleAfter = 24 * time.Hour
	}
	cohorts, err := s.store.ListStaleCohorts(ctx, s.now().Add(-staleAfter), staleSweepLimit)
	if err != nil {
		return report, err
	}

	byID := make(map[int64]store.Cohort, len(cohorts))
	deps := make(map[int64][]int64, len(cohorts))
	for _, c := range cohorts {
		refs, err := s.resolver.ReferencedCohorts(ctx, c)
		if err != nil {
			if IsValidationError(err) {
				report.Failed[c.ID] = err.Error()
				continue
			}
			return report, err
		}
		byID[c.ID] = c
		deps[c.ID] = refs
	}

	levels, err := cohort.Levels(deps)
	if err != nil {
		return report, err
	}

	parallelism := s.cfg.RecalcParallelism
	if parallelism <= 0 {
		parallelism = 1
	}
	var mu sync.Mutex
	for _, level := range levels {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(parallelism)
		for _, id := range level {
			c := byID[id]
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				_, err := s.Recalculate(gctx, c.TeamID, c.ID)
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					report.Recalculated = append(report.Recalculated, c.ID)
				case errors.Is(err, lease.ErrHeld), errors.Is(err, store.ErrVersionConflict):
					report.Skipped = append(report.Skipped, c.ID)
				default:
					report.Failed[c.ID] = err.Error()
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return report, err
		}
	}

	s.log.Info("stale cohorts recalculated",
		"recalculated", len(report.Recalculated), "skipped", len(report.Skipped), "failed", len(report.Failed))
	return report, nil
}

// ResetStuckCalculations clears calculating flags left by workers that died.
func (s *Service) ResetStuckCalculations(ctx context.Context) (int64, error) {
	stuckAfter := s.cfg.StuckAfter
	if stuckAfter <= 0 {
		stuckAfter = time.Hour
	}
	n, err := s.store.ResetStuckCalculations(ctx, s.now().Add(-stuckAfter))
	if err != nil {
		return 0, err
	}
	s.metrics.StuckReset(n)
	if n > 0 {
		s.log.Warn("reset stuck cohort calculations", "count", n)
	}
	return n, nil
}

func (s *Service) staticCohort(ctx context.Context, teamID, cohortID int64) error {
	c, err := s.liveCohort(ctx, teamID, cohortID)
	if err != nil {
		return err
	}
	if !c.IsStatic {
		return domainError(http.StatusConflict, "NOT_STATIC", "cohort is not static", nil)
	}
	return nil
}

// InsertStaticMembers adds persons to a static cohort. Re-inserting a member is a no-op.
func (s *Service) InsertStaticMembers(ctx context.Context, teamID, cohortID int64, personIDs []uuid.UUID) (int64, error) {
	if err := s.staticCohort(ctx, teamID, cohortID); err != nil {
		return 0, err
	}
	n, err := s.store.InsertStaticMembers(ctx, cohortID, teamID, personIDs, s.cfg.StaticBatchSize)
	s.metrics.AddStaticMembers(n)
	if err != nil {
		return n, fmt.Errorf("insert static members of cohort %d: %w", cohortID, err)
	}
	s.log.Info("static members inserted", "team_id", teamID, "cohort_id", cohortID, "requested", len(personIDs), "inserted", n)
	return n, nil
}

func (s *Service) ListStaticMembers(ctx context.Context, teamID, cohortID int64, after uuid.UUID, limit int) ([]store.StaticCohortPerson, error) {
	if err := s.staticCohort(ctx, teamID, cohortID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	return s.store.ListStaticMembers(ctx, teamID, cohortID, after, limit)
}

type ImportResult struct {
	Rows      int      `json:"rows"`
	Matched   int      `json:"matched"`
	Inserted  int64    `json:"inserted"`
	Unmatched []string `json:"unmatched,omitempty"`
}

// ImportStaticCSV adds the persons behind an uploaded CSV of distinct ids.
func (s *Service) ImportStaticCSV(ctx context.Context, teamID, cohortID int64, key string) (ImportResult, error) {
	if s.blobs == nil {
		return ImportResult{}, domainError(http.StatusServiceUnavailable, "IMPORT_UNAVAILABLE", "object storage is not configured", nil)
	}
	if err := s.staticCohort(ctx, teamID, cohortID); err != nil {
		return ImportResult{}, err
	}
	body, err := s.blobs.Open(ctx, key)
	if errors.Is(err, blob.ErrNotFound) {
		return ImportResult{}, domainError(http.StatusNotFound, "UPLOAD_NOT_FOUND", "uploaded file not found", map[string]any{"key": key})
	}
	if err != nil {
		return ImportResult{}, err
	}
	defer body.Close()
	return s.importDistinctIDs(ctx, teamID, cohortID, body)
}

// ImportStaticCSVReader is ImportStaticCSV for a CSV supplied directly.
func (s *Service) ImportStaticCSVReader(ctx context.Context, teamID, cohortID int64, r io.Reader) (ImportResult, error) {
	if err := s.staticCohort(ctx, teamID, cohortID); err != nil {
		return ImportResult{}, err
	}
	return s.importDistinctIDs(ctx, teamID, cohortID, r)
}

func (s *Service) importDistinctIDs(ctx context.Context, teamID, cohortID int64, r io.Reader) (ImportResult, error) {
	distinctIDs, err := blob.ReadDistinctIDs(r)
	if err != nil {
		return ImportResult{}, domainError(http.StatusUnprocessableEntity, "INVALID_CSV", err.Error(), nil)
	}
	result := ImportResult{Rows: len(distinctIDs)}
	if len(distinctIDs) == 0 {
		return result, nil
	}

	mapping, err := s.store.PersonIDsForDistinctIDs(ctx, teamID, distinctIDs)
	if err != nil {
		return result, err
	}
	seen := make(map[uuid.UUID]bool, len(mapping))
	personIDs := make([]uuid.UUID, 0, len(mapping))
	for _, distinctID := range distinctIDs {
		personID, ok := mapping[distinctID]
		if !ok {
			if len(result.Unmatched) < maxUnmatchedIDs {
				result.Unmatched = append(result.Unmatched, distinctID)
			}
			continue
		}
		result.Matched++
		if !seen[personID] {
			seen[personID] = true
			personIDs = append(personIDs, personID)
		}
	}

	inserted, err := s.store.InsertStaticMembers(ctx, cohortID, teamID, personIDs, s.cfg.StaticBatchSize)
	result.Inserted = inserted
	s.metrics.AddStaticMembers(inserted)
	if err != nil {
		return result, fmt.Errorf("import static members of cohort %d: %w", cohortID, err)
	}
	s.log.Info("static cohort imported", "team_id", teamID, "cohort_id", cohortID,
		"rows", result.Rows, "matched", result.Matched, "inserted", inserted)
	return result, nil
}

// membershipExpr is the cheapest correct predicate for reading a cohort's
// members: the static table, the committed precalculated version, or the live
// definition.
func (s *Service) membershipExpr(ctx context.Context, teamID, cohortID int64) (predicate.Expr, error) {
	c, err := s.liveCohort(ctx, teamID, cohortID)
	if err != nil {
		return nil, err
	}
	switch {
	case c.IsStatic:
		return predicate.InStatic{CohortID: c.ID}, nil
	case s.gate.ShouldUsePrecalculated(c):
		return predicate.InPrecalculated{CohortID: c.ID}, nil
	}
	return s.resolver.Resolve(ctx, c)
}

// MembershipFragment renders "personColumn IN (members of the cohort)" for
// embedding in an analytical query. Placeholders start at $startArg.
func (s *Service) MembershipFragment(ctx context.Context, teamID, cohortID int64, personColumn string, startArg int) (store.Fragment, error) {
	expr, err := s.membershipExpr(ctx, teamID, cohortID)
	if err != nil {
		return store.Fragment{}, err
	}
	if expr, err = s.store.CheckPatterns(ctx, expr); err != nil {
		return store.Fragment{}, err
	}
	fragment, err := store.RenderMembership(expr, teamID, personColumn, startArg)
	if err != nil {
		return store.Fragment{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
	}
	return fragment, nil
}

// ResolvePredicateSQL renders the cohort's live definition over the persons
// alias p, ignoring precalculated membership.
func (s *Service) ResolvePredicateSQL(ctx context.Context, teamID, cohortID int64, startArg int) (store.Fragment, error) {
	c, err := s.liveCohort(ctx, teamID, cohortID)
	if err != nil {
		return store.Fragment{}, err
	}
	expr, err := s.resolver.Resolve(ctx, c)
	if err != nil {
		return store.Fragment{}, err
	}
	if expr, err = s.store.CheckPatterns(ctx, expr); err != nil {
		return store.Fragment{}, err
	}
	return store.Render(expr, teamID, startArg), nil
}

func (s *Service) IsMember(ctx context.Context, teamID, cohortID int64, personID uuid.UUID) (bool, error) {
	expr, err := s.membershipExpr(ctx, teamID, cohortID)
	if err != nil {
		return false, err
	}
	return s.store.IsMember(ctx, teamID, expr, personID)
}
