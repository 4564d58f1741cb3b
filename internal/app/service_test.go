package app

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"cohorts/engine/internal/blob"
	"cohorts/engine/internal/cohort"
	"cohorts/engine/internal/config"
	"cohorts/engine/internal/lease"
	"cohorts/engine/internal/memstore"
	"cohorts/engine/internal/metrics"
	"cohorts/engine/internal/predicate"
	"cohorts/engine/internal/store"
)

const team = int64(1)

var testNow = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeBlobs map[string]string

func (f fakeBlobs) Open(_ context.Context, key string) (io.ReadCloser, error) {
	body, ok := f[key]
	if !ok {
		return nil, blob.ErrNotFound
	}
	return io.NopCloser(strings.NewReader(body)), nil
}

type testEnv struct {
	svc   *Service
	data  *memstore.Store
	clock *testClock
}

func testConfig() config.Config {
	return config.Config{
		BatchSize:         2,
		StaticBatchSize:   2,
		StaleAfter:        time.Hour,
		StuckAfter:        time.Hour,
		RecalcParallelism: 2,
	}
}

func newTestEnv(t *testing.T, cfg config.Config, deps Deps) *testEnv {
	t.Helper()
	clock := &testClock{now: testNow}
	data := memstore.New(clock.Now)
	deps.Store = data
	deps.Now = clock.Now
	if deps.Metrics == nil {
		deps.Metrics = metrics.New(prometheus.NewRegistry())
	}
	svc := New(cfg, deps)
	t.Cleanup(func() { _ = svc.Close(context.Background()) })
	return &testEnv{svc: svc, data: data, clock: clock}
}

func person(b byte) uuid.UUID { return uuid.UUID{15: b} }

func (e *testEnv) addPerson(b byte, props map[string]any) uuid.UUID {
	id := person(b)
	e.data.AddPerson(memstore.Person{ID: id, TeamID: team, Properties: props})
	return id
}

func emailContains(value string) []predicate.Group {
	return []predicate.Group{{Properties: []predicate.Property{{Key: "email", Operator: predicate.OpIContains, Value: value}}}}
}

func refersTo(id int64) []predicate.Group {
	return []predicate.Group{{Properties: []predicate.Property{{Key: "id", Type: predicate.PropertyCohort, Value: float64(id)}}}}
}

func mustCreate(t *testing.T, svc *Service, input CohortInput) store.Cohort {
	t.Helper()
	c, err := svc.CreateCohort(context.Background(), team, input)
	if err != nil {
		t.Fatalf("CreateCohort(%s) failed: %v", input.Name, err)
	}
	return c
}

func wantDomainError(t *testing.T, err error, status int, code string) {
	t.Helper()
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected DomainError %s, got %v", code, err)
	}
	if domainErr.Status != status || domainErr.Code != code {
		t.Fatalf("expected %d %s, got %d %s", status, code, domainErr.Status, domainErr.Code)
	}
}

func TestCreateCohortRejectsInvalidCountOperator(t *testing.T) {
	env := newTestEnv(t, testConfig(), Deps{})
	count := predicate.FlexInt(3)

	_, err := env.svc.CreateCohort(context.Background(), team, CohortInput{
		Name:   "frequent",
		Groups: []predicate.Group{{EventID: "$pageview", Count: &count, CountOperator: "between"}},
	})

	var countErr *predicate.InvalidCountOperatorError
	if !errors.As(err, &countErr) {
		t.Fatalf("expected InvalidCountOperatorError, got %v", err)
	}
	cohorts, _ := env.svc.ListCohorts(context.Background(), team)
	if len(cohorts) != 0 {
		t.Fatalf("invalid cohort must not be stored, found %d", len(cohorts))
	}
}

func TestCreateCohortRequiresName(t *testing.T) {
	env := newTestEnv(t, testConfig(), Deps{})
	_, err := env.svc.CreateCohort(context.Background(), team, CohortInput{Name: "  "})
	wantDomainError(t, err, http.StatusUnprocessableEntity, "VALIDATION_ERROR")
}

func TestUpdateCohortRejectsCycleBeforeWrite(t *testing.T) {
	env := newTestEnv(t, testConfig(), Deps{})
	ctx := context.Background()
	a := mustCreate(t, env.svc, CohortInput{Name: "a", Groups: emailContains("corp")})
	b := mustCreate(t, env.svc, CohortInput{Name: "b", Groups: refersTo(a.ID)})

	_, err := env.svc.UpdateCohort(ctx, team, a.ID, CohortInput{Name: "a", Groups: refersTo(b.ID)})

	var cycleErr *cohort.CyclicCohortError
	if !errors.As(err, &cycleErr) {
		t.Fatalf("expected CyclicCohortError, got %v", err)
	}
	stored, err := env.svc.GetCohort(ctx, team, a.ID)
	if err != nil {
		t.Fatalf("GetCohort failed: %v", err)
	}
	if stored.DefinitionVersion != a.DefinitionVersion || stored.Groups.Groups[0].Properties[0].Key != "email" {
		t.Fatalf("cohort was modified despite the cycle: %+v", stored.Groups)
	}
}

func TestUpdateCohortCannotToggleStatic(t *testing.T) {
	env := newTestEnv(t, testConfig(), Deps{})
	c := mustCreate(t, env.svc, CohortInput{Name: "uploaded", IsStatic: true})
	_, err := env.svc.UpdateCohort(context.Background(), team, c.ID, CohortInput{Name: "uploaded"})
	wantDomainError(t, err, http.StatusUnprocessableEntity, "VALIDATION_ERROR")
}

func TestRecalculateMaterializesMembership(t *testing.T) {
	env := newTestEnv(t, testConfig(), Deps{})
	ctx := context.Background()
	alice := env.addPerson(1, map[string]any{"email": "alice@corp.com"})
	bob := env.addPerson(2, map[string]any{"email": "bob@home.net"})
	c := mustCreate(t, env.svc, CohortInput{Name: "corp", Groups: emailContains("corp")})

	result, err := env.svc.Recalculate(ctx, team, c.ID)
	if err != nil {
		t.Fatalf("Recalculate failed: %v", err)
	}
	if result.Version != 1 || result.Size != 1 || result.Added != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}

	stored, _ := env.svc.GetCohort(ctx, team, c.ID)
	if stored.IsCalculating || stored.CommittedVersion != 1 || stored.Count == nil || *stored.Count != 1 {
		t.Fatalf("unexpected cohort state after commit: %+v", stored)
	}

	if member, _ := env.svc.IsMember(ctx, team, c.ID, alice); !member {
		t.Error("alice should be a member")
	}
	if member, _ := env.svc.IsMember(ctx, team, c.ID, bob); member {
		t.Error("bob should not be a member")
	}
}

func TestIsMemberReadsPrecalculatedVersionWhenGateAllows(t *testing.T) {
	cfg := testConfig()
	cfg.UsePrecalculated = true
	cfg.PrecalcCutover = testNow.Add(-24 * time.Hour)
	env := newTestEnv(t, cfg, Deps{})
	ctx := context.Background()
	env.addPerson(1, map[string]any{"email": "alice@corp.com"})
	bob := env.addPerson(2, map[string]any{"email": "bob@home.net"})
	c := mustCreate(t, env.svc, CohortInput{Name: "corp", Groups: emailContains("corp")})

	// Not calculated yet: the live definition answers.
	env.addPerson(2, map[string]any{"email": "bob@corp.com"})
	if member, _ := env.svc.IsMember(ctx, team, c.ID, bob); !member {
		t.Fatal("live evaluation should see bob's new email")
	}

	env.addPerson(2, map[string]any{"email": "bob@home.net"})
	if _, err := env.svc.Recalculate(ctx, team, c.ID); err != nil {
		t.Fatalf("Recalculate failed: %v", err)
	}

	// Calculated after the cutover: the committed version answers until the next run.
	env.addPerson(2, map[string]any{"email": "bob@corp.com"})
	if member, _ := env.svc.IsMember(ctx, team, c.ID, bob); member {
		t.Fatal("precalculated membership should not see changes since the last run")
	}

	if _, err := env.svc.Recalculate(ctx, team, c.ID); err != nil {
		t.Fatalf("Recalculate failed: %v", err)
	}
	if member, _ := env.svc.IsMember(ctx, team, c.ID, bob); !member {
		t.Fatal("bob should be a member after recalculation")
	}
}

func TestRecalculateRejectsStaticAndDeletedCohorts(t *testing.T) {
	env := newTestEnv(t, testConfig(), Deps{})
	ctx := context.Background()

	static := mustCreate(t, env.svc, CohortInput{Name: "uploaded", IsStatic: true})
	_, err := env.svc.Recalculate(ctx, team, static.ID)
	wantDomainError(t, err, http.StatusConflict, "STATIC_COHORT")

	dynamic := mustCreate(t, env.svc, CohortInput{Name: "corp", Groups: emailContains("corp")})
	if err := env.svc.DeleteCohort(ctx, team, dynamic.ID); err != nil {
		t.Fatalf("DeleteCohort failed: %v", err)
	}
	_, err = env.svc.Recalculate(ctx, team, dynamic.ID)
	wantDomainError(t, err, http.StatusNotFound, "NOT_FOUND")

	err = env.svc.DeleteCohort(ctx, team, dynamic.ID)
	wantDomainError(t, err, http.StatusNotFound, "NOT_FOUND")
}

func TestRecalculateReportsMissingActionBeforeStarting(t *testing.T) {
	env := newTestEnv(t, testConfig(), Deps{})
	ctx := context.Background()
	action, err := env.svc.CreateAction(ctx, team, ActionInput{Name: "signup", Steps: []predicate.ActionStep{{Event: "signed_up"}}})
	if err != nil {
		t.Fatalf("CreateAction failed: %v", err)
	}
	actionID := action.ID
	c := mustCreate(t, env.svc, CohortInput{Name: "signed up", Groups: []predicate.Group{{ActionID: &actionID}}})

	if err := env.data.DeleteAction(ctx, team, actionID); err != nil {
		t.Fatalf("DeleteAction failed: %v", err)
	}

	_, err = env.svc.Recalculate(ctx, team, c.ID)
	var missing *predicate.MissingActionError
	if !errors.As(err, &missing) || missing.ActionID != actionID {
		t.Fatalf("expected MissingActionError for %d, got %v", actionID, err)
	}
	stored, _ := env.svc.GetCohort(ctx, team, c.ID)
	if stored.IsCalculating || stored.PendingVersion != 0 {
		t.Fatalf("validation failure must not start a calculation: %+v", stored)
	}
}

func newTestLocker(t *testing.T) (*lease.RedisLocker, *miniredis.Miniredis) {
	t.Helper()
	s := miniredis.RunT(t)
	locker, err := lease.NewRedisLocker("redis://"+s.Addr(), "test", time.Minute)
	if err != nil {
		t.Fatalf("failed to create locker: %v", err)
	}
	t.Cleanup(func() { _ = locker.Close() })
	return locker, s
}

func TestRecalculateRespectsLease(t *testing.T) {
	locker, _ := newTestLocker(t)
	env := newTestEnv(t, testConfig(), Deps{Locker: locker})
	ctx := context.Background()
	env.addPerson(1, map[string]any{"email": "alice@corp.com"})
	c := mustCreate(t, env.svc, CohortInput{Name: "corp", Groups: emailContains("corp")})

	held, err := locker.Acquire(ctx, c.ID)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if _, err := env.svc.Recalculate(ctx, team, c.ID); !errors.Is(err, lease.ErrHeld) {
		t.Fatalf("expected ErrHeld, got %v", err)
	}
	stored, _ := env.svc.GetCohort(ctx, team, c.ID)
	if stored.IsCalculating {
		t.Fatal("a contended run must not mark the cohort as calculating")
	}

	if err := locker.Release(ctx, held); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if _, err := env.svc.Recalculate(ctx, team, c.ID); err != nil {
		t.Fatalf("Recalculate failed: %v", err)
	}
	if _, stillHeld, _ := locker.Inspect(ctx, c.ID); stillHeld {
		t.Fatal("lease should be released after the run")
	}
}

func TestStaticMembers(t *testing.T) {
	env := newTestEnv(t, testConfig(), Deps{})
	ctx := context.Background()
	alice := env.addPerson(1, nil)
	bob := env.addPerson(2, nil)
	static := mustCreate(t, env.svc, CohortInput{Name: "uploaded", IsStatic: true})

	n, err := env.svc.InsertStaticMembers(ctx, team, static.ID, []uuid.UUID{alice, bob, alice, uuid.Nil})
	if err != nil || n != 2 {
		t.Fatalf("expected 2 inserted, got %d (%v)", n, err)
	}
	n, err = env.svc.InsertStaticMembers(ctx, team, static.ID, []uuid.UUID{alice})
	if err != nil || n != 0 {
		t.Fatalf("re-insert must be a no-op, got %d (%v)", n, err)
	}

	members, err := env.svc.ListStaticMembers(ctx, team, static.ID, uuid.Nil, 10)
	if err != nil || len(members) != 2 {
		t.Fatalf("expected 2 members, got %d (%v)", len(members), err)
	}
	if member, _ := env.svc.IsMember(ctx, team, static.ID, bob); !member {
		t.Error("bob should be a static member")
	}

	dynamic := mustCreate(t, env.svc, CohortInput{Name: "corp", Groups: emailContains("corp")})
	_, err = env.svc.InsertStaticMembers(ctx, team, dynamic.ID, []uuid.UUID{alice})
	wantDomainError(t, err, http.StatusConflict, "NOT_STATIC")
}

func TestImportStaticCSV(t *testing.T) {
	env := newTestEnv(t, testConfig(), Deps{Blobs: fakeBlobs{
		"uploads/ok.csv": "distinct_id\nanon-1\nanon-2\nghost\nanon-1\n",
	}})
	ctx := context.Background()
	alice := env.addPerson(1, nil)
	env.data.AddEvent(memstore.Event{TeamID: team, Event: "$pageview", DistinctID: "anon-1", PersonID: alice, Timestamp: testNow})
	env.data.AddEvent(memstore.Event{TeamID: team, Event: "$pageview", DistinctID: "anon-2", PersonID: alice, Timestamp: testNow})
	static := mustCreate(t, env.svc, CohortInput{Name: "uploaded", IsStatic: true})

	result, err := env.svc.ImportStaticCSV(ctx, team, static.ID, "uploads/ok.csv")
	if err != nil {
		t.Fatalf("ImportStaticCSV failed: %v", err)
	}
	if result.Rows != 3 || result.Matched != 2 || result.Inserted != 1 {
		t.Fatalf("unexpected import result: %+v", result)
	}
	if len(result.Unmatched) != 1 || result.Unmatched[0] != "ghost" {
		t.Fatalf("expected ghost to be unmatched, got %v", result.Unmatched)
	}

	_, err = env.svc.ImportStaticCSV(ctx, team, static.ID, "uploads/missing.csv")
	wantDomainError(t, err, http.StatusNotFound, "UPLOAD_NOT_FOUND")

	result, err = env.svc.ImportStaticCSVReader(ctx, team, static.ID, strings.NewReader("anon-2\n"))
	if err != nil || result.Inserted != 0 || result.Matched != 1 {
		t.Fatalf("unexpected direct import result: %+v (%v)", result, err)
	}
}

func TestImportStaticCSVWithoutObjectStorage(t *testing.T) {
	env := newTestEnv(t, testConfig(), Deps{})
	static := mustCreate(t, env.svc, CohortInput{Name: "uploaded", IsStatic: true})
	_, err := env.svc.ImportStaticCSV(context.Background(), team, static.ID, "uploads/ok.csv")
	wantDomainError(t, err, http.StatusServiceUnavailable, "IMPORT_UNAVAILABLE")
}

func TestRecalculateStale(t *testing.T) {
	env := newTestEnv(t, testConfig(), Deps{})
	ctx := context.Background()
	env.addPerson(1, map[string]any{"email": "alice@corp.com"})
	base := mustCreate(t, env.svc, CohortInput{Name: "corp", Groups: emailContains("corp")})
	dependant := mustCreate(t, env.svc, CohortInput{Name: "corp again", Groups: refersTo(base.ID)})
	mustCreate(t, env.svc, CohortInput{Name: "uploaded", IsStatic: true})

	// Cycles can only be stored by bypassing validation.
	x, _ := env.data.CreateCohort(ctx, store.Cohort{TeamID: team, Name: "x"})
	y, _ := env.data.CreateCohort(ctx, store.Cohort{TeamID: team, Name: "y", Groups: predicate.Definition{Groups: refersTo(x.ID)}})
	x.Groups = predicate.Definition{Groups: refersTo(y.ID)}
	if _, err := env.data.UpdateCohort(ctx, x); err != nil {
		t.Fatalf("UpdateCohort failed: %v", err)
	}

	report, err := env.svc.RecalculateStale(ctx)
	if err != nil {
		t.Fatalf("RecalculateStale failed: %v", err)
	}
	if len(report.Recalculated) != 2 {
		t.Fatalf("expected 2 recalculated cohorts, got %+v", report)
	}
	if _, ok := report.Failed[x.ID]; !ok {
		t.Fatalf("expected cyclic cohort %d to fail, got %+v", x.ID, report.Failed)
	}
	for _, id := range []int64{base.ID, dependant.ID} {
		c, _ := env.svc.GetCohort(ctx, team, id)
		if c.CommittedVersion != 1 || c.Count == nil || *c.Count != 1 {
			t.Errorf("cohort %d not materialized: %+v", id, c)
		}
	}

	// Fresh cohorts are left alone.
	report, err = env.svc.RecalculateStale(ctx)
	if err != nil || len(report.Recalculated) != 0 {
		t.Fatalf("expected nothing stale, got %+v (%v)", report, err)
	}

	env.clock.Advance(2 * time.Hour)
	report, err = env.svc.RecalculateStale(ctx)
	if err != nil || len(report.Recalculated) != 2 {
		t.Fatalf("expected both cohorts stale again, got %+v (%v)", report, err)
	}
}

func TestResetStuckCalculations(t *testing.T) {
	env := newTestEnv(t, testConfig(), Deps{})
	ctx := context.Background()
	c := mustCreate(t, env.svc, CohortInput{Name: "corp", Groups: emailContains("corp")})
	if _, err := env.data.BeginCalculation(ctx, team, c.ID); err != nil {
		t.Fatalf("BeginCalculation failed: %v", err)
	}

	if n, _ := env.svc.ResetStuckCalculations(ctx); n != 0 {
		t.Fatalf("a fresh calculation is not stuck, reset %d", n)
	}

	env.clock.Advance(2 * time.Hour)
	n, err := env.svc.ResetStuckCalculations(ctx)
	if err != nil || n != 1 {
		t.Fatalf("expected 1 reset, got %d (%v)", n, err)
	}
	stored, _ := env.svc.GetCohort(ctx, team, c.ID)
	if stored.IsCalculating || stored.ErrorsCalculating != 1 {
		t.Fatalf("unexpected cohort after reset: %+v", stored)
	}
}

func TestMembershipFragmentSource(t *testing.T) {
	cfg := testConfig()
	cfg.UsePrecalculated = true
	env := newTestEnv(t, cfg, Deps{})
	ctx := context.Background()
	static := mustCreate(t, env.svc, CohortInput{Name: "uploaded", IsStatic: true})
	dynamic := mustCreate(t, env.svc, CohortInput{Name: "corp", Groups: emailContains("corp")})

	fragment, err := env.svc.MembershipFragment(ctx, team, static.ID, "e.person_id", 3)
	if err != nil {
		t.Fatalf("MembershipFragment failed: %v", err)
	}
	if !strings.HasPrefix(fragment.SQL, "e.person_id IN (") || !strings.Contains(fragment.SQL, "cohort_static_people") {
		t.Fatalf("expected static membership subquery, got %s", fragment.SQL)
	}
	if !strings.Contains(fragment.SQL, "$3") {
		t.Fatalf("placeholders should start at $3: %s", fragment.SQL)
	}

	fragment, err = env.svc.MembershipFragment(ctx, team, dynamic.ID, "e.person_id", 1)
	if err != nil {
		t.Fatalf("MembershipFragment failed: %v", err)
	}
	if strings.Contains(fragment.SQL, "cohort_membership") || strings.Contains(fragment.SQL, "corp") {
		t.Fatalf("uncalculated cohort should render its live predicate with bound values: %s", fragment.SQL)
	}

	if _, err := env.svc.Recalculate(ctx, team, dynamic.ID); err != nil {
		t.Fatalf("Recalculate failed: %v", err)
	}
	fragment, _ = env.svc.MembershipFragment(ctx, team, dynamic.ID, "e.person_id", 1)
	if !strings.Contains(fragment.SQL, "cohort_membership_versions") {
		t.Fatalf("calculated cohort should read precalculated membership: %s", fragment.SQL)
	}

	live, err := env.svc.ResolvePredicateSQL(ctx, team, dynamic.ID, 1)
	if err != nil || strings.Contains(live.SQL, "cohort_membership") {
		t.Fatalf("ResolvePredicateSQL must render the live definition: %s (%v)", live.SQL, err)
	}

	_, err = env.svc.MembershipFragment(ctx, team, dynamic.ID, "person_id; DROP TABLE persons", 1)
	wantDomainError(t, err, http.StatusUnprocessableEntity, "VALIDATION_ERROR")
}

func TestRecalculateAsyncCommits(t *testing.T) {
	env := newTestEnv(t, testConfig(), Deps{})
	ctx := context.Background()
	env.addPerson(1, map[string]any{"email": "alice@corp.com"})
	c := mustCreate(t, env.svc, CohortInput{Name: "corp", Groups: emailContains("corp")})

	env.svc.RecalculateAsync(team, c.ID)
	env.svc.bg.Wait()

	stored, _ := env.svc.GetCohort(ctx, team, c.ID)
	if stored.CommittedVersion != 1 {
		t.Fatalf("background recalculation did not commit: %+v", stored)
	}
}

func TestRecalculateOnWrite(t *testing.T) {
	cfg := testConfig()
	cfg.RecalculateOnWrite = true
	env := newTestEnv(t, cfg, Deps{})
	ctx := context.Background()
	env.addPerson(1, map[string]any{"email": "alice@corp.com"})

	c := mustCreate(t, env.svc, CohortInput{Name: "corp", Groups: emailContains("corp")})
	env.svc.bg.Wait()
	stored, _ := env.svc.GetCohort(ctx, team, c.ID)
	if stored.CommittedVersion != 1 {
		t.Fatalf("create should trigger a calculation: %+v", stored)
	}

	if _, err := env.svc.UpdateCohort(ctx, team, c.ID, CohortInput{Name: "renamed", Groups: emailContains("corp")}); err != nil {
		t.Fatalf("UpdateCohort failed: %v", err)
	}
	env.svc.bg.Wait()
	stored, _ = env.svc.GetCohort(ctx, team, c.ID)
	if stored.CommittedVersion != 1 {
		t.Fatalf("a rename must not trigger a calculation: %+v", stored)
	}

	if _, err := env.svc.UpdateCohort(ctx, team, c.ID, CohortInput{Name: "renamed", Groups: emailContains("home")}); err != nil {
		t.Fatalf("UpdateCohort failed: %v", err)
	}
	env.svc.bg.Wait()
	stored, _ = env.svc.GetCohort(ctx, team, c.ID)
	if stored.CommittedVersion != 2 || stored.Count == nil || *stored.Count != 0 {
		t.Fatalf("definition change should recalculate: %+v", stored)
	}
}
