package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cohorts/engine/internal/app"
	"cohorts/engine/internal/config"
	"cohorts/engine/internal/memstore"
	"cohorts/engine/internal/predicate"
)

var fixedNow = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

type harness struct {
	svc  *app.Service
	data *memstore.Store
	env  *cliEnv
	out  *bytes.Buffer
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	now := func() time.Time { return fixedNow }
	data := memstore.New(now)
	cfg := config.Config{BatchSize: 10, StaticBatchSize: 10, StaleAfter: time.Hour, StuckAfter: time.Hour, RecalcParallelism: 2}
	svc := app.New(cfg, app.Deps{Store: data, Now: now})
	t.Cleanup(func() { _ = svc.Close(context.Background()) })

	out := &bytes.Buffer{}
	h := &harness{svc: svc, data: data, out: out}
	h.env = &cliEnv{
		out: out,
		connect: func(context.Context) (*app.Service, func(), error) {
			return svc, func() {}, nil
		},
		migrate: func(_ context.Context, dryRun bool) ([]string, error) {
			if dryRun {
				return []string{"0003_cohort_membership.up.sql"}, nil
			}
			return nil, nil
		},
	}
	return h
}

func (h *harness) run(t *testing.T, args ...string) (map[string]any, error) {
	t.Helper()
	h.out.Reset()
	root := newRootCmd(h.env)
	root.SetArgs(args)
	root.SetErr(io.Discard)
	root.SetOut(io.Discard)
	if err := root.ExecuteContext(context.Background()); err != nil {
		return nil, err
	}
	var payload map[string]any
	require.NoError(t, json.Unmarshal(h.out.Bytes(), &payload))
	return payload, nil
}

func TestRecalculateCommand(t *testing.T) {
	h := newHarness(t)
	h.data.AddPerson(memstore.Person{ID: uuid.UUID{15: 1}, TeamID: 1, Properties: map[string]any{"email": "a@corp.com"}})
	h.data.AddPerson(memstore.Person{ID: uuid.UUID{15: 2}, TeamID: 1, Properties: map[string]any{"email": "b@home.net"}})

	c, err := h.svc.CreateCohort(context.Background(), 1, app.CohortInput{
		Name:   "corp",
		Groups: []predicate.Group{{Properties: []predicate.Property{{Key: "email", Operator: predicate.OpIContains, Value: "corp"}}}},
	})
	require.NoError(t, err)

	payload, err := h.run(t, "recalculate", "1", strconv.FormatInt(c.ID, 10))
	require.NoError(t, err)
	assert.Equal(t, float64(1), payload["version"])
	assert.Equal(t, float64(1), payload["size"])
	assert.Equal(t, float64(1), payload["added"])

	payload, err = h.run(t, "predicate", "1", strconv.FormatInt(c.ID, 10), "--column", "e.person_id")
	require.NoError(t, err)
	assert.Contains(t, payload["sql"], "e.person_id IN (")
}

func TestRecalculateCommandRejectsBadTarget(t *testing.T) {
	h := newHarness(t)

	_, err := h.run(t, "recalculate", "team", "1")
	assert.ErrorContains(t, err, "invalid team id")

	_, err = h.run(t, "recalculate", "1", "0")
	assert.ErrorContains(t, err, "invalid cohort id")

	_, err = h.run(t, "recalculate", "1")
	assert.Error(t, err)
}

func TestImportStaticFromFile(t *testing.T) {
	h := newHarness(t)
	alice := uuid.UUID{15: 7}
	h.data.AddPerson(memstore.Person{ID: alice, TeamID: 1})
	h.data.AddEvent(memstore.Event{TeamID: 1, Event: "$identify", DistinctID: "anon-7", PersonID: alice, Timestamp: fixedNow})

	c, err := h.svc.CreateCohort(context.Background(), 1, app.CohortInput{Name: "upload", IsStatic: true})
	require.NoError(t, err)
	id := strconv.FormatInt(c.ID, 10)

	path := filepath.Join(t.TempDir(), "ids.csv")
	require.NoError(t, os.WriteFile(path, []byte("distinct_id\nanon-7\nanon-7\nghost\n"), 0o600))

	payload, err := h.run(t, "import-static", "1", id, "--file", path)
	require.NoError(t, err)
	assert.Equal(t, float64(2), payload["rows"])
	assert.Equal(t, float64(1), payload["matched"])
	assert.Equal(t, float64(1), payload["inserted"])
	assert.Equal(t, []any{"ghost"}, payload["unmatched"])

	payload, err = h.run(t, "members", "1", id, "--limit", "10")
	require.NoError(t, err)
	assert.Equal(t, []any{alice.String()}, payload["personIds"])

	_, err = h.run(t, "import-static", "1", id)
	assert.ErrorContains(t, err, "exactly one of --key or --file")

	_, err = h.run(t, "import-static", "1", id, "--key", "uploads/ids.csv")
	assert.ErrorContains(t, err, "object storage")
}

func TestMaintenanceCommands(t *testing.T) {
	h := newHarness(t)

	payload, err := h.run(t, "reset-stuck")
	require.NoError(t, err)
	assert.Equal(t, float64(0), payload["reset"])

	_, err = h.run(t, "recalculate-stale")
	require.NoError(t, err)

	payload, err = h.run(t, "migrate", "--dry-run")
	require.NoError(t, err)
	assert.Equal(t, []any{"0003_cohort_membership.up.sql"}, payload["pending"])

	payload, err = h.run(t, "migrate")
	require.NoError(t, err)
	assert.Equal(t, []any{}, payload["applied"])
}
