package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"cohorts/engine/internal/predicate"
)

type PostgresStore struct {
	db       *sql.DB
	patterns sync.Map
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

const cohortColumns = `
	id, team_id, name, description, is_static, groups, deleted, is_calculating,
	calculation_started_at, last_calculation, errors_calculating, definition_version,
	pending_version, committed_version, count, created_at, updated_at
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCohort(row rowScanner) (Cohort, error) {
	var (
		cohort      Cohort
		groups      []byte
		startedAt   sql.NullTime
		lastCalc    sql.NullTime
		memberCount sql.NullInt64
	)
	err := row.Scan(
		&cohort.ID, &cohort.TeamID, &cohort.Name, &cohort.Description, &cohort.IsStatic, &groups,
		&cohort.Deleted, &cohort.IsCalculating, &startedAt, &lastCalc, &cohort.ErrorsCalculating,
		&cohort.DefinitionVersion, &cohort.PendingVersion, &cohort.CommittedVersion, &memberCount,
		&cohort.CreatedAt, &cohort.UpdatedAt,
	)
	if err != nil {
		return Cohort{}, err
	}
	def, err := predicate.ParseDefinition(groups)
	if err != nil {
		return Cohort{}, fmt.Errorf("cohort %d: %w", cohort.ID, err)
	}
	cohort.Groups = def
	if startedAt.Valid {
		cohort.CalculationStartedAt = &startedAt.Time
	}
	if lastCalc.Valid {
		cohort.LastCalculation = &lastCalc.Time
	}
	if memberCount.Valid {
		cohort.Count = &memberCount.Int64
	}
	return cohort, nil
}

func encodeGroups(def predicate.Definition) ([]byte, error) {
	if def.Groups == nil {
		def.Groups = []predicate.Group{}
	}
	payload, err := json.Marshal(def)
	if err != nil {
		return nil, fmt.Errorf("encode cohort groups: %w", err)
	}
	return payload, nil
}

func (s *PostgresStore) CreateCohort(ctx context.Context, cohort Cohort) (Cohort, error) {
	groups, err := encodeGroups(cohort.Groups)
	if err != nil {
		return Cohort{}, err
	}
	query := `
		INSERT INTO cohorts (team_id, name, description, is_static, groups)
		VALUES ($1, $2, $3, $4, $5::jsonb)
		RETURNING ` + cohortColumns
	created, err := scanCohort(s.db.QueryRowContext(ctx, query,
		cohort.TeamID, cohort.Name, cohort.Description, cohort.IsStatic, string(groups)))
	if err != nil {
		return Cohort{}, fmt.Errorf("insert cohort: %w", err)
	}
	return created, nil
}

// UpdateCohort replaces the editable fields. A definition change bumps
// definition_version and clears last_calculation, so precalculated membership
// is not served for the new definition until a run commits.
func (s *PostgresStore) UpdateCohort(ctx context.Context, cohort Cohort) (Cohort, error) {
	groups, err := encodeGroups(cohort.Groups)
	if err != nil {
		return Cohort{}, err
	}
	query := `
		UPDATE cohorts SET
			name = $3,
			description = $4,
			definition_version = CASE WHEN groups IS DISTINCT FROM $5::jsonb THEN definition_version + 1 ELSE definition_version END,
			last_calculation = CASE WHEN groups IS DISTINCT FROM $5::jsonb THEN NULL ELSE last_calculation END,
			groups = $5::jsonb,
			updated_at = NOW()
		WHERE team_id = $1 AND id = $2 AND NOT deleted
		RETURNING ` + cohortColumns
	updated, err := scanCohort(s.db.QueryRowContext(ctx, query,
		cohort.TeamID, cohort.ID, cohort.Name, cohort.Description, string(groups)))
	if errors.Is(err, sql.ErrNoRows) {
		return Cohort{}, ErrNotFound
	}
	if err != nil {
		return Cohort{}, fmt.Errorf("update cohort %d: %w", cohort.ID, err)
	}
	return updated, nil
}

// GetCohort returns the cohort including logically deleted ones; callers decide
// how to treat Deleted.
func (s *PostgresStore) GetCohort(ctx context.Context, teamID, cohortID int64) (Cohort, error) {
	query := `SELECT ` + cohortColumns + ` FROM cohorts WHERE team_id = $1 AND id = $2`
	cohort, err := scanCohort(s.db.QueryRowContext(ctx, query, teamID, cohortID))
	if errors.Is(err, sql.ErrNoRows) {
		return Cohort{}, ErrNotFound
	}
	if err != nil {
		return Cohort{}, fmt.Errorf("get cohort %d: %w", cohortID, err)
	}
	return cohort, nil
}

func (s *PostgresStore) ListCohorts(ctx context.Context, teamID int64) ([]Cohort, error) {
	query := `SELECT ` + cohortColumns + ` FROM cohorts WHERE team_id = $1 AND NOT deleted ORDER BY id`
	return s.queryCohorts(ctx, query, teamID)
}

func (s *PostgresStore) DeleteCohort(ctx context.Context, teamID, cohortID int64) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE cohorts SET deleted = TRUE, updated_at = NOW()
		WHERE team_id = $1 AND id = $2 AND NOT deleted
	`, teamID, cohortID)
	if err != nil {
		return fmt.Errorf("delete cohort %d: %w", cohortID, err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListStaleCohorts returns dynamic cohorts that were never calculated or were
// last calculated before staleBefore, oldest first.
func (s *PostgresStore) ListStaleCohorts(ctx context.Context, staleBefore time.Time, limit int) ([]Cohort, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT ` + cohortColumns + `
		FROM cohorts
		WHERE NOT deleted
			AND NOT is_static
			AND NOT is_calculating
			AND (last_calculation IS NULL OR last_calculation < $1)
		ORDER BY last_calculation NULLS FIRST, id
		LIMIT $2
	`
	return s.queryCohorts(ctx, query, staleBefore, limit)
}

func (s *PostgresStore) queryCohorts(ctx context.Context, query string, args ...any) ([]Cohort, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list cohorts: %w", err)
	}
	defer rows.Close()

	cohorts := make([]Cohort, 0)
	for rows.Next() {
		cohort, err := scanCohort(rows)
		if err != nil {
			return nil, fmt.Errorf("scan cohort: %w", err)
		}
		cohorts = append(cohorts, cohort)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cohorts: %w", err)
	}
	return cohorts, nil
}

func (s *PostgresStore) CreateAction(ctx context.Context, teamID int64, action predicate.Action) (predicate.Action, error) {
	steps := action.Steps
	if steps == nil {
		steps = []predicate.ActionStep{}
	}
	payload, err := json.Marshal(steps)
	if err != nil {
		return predicate.Action{}, fmt.Errorf("encode action steps: %w", err)
	}
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO actions (team_id, name, steps) VALUES ($1, $2, $3::jsonb) RETURNING id
	`, teamID, action.Name, string(payload)).Scan(&action.ID)
	if err != nil {
		return predicate.Action{}, fmt.Errorf("insert action: %w", err)
	}
	return action, nil
}

// GetAction returns ErrNotFound for missing and deleted actions.
func (s *PostgresStore) GetAction(ctx context.Context, teamID, actionID int64) (predicate.Action, error) {
	var (
		action predicate.Action
		steps  []byte
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, steps FROM actions WHERE team_id = $1 AND id = $2 AND NOT deleted
	`, teamID, actionID).Scan(&action.ID, &action.Name, &steps)
	if errors.Is(err, sql.ErrNoRows) {
		return predicate.Action{}, ErrNotFound
	}
	if err != nil {
		return predicate.Action{}, fmt.Errorf("get action %d: %w", actionID, err)
	}
	if err := json.Unmarshal(steps, &action.Steps); err != nil {
		return predicate.Action{}, fmt.Errorf("decode action %d steps: %w", actionID, err)
	}
	return action, nil
}

// BeginCalculation marks the cohort as calculating and allocates the version
// the run will write at. The returned cohort carries both the new
// PendingVersion and the CommittedVersion the run diffs against.
func (s *PostgresStore) BeginCalculation(ctx context.Context, teamID, cohortID int64) (Cohort, error) {
	query := `
		UPDATE cohorts SET
			is_calculating = TRUE,
			calculation_started_at = NOW(),
			pending_version = GREATEST(pending_version, committed_version) + 1
		WHERE team_id = $1 AND id = $2 AND NOT deleted AND NOT is_static
		RETURNING ` + cohortColumns
	cohort, err := scanCohort(s.db.QueryRowContext(ctx, query, teamID, cohortID))
	if errors.Is(err, sql.ErrNoRows) {
		return Cohort{}, ErrNotFound
	}
	if err != nil {
		return Cohort{}, fmt.Errorf("begin calculation for cohort %d: %w", cohortID, err)
	}
	return cohort, nil
}

// CommitVersion publishes a fully written version. The version row and the
// cohort update share a transaction, and the update only applies while the
// cohort is still at commit.Baseline with an unchanged definition.
func (s *PostgresStore) CommitVersion(ctx context.Context, commit VersionCommit) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin commit tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		UPDATE cohorts SET
			committed_version = $3,
			is_calculating = FALSE,
			last_calculation = $4,
			count = $5,
			errors_calculating = 0,
			updated_at = NOW()
		WHERE team_id = $1 AND id = $2
			AND committed_version = $6
			AND definition_version = $7
			AND pending_version >= $3
	`, commit.TeamID, commit.CohortID, commit.Version, commit.CalculatedAt, commit.Size, commit.Baseline, commit.DefinitionVersion)
	if err != nil {
		return fmt.Errorf("commit cohort %d version %d: %w", commit.CohortID, commit.Version, err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return ErrVersionConflict
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO cohort_membership_versions (cohort_id, team_id, version, baseline_version, size, committed_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, commit.CohortID, commit.TeamID, commit.Version, commit.Baseline, commit.Size, commit.CalculatedAt); err != nil {
		return fmt.Errorf("record cohort %d version %d: %w", commit.CohortID, commit.Version, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit cohort %d version %d: %w", commit.CohortID, commit.Version, err)
	}
	return nil
}

// AbortCalculation ends a run without committing. is_calculating is only
// cleared while version is still the newest allocated, so an older run
// cannot unflag a newer one. failed counts the run in errors_calculating.
func (s *PostgresStore) AbortCalculation(ctx context.Context, teamID, cohortID, version int64, failed bool) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE cohorts SET
			is_calculating = CASE WHEN pending_version = $3 THEN FALSE ELSE is_calculating END,
			errors_calculating = errors_calculating + CASE WHEN $4::boolean THEN 1 ELSE 0 END,
			updated_at = NOW()
		WHERE team_id = $1 AND id = $2
	`, teamID, cohortID, version, failed)
	if err != nil {
		return fmt.Errorf("abort calculation for cohort %d: %w", cohortID, err)
	}
	return nil
}

// ResetStuckCalculations clears is_calculating on cohorts whose run started
// before startedBefore and never finished.
func (s *PostgresStore) ResetStuckCalculations(ctx context.Context, startedBefore time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE cohorts SET
			is_calculating = FALSE,
			errors_calculating = errors_calculating + 1,
			updated_at = NOW()
		WHERE is_calculating AND calculation_started_at < $1
	`, startedBefore)
	if err != nil {
		return 0, fmt.Errorf("reset stuck calculations: %w", err)
	}
	affected, _ := result.RowsAffected()
	return affected, nil
}

// AppendMembershipRows writes sign rows at version in one statement.
func (s *PostgresStore) AppendMembershipRows(ctx context.Context, cohortID, teamID, version int64, deltas []MembershipDelta) error {
	if len(deltas) == 0 {
		return nil
	}
	personIDs := make([]string, len(deltas))
	signs := make([]int16, len(deltas))
	for i, delta := range deltas {
		personIDs[i] = delta.PersonID.String()
		signs[i] = int16(delta.Sign)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cohort_membership (cohort_id, team_id, person_id, version, sign)
		SELECT $1, $2, d.person_id, $3, d.sign
		FROM unnest($4::uuid[], $5::smallint[]) AS d(person_id, sign)
	`, cohortID, teamID, version, personIDs, signs)
	if err != nil {
		return fmt.Errorf("append membership rows for cohort %d version %d: %w", cohortID, version, err)
	}
	return nil
}

// CommittedMembers pages through persons whose signs sum positive over the
// committed versions up to and including upToVersion.
func (s *PostgresStore) CommittedMembers(teamID, cohortID, upToVersion int64, batchSize int) Cursor {
	return NewKeysetCursor(func(ctx context.Context, after uuid.UUID, limit int) ([]uuid.UUID, error) {
		return s.queryIDs(ctx, `
			SELECT m.person_id
			FROM cohort_membership m
			JOIN cohort_membership_versions v ON v.cohort_id = m.cohort_id AND v.version = m.version
			WHERE m.team_id = $1 AND m.cohort_id = $2 AND m.version <= $3 AND m.person_id > $4
			GROUP BY m.person_id
			HAVING sum(m.sign) > 0
			ORDER BY m.person_id
			LIMIT $5
		`, teamID, cohortID, upToVersion, after, limit)
	}, batchSize)
}

// MatchingPersons pages through the persons of a team satisfying expr.
// Regexes Postgres cannot compile are checked on the first page and match
// nobody.
func (s *PostgresStore) MatchingPersons(teamID int64, expr predicate.Expr, batchSize int) Cursor {
	var (
		query string
		args  []any
	)
	return NewKeysetCursor(func(ctx context.Context, after uuid.UUID, limit int) ([]uuid.UUID, error) {
		if query == "" {
			checked, err := s.CheckPatterns(ctx, expr)
			if err != nil {
				return nil, err
			}
			frag := Render(checked, teamID, 4)
			query = fmt.Sprintf(`
				SELECT p.id FROM persons p
				WHERE p.team_id = $1 AND p.id > $2 AND (%s)
				ORDER BY p.id
				LIMIT $3
			`, frag.SQL)
			args = frag.Args
		}
		return s.queryIDs(ctx, query, append([]any{teamID, after, limit}, args...)...)
	}, batchSize)
}

// IsMember evaluates expr for a single person.
func (s *PostgresStore) IsMember(ctx context.Context, teamID int64, expr predicate.Expr, personID uuid.UUID) (bool, error) {
	checked, err := s.CheckPatterns(ctx, expr)
	if err != nil {
		return false, err
	}
	frag := Render(checked, teamID, 3)
	query := fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM persons p WHERE p.team_id = $1 AND p.id = $2 AND (%s))`, frag.SQL)
	var member bool
	if err := s.db.QueryRowContext(ctx, query, append([]any{teamID, personID}, frag.Args...)...).Scan(&member); err != nil {
		return false, fmt.Errorf("check membership: %w", err)
	}
	return member, nil
}

func (s *PostgresStore) queryIDs(ctx context.Context, query string, args ...any) ([]uuid.UUID, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query person ids: %w", err)
	}
	defer rows.Close()

	ids := make([]uuid.UUID, 0)
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan person id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate person ids: %w", err)
	}
	return ids, nil
}

// InsertStaticMembers adds persons to a static cohort in chunks of batchSize.
// Each chunk commits on its own and duplicates are ignored, so a failed call
// can simply be retried. Nil ids are skipped. It returns the number of rows
// newly inserted before any error.
func (s *PostgresStore) InsertStaticMembers(ctx context.Context, cohortID, teamID int64, personIDs []uuid.UUID, batchSize int) (int64, error) {
	if batchSize <= 0 {
		batchSize = 10000
	}
	chunk := make([]string, 0, min(batchSize, len(personIDs)))
	var inserted int64
	flush := func() error {
		if len(chunk) == 0 {
			return nil
		}
		result, err := s.db.ExecContext(ctx, `
			INSERT INTO cohort_static_people (cohort_id, team_id, person_id)
			SELECT $1, $2, unnest($3::uuid[])
			ON CONFLICT (cohort_id, person_id) DO NOTHING
		`, cohortID, teamID, chunk)
		if err != nil {
			return fmt.Errorf("insert static members for cohort %d: %w", cohortID, err)
		}
		affected, _ := result.RowsAffected()
		inserted += affected
		chunk = chunk[:0]
		return nil
	}

	for _, id := range personIDs {
		if id == uuid.Nil {
			continue
		}
		chunk = append(chunk, id.String())
		if len(chunk) == batchSize {
			if err := flush(); err != nil {
				return inserted, err
			}
		}
	}
	if err := flush(); err != nil {
		return inserted, err
	}
	return inserted, nil
}

// ListStaticMembers pages through the explicit members of a static cohort.
func (s *PostgresStore) ListStaticMembers(ctx context.Context, teamID, cohortID int64, after uuid.UUID, limit int) ([]StaticCohortPerson, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, person_id, cohort_id, team_id, timestamp
		FROM cohort_static_people
		WHERE team_id = $1 AND cohort_id = $2 AND person_id > $3
		ORDER BY person_id
		LIMIT $4
	`, teamID, cohortID, after, limit)
	if err != nil {
		return nil, fmt.Errorf("list static members: %w", err)
	}
	defer rows.Close()

	members := make([]StaticCohortPerson, 0)
	for rows.Next() {
		var member StaticCohortPerson
		if err := rows.Scan(&member.ID, &member.PersonID, &member.CohortID, &member.TeamID, &member.Timestamp); err != nil {
			return nil, fmt.Errorf("scan static member: %w", err)
		}
		members = append(members, member)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate static members: %w", err)
	}
	return members, nil
}

// PersonIDsForDistinctIDs maps distinct ids to the persons their events were
// attributed to. Unknown ids are left out of the result.
func (s *PostgresStore) PersonIDsForDistinctIDs(ctx context.Context, teamID int64, distinctIDs []string) (map[string]uuid.UUID, error) {
	cleaned := make([]string, 0, len(distinctIDs))
	for _, id := range distinctIDs {
		if id = strings.TrimSpace(id); id != "" {
			cleaned = append(cleaned, id)
		}
	}
	out := make(map[string]uuid.UUID, len(cleaned))
	if len(cleaned) == 0 {
		return out, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT ON (distinct_id) distinct_id, person_id
		FROM events
		WHERE team_id = $1 AND distinct_id = ANY($2::text[]) AND person_id IS NOT NULL
		ORDER BY distinct_id, timestamp DESC
	`, teamID, cleaned)
	if err != nil {
		return nil, fmt.Errorf("map distinct ids: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			distinctID string
			personID   uuid.UUID
		)
		if err := rows.Scan(&distinctID, &personID); err != nil {
			return nil, fmt.Errorf("scan distinct id: %w", err)
		}
		out[distinctID] = personID
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate distinct ids: %w", err)
	}
	return out, nil
}
