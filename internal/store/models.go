package store

import (
	"time"

	"github.com/google/uuid"

	"cohorts/engine/internal/predicate"
)

type Cohort struct {
	ID                   int64
	TeamID               int64
	Name                 string
	Description          string
	IsStatic             bool
	Groups               predicate.Definition
	Deleted              bool
	IsCalculating        bool
	CalculationStartedAt *time.Time
	LastCalculation      *time.Time
	ErrorsCalculating    int
	DefinitionVersion    int64
	// PendingVersion is the last version handed to a materialization run.
	PendingVersion int64
	// CommittedVersion is the newest version readers may aggregate over.
	CommittedVersion int64
	Count            *int64
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// MembershipRow is one append-only assertion (+1) or retraction (-1).
type MembershipRow struct {
	CohortID int64
	TeamID   int64
	PersonID uuid.UUID
	Version  int64
	Sign     int8
}

// MembershipDelta is a row to append at the version being materialized.
type MembershipDelta struct {
	PersonID uuid.UUID
	Sign     int8
}

// VersionCommit publishes a fully written membership version.
type VersionCommit struct {
	CohortID int64
	TeamID   int64
	Version  int64
	// Baseline must still be the committed version for the commit to apply.
	Baseline int64
	// DefinitionVersion must still be current; an edit mid-run voids the result.
	DefinitionVersion int64
	Size              int64
	CalculatedAt      time.Time
}

type StaticCohortPerson struct {
	ID        int64
	PersonID  uuid.UUID
	CohortID  int64
	TeamID    int64
	Timestamp time.Time
}
