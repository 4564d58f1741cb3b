// Package precalc decides when readers may use materialized cohort membership
// instead of evaluating the cohort definition live.
package precalc

import (
	"time"

	"cohorts/engine/internal/store"
)

// Config is injected from the environment by the config package.
type Config struct {
	UsePrecalculatedMembership bool
	// Cutover is the earliest calculation time whose results are trusted.
	Cutover time.Time
}

type Gate struct {
	cfg Config
}

func NewGate(cfg Config) *Gate {
	return &Gate{cfg: cfg}
}

// ShouldUsePrecalculated reports whether c has a committed calculation made
// after the cutover while the feature is enabled. Static cohorts never qualify.
func (g *Gate) ShouldUsePrecalculated(c store.Cohort) bool {
	if g == nil || !g.cfg.UsePrecalculatedMembership || c.IsStatic {
		return false
	}
	if c.LastCalculation == nil {
		return false
	}
	return c.LastCalculation.After(g.cfg.Cutover)
}
