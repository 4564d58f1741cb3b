// Package cohort expands stored cohort definitions into membership predicates,
// following references between cohorts.
package cohort

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"cohorts/engine/internal/predicate"
	"cohorts/engine/internal/store"
)

// Catalog looks up cohort and action definitions. Missing rows are reported
// as store.ErrNotFound.
type Catalog interface {
	GetCohort(ctx context.Context, teamID, cohortID int64) (store.Cohort, error)
	GetAction(ctx context.Context, teamID, actionID int64) (predicate.Action, error)
}

// Gate decides whether a referenced cohort may be read from its materialized membership.
type Gate interface {
	ShouldUsePrecalculated(c store.Cohort) bool
}

type Resolver struct {
	catalog  Catalog
	compiler *predicate.Compiler
	gate     Gate
}

// NewResolver returns a resolver. A nil gate always expands references inline.
func NewResolver(catalog Catalog, compiler *predicate.Compiler, gate Gate) *Resolver {
	return &Resolver{catalog: catalog, compiler: compiler, gate: gate}
}

// Resolve returns the membership predicate of c. Validation failures
// (*CyclicCohortError, *predicate.MissingActionError, invalid operators) abort
// the whole resolution.
func (r *Resolver) Resolve(ctx context.Context, c store.Cohort) (predicate.Expr, error) {
	if c.IsStatic {
		return predicate.InStatic{CohortID: c.ID}, nil
	}
	return r.expand(ctx, c, []int64{c.ID}, newResolution(nil))
}

// ReferencedCohorts lists every cohort c depends on, directly or transitively,
// in first-seen order. Missing cohorts are omitted.
func (r *Resolver) ReferencedCohorts(ctx context.Context, c store.Cohort) ([]int64, error) {
	if c.IsStatic {
		return nil, nil
	}
	seen := make(map[int64]struct{})
	var refs []int64
	visit := func(id int64) {
		if _, ok := seen[id]; ok || id == c.ID {
			return
		}
		seen[id] = struct{}{}
		refs = append(refs, id)
	}
	if _, err := r.expand(ctx, c, []int64{c.ID}, newResolution(visit)); err != nil {
		return nil, err
	}
	return refs, nil
}

// resolution carries the state of one Resolve or ReferencedCohorts call.
// expanded holds the final predicate of every cohort referenced so far; it
// does not depend on the path that reached the cohort, so shared references
// are loaded and expanded once.
type resolution struct {
	visit    func(int64)
	expanded map[int64]predicate.Expr
}

func newResolution(visit func(int64)) *resolution {
	return &resolution{visit: visit, expanded: make(map[int64]predicate.Expr)}
}

func (res *resolution) seen(id int64) {
	if res.visit != nil {
		res.visit(id)
	}
}

func (r *Resolver) expand(ctx context.Context, c store.Cohort, stack []int64, res *resolution) (predicate.Expr, error) {
	if len(c.Groups.Groups) == 0 {
		return predicate.False, nil
	}
	branches := make([]predicate.Expr, 0, len(c.Groups.Groups))
	for i, group := range c.Groups.Groups {
		expr, err := r.group(ctx, c.TeamID, group, stack, res)
		if err != nil {
			return nil, fmt.Errorf("cohort %d group %d: %w", c.ID, i, err)
		}
		branches = append(branches, expr)
	}
	return predicate.AnyOf(branches...), nil
}

func (r *Resolver) group(ctx context.Context, teamID int64, group predicate.Group, stack []int64, res *resolution) (predicate.Expr, error) {
	if !group.HasBehavior() && len(group.Properties) == 0 {
		return predicate.False, nil
	}

	terms := make([]predicate.Expr, 0, len(group.Properties)+1)
	if group.HasBehavior() {
		clause := group.Behavioral()
		var action *predicate.Action
		if clause.ActionID != nil {
			found, err := r.catalog.GetAction(ctx, teamID, *clause.ActionID)
			switch {
			case err == nil:
				action = &found
			case !errors.Is(err, store.ErrNotFound):
				return nil, fmt.Errorf("load action %d: %w", *clause.ActionID, err)
			}
		}
		expr, err := r.compiler.CompileBehavioral(clause, action)
		if err != nil {
			return nil, err
		}
		terms = append(terms, expr)
	}

	for _, prop := range group.Properties {
		var (
			expr predicate.Expr
			err  error
		)
		if prop.EffectiveType() == predicate.PropertyCohort {
			expr, err = r.reference(ctx, teamID, prop, stack, res)
		} else {
			expr, err = r.compiler.CompileProperty(prop)
		}
		if err != nil {
			return nil, err
		}
		terms = append(terms, expr)
	}
	return predicate.AllOf(terms...), nil
}

func (r *Resolver) reference(ctx context.Context, teamID int64, prop predicate.Property, stack []int64, res *resolution) (predicate.Expr, error) {
	refID, ok := prop.CohortID()
	if !ok {
		return nil, &predicate.InvalidClauseError{Field: "cohort id", Reason: fmt.Sprintf("%v is not a cohort id", prop.Value)}
	}

	current := stack[len(stack)-1]
	if refID == current {
		return predicate.True, nil
	}
	if idx := slices.Index(stack, refID); idx >= 0 {
		path := append(slices.Clone(stack[idx:]), refID)
		return nil, &CyclicCohortError{Path: path}
	}
	if expr, ok := res.expanded[refID]; ok {
		return expr, nil
	}

	expr, err := r.loadReference(ctx, teamID, refID, stack, res)
	if err != nil {
		return nil, err
	}
	res.expanded[refID] = expr
	return expr, nil
}

func (r *Resolver) loadReference(ctx context.Context, teamID, refID int64, stack []int64, res *resolution) (predicate.Expr, error) {
	ref, err := r.catalog.GetCohort(ctx, teamID, refID)
	if errors.Is(err, store.ErrNotFound) {
		return predicate.False, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load cohort %d: %w", refID, err)
	}
	if ref.Deleted {
		return predicate.False, nil
	}
	res.seen(refID)
	if ref.IsStatic {
		return predicate.InStatic{CohortID: ref.ID}, nil
	}

	expr, err := r.expand(ctx, ref, append(slices.Clone(stack), refID), res)
	if err != nil {
		return nil, err
	}
	if r.gate != nil && r.gate.ShouldUsePrecalculated(ref) {
		return predicate.InPrecalculated{CohortID: ref.ID}, nil
	}
	return expr, nil
}
