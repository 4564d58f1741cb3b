package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"cohorts/engine/internal/predicate"
)

const invalidRegularExpression = "2201B"

// CheckPatterns asks Postgres to compile every regex in expr and replaces the
// comparisons it rejects with False. Verdicts are cached for the life of the
// store.
func (s *PostgresStore) CheckPatterns(ctx context.Context, expr predicate.Expr) (predicate.Expr, error) {
	rejected := map[string]bool{}
	for _, pattern := range predicate.RegexPatterns(expr) {
		ok, err := s.regexAccepted(ctx, pattern)
		if err != nil {
			return nil, err
		}
		if !ok {
			rejected[pattern] = true
		}
	}
	if len(rejected) == 0 {
		return expr, nil
	}
	return predicate.DropTests(expr, func(t predicate.Test) bool {
		return (t.Op != predicate.OpRegex && t.Op != predicate.OpNotRegex) || !rejected[t.Pattern]
	}), nil
}

func (s *PostgresStore) regexAccepted(ctx context.Context, pattern string) (bool, error) {
	if cached, ok := s.patterns.Load(pattern); ok {
		return cached.(bool), nil
	}
	var matched bool
	err := s.db.QueryRowContext(ctx, `SELECT '' ~ $1`, pattern).Scan(&matched)
	var pgErr *pgconn.PgError
	switch {
	case err == nil:
		s.patterns.Store(pattern, true)
		return true, nil
	case errors.As(err, &pgErr) && pgErr.Code == invalidRegularExpression:
		s.patterns.Store(pattern, false)
		return false, nil
	}
	return false, fmt.Errorf("check regex %q: %w", pattern, err)
}
