package cohort

import (
	"fmt"
	"strconv"
	"strings"
)

// CyclicCohortError reports a reference cycle of length two or more. Path
// starts and ends at the cohort that closes the cycle.
type CyclicCohortError struct {
	Path []int64
}

func (e *CyclicCohortError) Error() string {
	parts := make([]string, len(e.Path))
	for i, id := range e.Path {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return fmt.Sprintf("cyclic cohort reference: %s", strings.Join(parts, " -> "))
}
