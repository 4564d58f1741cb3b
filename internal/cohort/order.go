package cohort

import "slices"

// Levels groups cohort ids so every cohort comes after the cohorts it depends
// on. deps maps a cohort to its dependencies; dependencies outside deps are
// treated as already satisfied. Cohorts within a level are independent and
// sorted by id.
func Levels(deps map[int64][]int64) ([][]int64, error) {
	remaining := make(map[int64]int, len(deps))
	dependants := make(map[int64][]int64)
	for id, refs := range deps {
		remaining[id] += 0
		for _, ref := range refs {
			if _, tracked := deps[ref]; !tracked || ref == id {
				continue
			}
			remaining[id]++
			dependants[ref] = append(dependants[ref], id)
		}
	}

	var levels [][]int64
	for len(remaining) > 0 {
		var level []int64
		for id, n := range remaining {
			if n == 0 {
				level = append(level, id)
			}
		}
		if len(level) == 0 {
			return levels, &CyclicCohortError{Path: cyclePath(deps, remaining)}
		}
		slices.Sort(level)
		for _, id := range level {
			delete(remaining, id)
			for _, dependant := range dependants[id] {
				remaining[dependant]--
			}
		}
		levels = append(levels, level)
	}
	return levels, nil
}

// cyclePath walks dependencies among the unresolved cohorts until one repeats.
func cyclePath(deps map[int64][]int64, unresolved map[int64]int) []int64 {
	start := int64(0)
	first := true
	for id := range unresolved {
		if first || id < start {
			start, first = id, false
		}
	}

	path := []int64{start}
	for {
		current := path[len(path)-1]
		next, found := int64(0), false
		for _, ref := range deps[current] {
			if _, ok := unresolved[ref]; ok && ref != current {
				next, found = ref, true
				break
			}
		}
		if !found {
			return path
		}
		if idx := slices.Index(path, next); idx >= 0 {
			return append(path[idx:], next)
		}
		path = append(path, next)
	}
}
