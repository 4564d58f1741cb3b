package blob

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
)

var headerNames = map[string]bool{
	"distinct_id":  true,
	"distinct_ids": true,
	"id":           true,
	"user_id":      true,
}

// ReadDistinctIDs reads the first column of a CSV upload. A header row naming
// the column is skipped, blank cells are ignored and repeats are dropped.
func ReadDistinctIDs(r io.Reader) ([]string, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true
	reader.ReuseRecord = true

	seen := map[string]bool{}
	var ids []string
	for line := 1; ; line++ {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv line %d: %w", line, err)
		}
		if len(record) == 0 {
			continue
		}
		value := strings.TrimSpace(strings.TrimPrefix(record[0], "\ufeff"))
		if value == "" {
			continue
		}
		if line == 1 && headerNames[strings.ToLower(value)] {
			continue
		}
		if seen[value] {
			continue
		}
		seen[value] = true
		ids = append(ids, value)
	}
	return ids, nil
}
