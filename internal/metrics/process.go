package metrics

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// CurrentRSSBytes reads the resident set size of this process from
// /proc/self/statm. It fails off Linux.
func CurrentRSSBytes() (int64, error) {
	raw, err := os.ReadFile("/proc/self/statm")
	if err != nil {
		return 0, err
	}
	fields := strings.Fields(string(raw))
	if len(fields) < 2 {
		return 0, fmt.Errorf("statm: unexpected %q", strings.TrimSpace(string(raw)))
	}
	pages, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("statm resident: %w", err)
	}
	return pages * int64(os.Getpagesize()), nil
}
