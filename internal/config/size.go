package config

import (
	"fmt"
	"math"
	"strings"

	"github.com/dustin/go-humanize"
)

// ParseSize converts a human-readable size string to bytes. Both SI (KB, MB)
// and IEC (KiB, MiB) suffixes are accepted; a bare number is raw bytes.
// Empty string and "0" return 0.
func ParseSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "0" {
		return 0, nil
	}

	if strings.HasPrefix(s, "-") {
		return 0, fmt.Errorf("invalid size %q: must be non-negative", s)
	}

	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}

	if n > math.MaxInt64 {
		return 0, fmt.Errorf("invalid size %q: too large", s)
	}

	return int64(n), nil
}

// ParseBandwidth parses a rate such as "5MB/s" or "512KiB" into bytes per
// second. The "/s" suffix is optional; "0" or empty means unlimited.
func ParseBandwidth(s string) (int64, error) {
	trimmed := strings.TrimSpace(s)
	if len(trimmed) > len("/s") && strings.EqualFold(trimmed[len(trimmed)-2:], "/s") {
		trimmed = trimmed[:len(trimmed)-2]
	}

	n, err := ParseSize(trimmed)
	if err != nil {
		return 0, fmt.Errorf("invalid bandwidth %q: %w", s, err)
	}

	return n, nil
}
