package config

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
)

// ParseBandwidth parses a human-readable rate string to bits/sec.
// Supports formats: "100k", "100m", "100g" (case insensitive).
// Bare numbers are rejected except for zero ("0" or "0.0").
// Units: k=1000, m=1000000, g=1000000000 (SI units, not binary).
func ParseBandwidth(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}

	s = strings.ToLower(s)

	multiplier := uint64(1)
	numStr := s

	if len(s) > 0 {
		lastChar := s[len(s)-1]
		switch lastChar {
		case 'k':
			multiplier = 1_000
			numStr = s[:len(s)-1]
		case 'm':
			multiplier = 1_000_000
			numStr = s[:len(s)-1]
		case 'g':
			multiplier = 1_000_000_000
			numStr = s[:len(s)-1]
		default:
			if s == "0" || s == "0.0" {
				return 0, nil
			}
			return 0, fmt.Errorf("bandwidth must include unit suffix (k/m/g): %q", s)
		}
	}

	numStr = strings.TrimSpace(numStr)
	if numStr == "" {
		return 0, fmt.Errorf("invalid bandwidth value: %q", s)
	}

	value, err := strconv.ParseFloat(numStr, 64)
	if err != nil || math.IsNaN(value) || math.IsInf(value, 0) {
		return 0, fmt.Errorf("invalid bandwidth value: %q", s)
	}

	if value < 0 {
		return 0, fmt.Errorf("bandwidth cannot be negative: %q", s)
	}

	return uint64(value * float64(multiplier)), nil
}

// ParseSize parses a byte count such as "1500", "256KiB" or "1MB".
// Both SI (kB, MB) and IEC (KiB, MiB) suffixes are accepted.
func ParseSize(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if strings.HasPrefix(s, "-") {
		return 0, fmt.Errorf("size cannot be negative: %q", s)
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid size value: %q", s)
	}
	return n, nil
}
