// Package bytesize reads byte sizes from config and prints them in logs.
package bytesize

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"gopkg.in/yaml.v3"
)

// Binary units.
const (
	KB int64 = 1 << (10 * (iota + 1))
	MB
	GB
	TB
	PB
)

var multipliers = map[string]int64{
	"": 1, "B": 1,
	"K": KB, "KB": KB, "KI": KB,
	"M": MB, "MB": MB, "MI": MB,
	"G": GB, "GB": GB, "GI": GB,
	"T": TB, "TB": TB, "TI": TB,
	"P": PB, "PB": PB, "PI": PB,
}

var suffixes = []string{"KB", "MB", "GB", "TB", "PB"}

// Parse reads sizes such as "1024", "500Mi" or "1.5 GB". Units are binary and
// case-insensitive.
func Parse(s string) (int64, error) {
	s = strings.TrimSpace(s)
	i := strings.IndexFunc(s, unicode.IsLetter)
	if i < 0 {
		i = len(s)
	}
	number, unit := strings.TrimSpace(s[:i]), strings.ToUpper(s[i:])

	mult, ok := multipliers[unit]
	if !ok {
		return 0, fmt.Errorf("unknown unit %q in size %q", s[i:], s)
	}
	v, err := strconv.ParseFloat(number, 64)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	return int64(v * float64(mult)), nil
}

// Format prints a byte count with two decimals in the largest fitting unit.
func Format(n int64) string {
	if n < 0 {
		return "-" + Format(-n)
	}
	if n < KB {
		return fmt.Sprintf("%d B", n)
	}
	v, i := float64(n)/float64(KB), 0
	for v >= 1024 && i < len(suffixes)-1 {
		v /= 1024
		i++
	}
	return fmt.Sprintf("%.2f %s", v, suffixes[i])
}

// Size is a config value in bytes, written either as a plain number or with a
// unit ("10Ti").
type Size int64

// UnmarshalYAML implements yaml.Unmarshaler.
func (s *Size) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: size must be a scalar", node.Line)
	}
	n, err := Parse(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*s = Size(n)
	return nil
}

// Bytes returns the size in bytes.
func (s Size) Bytes() int64 {
	return int64(s)
}

func (s Size) String() string {
	return Format(int64(s))
}
