package inventory

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// TimeLayout is the normalised system time format.
const TimeLayout = "2006-01-02 15:04:05"

const (
	gib = 1 << 30
	mib = 1 << 20
)

var (
	numberPattern = regexp.MustCompile(`\d+(?:\.\d+)?`)
	memoryUnits   = []string{"GB", "MB", "KB", "TB"}
)

// FormatMemory renders a raw memory value. Byte counts become "%.1fGB" or
// "%.1fMB"; values that already carry a unit pass through.
func FormatMemory(raw string) string {
	s := strings.TrimSpace(raw)
	if s == "" || s == NotAvailable {
		return NotAvailable
	}
	if isDigits(s) {
		n, err := strconv.ParseFloat(s, 64)
		if err == nil {
			return formatBytes(n)
		}
	}
	upper := strings.ToUpper(s)
	for _, unit := range memoryUnits {
		if strings.Contains(upper, unit) {
			return s
		}
	}
	if m := numberPattern.FindString(s); m != "" {
		if n, err := strconv.ParseFloat(m, 64); err == nil && n > 1_000_000 {
			return formatBytes(n)
		}
	}
	return s
}

func formatBytes(n float64) string {
	if n >= gib {
		return fmt.Sprintf("%.1fGB", n/gib)
	}
	return fmt.Sprintf("%.1fMB", n/mib)
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// isNumeric accepts digits with optional dots, the way memory stats are
// reported.
func isNumeric(s string) bool {
	return isDigits(strings.ReplaceAll(s, ".", ""))
}

type timeLayout struct {
	layout string
	utc    bool
}

var timeLayouts = []timeLayout{
	{"2006-01-02T15:04:05Z", true},
	{"2006-01-02T15:04:05", false},
	{TimeLayout, false},
	{"Mon Jan _2 15:04:05 MST 2006", true},
	{"Mon Jan 2 15:04:05 MST 2006", true},
	{"Mon Jan _2 15:04:05 2006", false},
	{"Mon Jan 2 15:04:05 2006", false},
}

// FormatSystemTime normalises a device clock string to TimeLayout. UTC
// inputs are converted to loc; others are taken as already local.
// Unrecognised strings are returned unchanged.
func FormatSystemTime(raw string, loc *time.Location) string {
	s := strings.TrimSpace(raw)
	if s == "" {
		return NotAvailable
	}
	if loc == nil {
		loc = time.Local
	}
	for _, l := range timeLayouts {
		t, err := time.Parse(l.layout, s)
		if err != nil {
			continue
		}
		if !l.utc {
			return t.Format(TimeLayout)
		}
		utc := time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), 0, time.UTC)
		return utc.In(loc).Format(TimeLayout)
	}
	return s
}

var (
	emergencyWords   = []string{"emergency", "critical", "hotfix", "ehf", "hf", "eng"}
	emergencyIDWords = []string{"hf", "ehf", "eng"}
)

// IsEmergency reports whether a hotfix looks like an engineering or
// emergency fix.
func IsEmergency(h Hotfix) bool {
	name := strings.ToLower(h.Name)
	title := strings.ToLower(h.Title)
	id := strings.ToLower(h.ID)
	for _, w := range emergencyWords {
		if strings.Contains(name, w) || strings.Contains(title, w) {
			return true
		}
	}
	for _, w := range emergencyIDWords {
		if strings.Contains(id, w) {
			return true
		}
	}
	return false
}

// DescribeVolume renders "name (version) - product".
func DescribeVolume(v Volume) string {
	return describe(v.Name, v.Version, v.Product)
}

// DescribeHotfix renders a hotfix with its id and title when known.
func DescribeHotfix(h Hotfix) string {
	s := describe(h.Name, h.Version, h.Product)
	switch {
	case h.ID != "" && h.Title != "":
		s += fmt.Sprintf(" [ID: %s, Title: %s]", h.ID, h.Title)
	case h.ID != "":
		s += fmt.Sprintf(" [ID: %s]", h.ID)
	case h.Title != "":
		s += fmt.Sprintf(" [Title: %s]", h.Title)
	}
	return s
}

func describe(name, version, product string) string {
	if name == "" {
		name = "Unknown"
	}
	if version == "" {
		version = "Unknown"
	}
	if product != "" {
		return fmt.Sprintf("%s (%s) - %s", name, version, product)
	}
	return fmt.Sprintf("%s (%s)", name, version)
}

// joinOr joins items with "; ", or returns empty when there are none.
func joinOr(items []string, empty string) string {
	if len(items) == 0 {
		return empty
	}
	return strings.Join(items, "; ")
}
