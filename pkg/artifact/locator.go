package artifact

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"strconv"
	"strings"

	"github.com/bigscan/bigscan/pkg/bigip"
)

const stemMatchLength = 20

// Location is where an artifact was found on the appliance.
type Location struct {
	Path   string
	Size   int64
	Exists bool
	// Fallback is set when the file was picked as the most recent artifact
	// rather than matched by name.
	Fallback bool
}

// Locator finds artifact files with read-only ls probes.
type Locator struct {
	desc  Descriptor
	shell Commander
}

// NewLocator creates a Locator for desc.
func NewLocator(desc Descriptor, shell Commander) *Locator {
	return &Locator{desc: desc, shell: shell}
}

// Locate looks for filename in the kind's well-known directories, then in
// listings of its glob directories. The second result is false when nothing
// was found.
func (l *Locator) Locate(ctx context.Context, filename string) (Location, bool) {
	filename = l.desc.WithExtension(path.Base(filename))

	for _, dir := range l.desc.ProbeDirs {
		if loc, ok := l.Probe(ctx, path.Join(dir, filename)); ok {
			slog.Info("artifact_located", "kind", l.desc.Kind, "path", loc.Path, "size", loc.Size)
			return loc, true
		}
	}

	entries := l.list(ctx)
	if len(entries) == 0 {
		slog.Warn("artifact_not_located", "kind", l.desc.Kind, "filename", filename)
		return Location{}, false
	}

	stem := strings.TrimSuffix(filename, l.desc.Extension)
	key := stem
	if len(key) > stemMatchLength {
		key = key[len(key)-stemMatchLength:]
	}
	for _, e := range entries {
		base := path.Base(e.Path)
		if strings.Contains(base, key) || strings.Contains(base, stem) {
			slog.Info("artifact_located", "kind", l.desc.Kind, "path", e.Path, "size", e.Size, "match", "listing")
			return e, true
		}
	}

	loc := entries[0]
	loc.Fallback = true
	slog.Warn("artifact_located_by_fallback", "kind", l.desc.Kind, "filename", filename, "path", loc.Path)
	return loc, true
}

// Probe checks a single absolute path.
func (l *Locator) Probe(ctx context.Context, p string) (Location, bool) {
	out, ok := l.shell.Run(ctx, fmt.Sprintf("ls -la %s 2>/dev/null || echo NOT_FOUND", bigip.QuotePath(p)))
	if !ok || isMiss(out) {
		return Location{}, false
	}
	for _, line := range strings.Split(out, "\n") {
		if size, _, ok := parseListing(line); ok {
			return Location{Path: p, Size: size, Exists: true}, true
		}
	}
	return Location{}, false
}

// list returns the newest matching files across every glob directory. A
// single ls call sorts them all by modification time, newest first.
func (l *Locator) list(ctx context.Context) []Location {
	if len(l.desc.GlobDirs) == 0 {
		return nil
	}
	limit := l.desc.ListLimit
	if limit <= 0 {
		limit = 10
	}

	globs := make([]string, 0, len(l.desc.GlobDirs))
	for _, dir := range l.desc.GlobDirs {
		globs = append(globs, bigip.QuotePath(dir)+"/*"+l.desc.Extension)
	}
	cmd := fmt.Sprintf("ls -lat %s 2>/dev/null | head -%d", strings.Join(globs, " "), limit)
	out, ok := l.shell.Run(ctx, cmd)
	if !ok || isMiss(out) {
		return nil
	}

	var entries []Location
	for _, line := range strings.Split(out, "\n") {
		size, name, ok := parseListing(line)
		if !ok || !strings.HasSuffix(name, l.desc.Extension) || !strings.HasPrefix(name, "/") {
			continue
		}
		entries = append(entries, Location{Path: name, Size: size, Exists: true})
	}
	return entries
}

func isMiss(out string) bool {
	return strings.TrimSpace(out) == "" ||
		strings.Contains(out, "NOT_FOUND") ||
		strings.Contains(out, "No such file")
}

// parseListing extracts the size and name from one `ls -l` line.
func parseListing(line string) (int64, string, bool) {
	fields := strings.Fields(line)
	if len(fields) < 9 || strings.HasPrefix(fields[0], "d") {
		return 0, "", false
	}
	size, err := strconv.ParseInt(fields[4], 10, 64)
	if err != nil {
		return 0, "", false
	}
	return size, strings.Join(fields[8:], " "), true
}
