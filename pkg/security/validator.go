package security

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
)

// Validator guards the local side of artifact retrieval: it bounds how big a
// single artifact and a whole scan may get, and keeps device-derived names
// from escaping the output directory.
type Validator struct {
	maxFileSize  int64
	maxTotalSize int64

	mu               sync.Mutex
	currentTotalSize int64
}

// NewValidator creates a new security validator
func NewValidator(maxFileSize, maxTotalSize int64) *Validator {
	slog.Debug("security_validator_init",
		"max_file_size_mb", maxFileSize/1024/1024,
		"max_total_size_mb", maxTotalSize/1024/1024)

	return &Validator{
		maxFileSize:  maxFileSize,
		maxTotalSize: maxTotalSize,
	}
}

// ValidateLocalName rejects names that are not a single plain path element.
func (v *Validator) ValidateLocalName(name string) error {
	if name == "" || name == "." || name == ".." {
		slog.Error("security_name_validation_failed", "name", name, "reason", "empty_or_dot")
		return fmt.Errorf("security: invalid file name %q", name)
	}
	if filepath.IsAbs(name) || strings.ContainsAny(name, `/\`) {
		slog.Error("security_name_validation_failed", "name", name, "reason", "path_separator")
		return fmt.Errorf("security: file name must not contain a path: %q", name)
	}
	if strings.HasPrefix(filepath.Clean(name), "..") {
		slog.Error("security_name_validation_failed", "name", name, "reason", "path_traversal")
		return fmt.Errorf("security: path traversal detected: %q", name)
	}
	return nil
}

// ValidateFileSize checks if a file exceeds max file size
func (v *Validator) ValidateFileSize(size int64) error {
	if v.maxFileSize > 0 && size > v.maxFileSize {
		slog.Error("security_file_size_exceeded",
			"file_size_mb", size/1024/1024,
			"max_file_size_mb", v.maxFileSize/1024/1024)
		return fmt.Errorf("security: file size %d exceeds max %d", size, v.maxFileSize)
	}
	return nil
}

// AddDownloadedSize tracks the bytes retrieved during a scan and checks them
// against the total limit.
func (v *Validator) AddDownloadedSize(size int64) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.currentTotalSize += size

	if v.maxTotalSize > 0 && v.currentTotalSize > v.maxTotalSize {
		slog.Error("security_total_size_exceeded",
			"current_total_mb", v.currentTotalSize/1024/1024,
			"max_total_mb", v.maxTotalSize/1024/1024,
			"file_size_mb", size/1024/1024)
		return fmt.Errorf("security: total downloaded size %d exceeds max %d",
			v.currentTotalSize, v.maxTotalSize)
	}

	return nil
}

// Reset resets the total size counter
func (v *Validator) Reset() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.currentTotalSize = 0
}

// GetCurrentTotalSize returns the current total downloaded size
func (v *Validator) GetCurrentTotalSize() int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.currentTotalSize
}

// SanitizeName maps a device-reported name (usually the hostname) to a
// string safe to embed in remote and local file names.
func SanitizeName(s string) string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	out := strings.Trim(b.String(), "._")
	if out == "" {
		return "device"
	}
	return out
}
