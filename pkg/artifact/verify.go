package artifact

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/bigscan/bigscan/pkg/errors"
)

const (
	sniffLength      = 100
	scrutinySize     = MiB
	exactTolerance   = KiB
	lastResortFactor = 95
)

// verifySize compares a downloaded size against the size the server
// reported. A tolerated mismatch returns a warning; a rejected one returns
// an error wrapping ErrIntegrity. expected <= 0 means no authoritative size
// is known.
func verifySize(actual, expected int64) (string, error) {
	if actual <= 0 {
		return "", errors.Wrap(errors.ErrIntegrity, "downloaded file is empty")
	}
	if expected <= 0 {
		if actual < scrutinySize {
			return fmt.Sprintf("no expected size known and only %d bytes received", actual), nil
		}
		return "", nil
	}
	if actual == expected {
		return "", nil
	}

	diff := actual - expected
	if diff < 0 {
		diff = -diff
	}
	if diff <= exactTolerance || diff*100 <= expected {
		return fmt.Sprintf("size differs by %d bytes (got %d, expected %d)", diff, actual, expected), nil
	}
	if actual < expected && actual*100 >= expected*lastResortFactor {
		return fmt.Sprintf("only %d of %d bytes received, accepting as last resort", actual, expected), nil
	}
	return "", errors.Wrap(errors.ErrIntegrity, fmt.Sprintf("size %d does not match expected %d", actual, expected))
}

var (
	htmlMarkers = [][]byte{[]byte("<html"), []byte("<!doctype")}
	errorMarker = []byte("error")
)

// sniff rejects files whose head looks like an HTML or error page served in
// place of the artifact. The bare word "error" only counts for small files.
func sniff(head []byte, size int64) error {
	lower := bytes.ToLower(head)
	for _, marker := range htmlMarkers {
		if bytes.Contains(lower, marker) {
			return errors.Wrap(errors.ErrIntegrity, "file contains an HTML page")
		}
	}
	if size < scrutinySize && bytes.Contains(lower, errorMarker) {
		return errors.Wrap(errors.ErrIntegrity, "small file contains an error message")
	}
	return nil
}

// verifyFile checks a finished download on disk and returns its size.
func verifyFile(p string, expected int64) (int64, string, error) {
	f, err := os.Open(p)
	if err != nil {
		return 0, "", &localError{err: err}
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, "", &localError{err: err}
	}
	size := info.Size()

	warning, err := verifySize(size, expected)
	if err != nil {
		return size, "", err
	}

	head := make([]byte, sniffLength)
	n, err := io.ReadFull(f, head)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return size, "", &localError{err: err}
	}
	if err := sniff(head[:n], size); err != nil {
		return size, "", err
	}
	return size, warning, nil
}
