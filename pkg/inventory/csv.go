package inventory

import (
	"encoding/csv"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/bigscan/bigscan/pkg/errors"
)

// Target is one device row from the input list. Empty credentials fall back
// to the command line or a prompt.
type Target struct {
	Host     string
	Username string
	Password string
	// Row is the 1-based line number in the input.
	Row int
}

var headerWords = []string{"ip", "address", "host", "username", "user", "password", "pass"}

// looksLikeHeader matches a first row naming its columns. A first field
// with a dot is an address, even when it happens to contain "ip".
func looksLikeHeader(fields []string) bool {
	if len(fields) == 0 || strings.Contains(fields[0], ".") {
		return false
	}
	line := strings.ToLower(strings.Join(fields, ","))
	for _, w := range headerWords {
		if strings.Contains(line, w) {
			return true
		}
	}
	return false
}

// ReadTargets parses ip,username,password rows. A first row mentioning any
// of the column names is skipped as a header. Rows with no address are
// skipped.
func ReadTargets(r io.Reader) ([]Target, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
	reader.TrimLeadingSpace = true

	records, err := reader.ReadAll()
	if err != nil {
		return nil, errors.Wrap(err, "failed to read device list")
	}

	var targets []Target
	for i, rec := range records {
		if i == 0 && looksLikeHeader(rec) {
			continue
		}
		if len(rec) == 0 || strings.TrimSpace(rec[0]) == "" {
			continue
		}
		for len(rec) < 3 {
			rec = append(rec, "")
		}
		targets = append(targets, Target{
			Host:     strings.TrimSpace(rec[0]),
			Username: strings.TrimSpace(rec[1]),
			Password: strings.TrimSpace(rec[2]),
			Row:      i + 1,
		})
	}
	return targets, nil
}

// ReadTargetsFile reads the device list at path.
func ReadTargetsFile(path string) ([]Target, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open device list")
	}
	defer f.Close()

	targets, err := ReadTargets(f)
	if err != nil {
		return nil, err
	}
	slog.Info("device_list_loaded", "path", path, "count", len(targets))
	return targets, nil
}

// WriteReport writes the header and one row per device. An empty list
// still produces the header.
func WriteReport(w io.Writer, infos []*DeviceInfo) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(Columns); err != nil {
		return errors.Wrap(err, "failed to write headers")
	}
	for _, info := range infos {
		if err := writer.Write(info.Row()); err != nil {
			return errors.Wrap(err, "failed to write row")
		}
	}
	writer.Flush()
	return writer.Error()
}

// WriteReportFile writes the report to path, replacing any existing file.
func WriteReportFile(path string, infos []*DeviceInfo) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "failed to create report")
	}
	if err := WriteReport(f, infos); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return errors.Wrap(err, "failed to close report")
	}
	slog.Info("report_written", "path", path, "devices", len(infos))
	return nil
}
