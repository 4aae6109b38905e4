// Package inventory gathers the facts that make up one device's report and
// runs the requested artifact pipelines against it.
package inventory

import (
	"strconv"

	"github.com/bigscan/bigscan/pkg/artifact"
)

// NotAvailable marks a fact that could not be read.
const NotAvailable = "N/A"

// Artifact status values.
const (
	ArtifactYes          = "Yes"
	ArtifactFailed       = "Failed"
	ArtifactNotRequested = "Not requested"
)

// DeviceInfo is the report for one device. Every field holds display text.
type DeviceInfo struct {
	ManagementIP        string `json:"management_ip"`
	Hostname            string `json:"hostname"`
	SerialNumber        string `json:"serial_number"`
	RegistrationKey     string `json:"registration_key"`
	Platform            string `json:"platform"`
	ActiveVersion       string `json:"active_version"`
	AvailableVersions   string `json:"available_versions"`
	InstalledHotfixes   string `json:"installed_hotfixes"`
	EmergencyHotfixes   string `json:"emergency_hotfixes"`
	SystemTime          string `json:"system_time"`
	TotalMemory         string `json:"total_memory"`
	MemoryUsed          string `json:"memory_used"`
	TMMMemory           string `json:"tmm_memory"`
	CPUCount            string `json:"cpu_count"`
	HAStatus            string `json:"ha_status"`
	QKViewDownloaded    string `json:"qkview_downloaded"`
	UCSDownloaded       string `json:"ucs_downloaded"`
	ExtractionTimestamp string `json:"extraction_timestamp"`
}

// Columns is the fixed report column order.
var Columns = []string{
	"management_ip",
	"hostname",
	"serial_number",
	"registration_key",
	"platform",
	"active_version",
	"available_versions",
	"installed_hotfixes",
	"emergency_hotfixes",
	"system_time",
	"total_memory",
	"memory_used",
	"tmm_memory",
	"cpu_count",
	"ha_status",
	"qkview_downloaded",
	"ucs_downloaded",
	"extraction_timestamp",
}

// NewDeviceInfo returns a record for host with every fact unset.
func NewDeviceInfo(host string) *DeviceInfo {
	return &DeviceInfo{
		ManagementIP:        host,
		Hostname:            NotAvailable,
		SerialNumber:        NotAvailable,
		RegistrationKey:     NotAvailable,
		Platform:            NotAvailable,
		ActiveVersion:       NotAvailable,
		AvailableVersions:   NotAvailable,
		InstalledHotfixes:   NotAvailable,
		EmergencyHotfixes:   NotAvailable,
		SystemTime:          NotAvailable,
		TotalMemory:         NotAvailable,
		MemoryUsed:          NotAvailable,
		TMMMemory:           NotAvailable,
		CPUCount:            NotAvailable,
		HAStatus:            NotAvailable,
		QKViewDownloaded:    ArtifactNotRequested,
		UCSDownloaded:       ArtifactNotRequested,
		ExtractionTimestamp: NotAvailable,
	}
}

// Row returns the record's values in Columns order.
func (d *DeviceInfo) Row() []string {
	return []string{
		d.ManagementIP,
		d.Hostname,
		d.SerialNumber,
		d.RegistrationKey,
		d.Platform,
		d.ActiveVersion,
		d.AvailableVersions,
		d.InstalledHotfixes,
		d.EmergencyHotfixes,
		d.SystemTime,
		d.TotalMemory,
		d.MemoryUsed,
		d.TMMMemory,
		d.CPUCount,
		d.HAStatus,
		d.QKViewDownloaded,
		d.UCSDownloaded,
		d.ExtractionTimestamp,
	}
}

// SetArtifact records the outcome of an artifact run.
func (d *DeviceInfo) SetArtifact(kind artifact.Kind, produced bool) {
	status := ArtifactFailed
	if produced {
		status = ArtifactYes
	}
	switch kind {
	case artifact.KindSnapshot:
		d.QKViewDownloaded = status
	case artifact.KindBackup:
		d.UCSDownloaded = status
	}
}

func setCount(dst *string, n int) {
	*dst = strconv.Itoa(n)
}
