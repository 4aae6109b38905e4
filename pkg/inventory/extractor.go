package inventory

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bigscan/bigscan/pkg/artifact"
	"github.com/bigscan/bigscan/pkg/console"
	"github.com/bigscan/bigscan/pkg/errors"
)

// Session is the part of the REST session the extractor needs.
// *bigip.Client satisfies it.
type Session interface {
	Host() string
	Connect(ctx context.Context, username, password string) bool
	Logout(ctx context.Context)
	GetTM(ctx context.Context, endpoint string) ([]byte, error)
}

// Options configures an Extractor.
type Options struct {
	Username string
	Password string

	// Artifacts lists the kinds to create and download, in order.
	Artifacts []artifact.Descriptor
	// Env is passed to every pipeline.
	Env artifact.Env
	// Runner executes the pipelines. Defaults to artifact.DirectRunner.
	Runner          artifact.Runner
	PipelineOptions []artifact.PipelineOption

	Console *console.Console
	Now     func() time.Time
}

// Extractor builds the report for one device.
type Extractor struct {
	session  Session
	opts     Options
	out      *console.Console
	settings map[string]any
	outcomes []artifact.Outcome
}

// NewExtractor creates an extractor over session.
func NewExtractor(session Session, opts Options) *Extractor {
	if opts.Runner == nil {
		opts.Runner = artifact.DirectRunner{}
	}
	if opts.Console == nil {
		opts.Console = console.Discard()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Extractor{session: session, opts: opts, out: opts.Console}
}

// Outcomes returns the artifact runs of the last Extract call.
func (e *Extractor) Outcomes() []artifact.Outcome {
	return e.outcomes
}

type factStep struct {
	name  string
	run   func(context.Context, *DeviceInfo) error
	reset func(*DeviceInfo)
}

func (e *Extractor) steps() []factStep {
	return []factStep{
		{"global-settings", e.hostname, func(d *DeviceInfo) { d.Hostname = NotAvailable }},
		{"hardware", e.hardware, func(d *DeviceInfo) { d.Platform, d.SerialNumber = NotAvailable, NotAvailable }},
		{"license", e.license, func(d *DeviceInfo) { d.RegistrationKey = NotAvailable }},
		{"software", e.software, func(d *DeviceInfo) { d.ActiveVersion, d.AvailableVersions = NotAvailable, NotAvailable }},
		{"hotfix", e.hotfixes, func(d *DeviceInfo) { d.InstalledHotfixes, d.EmergencyHotfixes = NotAvailable, NotAvailable }},
		{"clock", e.clock, func(d *DeviceInfo) { d.SystemTime = NotAvailable }},
		{"memory", e.memory, func(d *DeviceInfo) { d.TotalMemory, d.MemoryUsed, d.TMMMemory = NotAvailable, NotAvailable, NotAvailable }},
		{"cpu", e.cpu, func(d *DeviceInfo) { d.CPUCount = NotAvailable }},
		{"ha", e.ha, func(d *DeviceInfo) { d.HAStatus = NotAvailable }},
	}
}

// Extract connects, gathers every fact, runs the requested artifact
// pipelines and logs out. A failed fact step only blanks its own fields.
// Authentication failure returns ErrAuthFailed and no record.
func (e *Extractor) Extract(ctx context.Context) (*DeviceInfo, error) {
	host := e.session.Host()
	e.outcomes = nil
	e.settings = nil

	if !e.session.Connect(ctx, e.opts.Username, e.opts.Password) {
		slog.Warn("device_auth_failed", "host", host, "username", e.opts.Username)
		return nil, errors.Wrap(errors.ErrAuthFailed, host)
	}
	defer e.session.Logout(context.WithoutCancel(ctx))

	info := NewDeviceInfo(host)
	e.out.Info("  Extracting system information...")
	for _, step := range e.steps() {
		if err := step.run(ctx, info); err != nil {
			step.reset(info)
			slog.Warn("fact_step_failed", "host", host, "step", step.name, "error", err)
			e.out.Warn("%s unavailable: %v", step.name, err)
			continue
		}
		slog.Debug("fact_step_done", "host", host, "step", step.name)
	}

	name := info.Hostname
	if name == NotAvailable {
		name = host
	}
	for _, desc := range e.opts.Artifacts {
		p := artifact.NewPipeline(desc, e.opts.Env, host, name, e.opts.PipelineOptions...)
		o := e.opts.Runner.Run(ctx, p)
		e.outcomes = append(e.outcomes, o)
		info.SetArtifact(desc.Kind, o.Produced())
		if ctx.Err() != nil {
			break
		}
	}

	info.ExtractionTimestamp = e.opts.Now().Format(TimeLayout)
	slog.Info("device_extracted", "host", host, "hostname", info.Hostname, "version", info.ActiveVersion)
	return info, nil
}

func (e *Extractor) stats(ctx context.Context, endpoint string) (*Stats, error) {
	raw, err := e.session.GetTM(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	s, err := decodeStats(raw)
	if err != nil {
		return nil, errors.Wrap(err, fmt.Sprintf("failed to decode %s", endpoint))
	}
	return s, nil
}

func (e *Extractor) hostname(ctx context.Context, d *DeviceInfo) error {
	raw, err := e.session.GetTM(ctx, "sys/global-settings")
	if err != nil {
		return err
	}
	var settings map[string]any
	if err := unmarshal(raw, &settings); err != nil {
		return errors.Wrap(err, "failed to decode sys/global-settings")
	}
	e.settings = settings
	if h := scalar(settings["hostname"]); h != "" {
		d.Hostname = h
	}
	return nil
}

func (e *Extractor) hardware(ctx context.Context, d *DeviceInfo) error {
	raw, err := e.session.GetTM(ctx, "sys/hardware")
	if err != nil {
		return err
	}
	hw, err := decodeStats(raw)
	if err != nil {
		return errors.Wrap(err, "failed to decode sys/hardware")
	}

	if p, ok := Platform(hw); ok {
		d.Platform = p
	}

	serial, ok := ChassisSerial(hw)
	if !ok {
		if tree, err := decodeTree(raw); err == nil {
			serial, ok = FindValue(tree, "bigipChassisSerialNum")
		}
	}
	if ok {
		d.SerialNumber = serial
		e.out.Success("Found chassis serial: %s", serial)
	} else {
		e.out.Info("    Chassis serial number not found")
	}
	return nil
}

func (e *Extractor) license(ctx context.Context, d *DeviceInfo) error {
	lic, err := e.stats(ctx, "sys/license")
	if err != nil {
		return err
	}
	if key, ok := RegistrationKey(lic); ok {
		d.RegistrationKey = key
		e.out.Success("Found registration key: %s", key)
	}
	return nil
}

func (e *Extractor) software(ctx context.Context, d *DeviceInfo) error {
	var available []string
	active := ""

	raw, err := e.session.GetTM(ctx, "sys/software/volume")
	if err == nil {
		volumes, derr := decodeItems[Volume](raw)
		if derr != nil {
			return errors.Wrap(derr, "failed to decode sys/software/volume")
		}
		for _, v := range volumes {
			available = append(available, DescribeVolume(v))
			if v.Active {
				active = v.Version
			}
		}
		e.out.Info("    Found %d boot locations", len(volumes))
	} else {
		slog.Debug("software_volume_unavailable", "host", d.ManagementIP, "error", err)
	}

	if active == "" {
		if v, err := e.stats(ctx, "sys/version"); err == nil {
			if version, ok := TMOSVersion(v); ok {
				active = version
			}
		}
	}

	if active != "" {
		d.ActiveVersion = active
	}
	d.AvailableVersions = joinOr(available, NotAvailable)
	return nil
}

func (e *Extractor) hotfixes(ctx context.Context, d *DeviceInfo) error {
	raw, err := e.session.GetTM(ctx, "sys/software/hotfix")
	if err != nil {
		return err
	}
	items, err := decodeItems[Hotfix](raw)
	if err != nil {
		return errors.Wrap(err, "failed to decode sys/software/hotfix")
	}

	var installed, emergency []string
	for _, h := range items {
		desc := DescribeHotfix(h)
		installed = append(installed, desc)
		if IsEmergency(h) {
			emergency = append(emergency, desc)
			e.out.Info("      %s %s", e.out.Red("⚠"), e.out.Yellow(h.Name))
		} else {
			e.out.Info("      • %s", h.Name)
		}
	}

	d.InstalledHotfixes = joinOr(installed, "None")
	d.EmergencyHotfixes = joinOr(emergency, "None")
	return nil
}

var clockFields = []string{"fullDate", "date", "time", "dateTime"}

func (e *Extractor) clock(ctx context.Context, d *DeviceInfo) error {
	raw, err := e.session.GetTM(ctx, "sys/clock")
	if err == nil {
		tree, derr := decodeTree(raw)
		if derr == nil {
			top, _ := tree.(map[string]any)
			for _, field := range clockFields {
				value := scalar(top[field])
				if value == "" {
					value, _ = FindValue(tree, field)
				}
				if formatted := FormatSystemTime(value, time.Local); formatted != NotAvailable {
					d.SystemTime = formatted
					return nil
				}
			}
		}
	}

	// Responsive device without a readable clock: use local time.
	if _, ok := e.settings["consoleInactivityTimeout"]; ok {
		d.SystemTime = e.opts.Now().Format(TimeLayout)
		return nil
	}
	return err
}

func (e *Extractor) memory(ctx context.Context, d *DeviceInfo) error {
	if tmm, err := e.stats(ctx, "sys/tmm-info"); err == nil {
		tmm.Leaves(func(name string, entry StatEntry) bool {
			value := entry.Text()
			if strings.Contains(strings.ToLower(name), "memory") && value != "" && isNumeric(value) {
				d.TMMMemory = FormatMemory(value)
				return false
			}
			return true
		})
	}

	if host, err := e.stats(ctx, "sys/host-info"); err == nil {
		host.Leaves(func(name string, entry StatEntry) bool {
			lower := strings.ToLower(name)
			value := entry.Text()
			if !strings.Contains(lower, "memory") || value == "" {
				return true
			}
			switch {
			case strings.Contains(lower, "total") && d.TotalMemory == NotAvailable:
				d.TotalMemory = FormatMemory(value)
			case strings.Contains(lower, "used") && d.MemoryUsed == NotAvailable:
				d.MemoryUsed = FormatMemory(value)
			}
			return true
		})
	}

	if d.TotalMemory == NotAvailable {
		if platform, err := e.stats(ctx, "sys/platform"); err == nil {
			platform.Leaves(func(name string, entry StatEntry) bool {
				value := entry.Text()
				if strings.Contains(strings.ToLower(name), "memory") && value != "" {
					if formatted := FormatMemory(value); formatted != NotAvailable {
						d.TotalMemory = formatted
						return false
					}
				}
				return true
			})
		}
	}
	return nil
}

func (e *Extractor) cpu(ctx context.Context, d *DeviceInfo) error {
	s, err := e.stats(ctx, "sys/cpu")
	if err != nil {
		return err
	}
	if s.Entries == nil {
		return fmt.Errorf("sys/cpu returned no entries")
	}
	setCount(&d.CPUCount, len(s.Entries))
	return nil
}

func (e *Extractor) ha(ctx context.Context, d *DeviceInfo) error {
	if raw, err := e.session.GetTM(ctx, "sys/failover"); err == nil {
		var top map[string]any
		if unmarshal(raw, &top) == nil {
			if status := scalar(top["status"]); status != "" {
				d.HAStatus = status
				return nil
			}
		}
		if s, err := decodeStats(raw); err == nil {
			found := ""
			s.Leaves(func(name string, entry StatEntry) bool {
				if strings.Contains(strings.ToLower(name), "status") && entry.Text() != "" {
					found = entry.Text()
					return false
				}
				return true
			})
			if found != "" {
				d.HAStatus = found
				return nil
			}
		}
	}

	d.HAStatus = "Standalone"
	if raw, err := e.session.GetTM(ctx, "cm/device"); err == nil {
		if devices, err := decodeItems[map[string]any](raw); err == nil && len(devices) > 1 {
			d.HAStatus = fmt.Sprintf("Clustered (%d devices)", len(devices))
		}
	}
	return nil
}
