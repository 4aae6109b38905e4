package commands

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/bigscan/bigscan/internal/config"
	"github.com/bigscan/bigscan/pkg/artifact"
	"github.com/bigscan/bigscan/pkg/bigip"
	"github.com/bigscan/bigscan/pkg/console"
	"github.com/bigscan/bigscan/pkg/db"
	"github.com/bigscan/bigscan/pkg/errors"
	appfsm "github.com/bigscan/bigscan/pkg/fsm"
	"github.com/bigscan/bigscan/pkg/inventory"
	"github.com/bigscan/bigscan/pkg/security"
	"github.com/bigscan/bigscan/pkg/storage"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/superfly/fsm"
)

const maxAuthAttempts = 3

var (
	scanIn      string
	scanOut     string
	scanQKView  bool
	scanUCS     bool
	scanArchive bool
)

var scanCmd = &cobra.Command{
	Use:   "scan [hosts...]",
	Short: "Extract device facts and optionally retrieve qkview/UCS artifacts",
	Long: `Connects to each device, gathers its facts and writes one CSV row per device.

Devices come from the arguments, from --in (ip,username,password rows), or from
the terminal when neither is given. Credentials missing from the device list fall
back to --user/--pass, then to a prompt.`,
	RunE: runScan,
}

func init() {
	rootCmd.AddCommand(scanCmd)

	flags := scanCmd.Flags()
	flags.StringVarP(&scanIn, "in", "i", "", "Input CSV with ip,username,password rows")
	flags.StringVarP(&scanOut, "out", "o", "bigip_device_info.csv", "Output CSV report")
	flags.BoolVarP(&scanQKView, "qkview", "q", false, "Create and download a qkview from each device")
	flags.BoolVar(&scanUCS, "ucs", false, "Create and download a UCS backup from each device")
	flags.BoolVar(&scanArchive, "archive", false, "Upload downloaded artifacts to S3")

	flags.StringP("user", "u", "", "Username for devices without one in the list")
	flags.StringP("pass", "p", "", "Password for devices without one in the list")
	flags.Int("qkview-timeout", 1200, "QKView creation deadline in seconds")
	flags.Int("qkview-tolerance", 3, "Consecutive qkview poll failures tolerated")
	flags.Int("ucs-timeout", 900, "UCS creation deadline in seconds")
	flags.Int("ucs-tolerance", 10, "Consecutive UCS poll failures tolerated")
	flags.Int("poll-interval", 15, "Seconds between task status polls")
	flags.Bool("no-delete", false, "Leave artifacts and tasks on the devices")
	flags.String("engine", config.EngineDirect, "Pipeline engine: direct or fsm")
	flags.String("journal-dir", ".bigscan/fsm", "FSM journal directory (fsm engine)")
	flags.Int("fsm-max-retries", 3, "Retries per FSM transition")
	flags.Bool("insecure", true, "Skip TLS certificate verification")
	flags.Int("request-timeout", 30, "Per-request timeout in seconds")
	flags.Int("chunk-retries", 3, "Transport retries per download chunk")
	flags.Float64("shell-rate", 5, "Remote shell commands per second")
	flags.Int64("max-file-size", 8*1024*1024*1024, "Largest artifact accepted, in bytes (0 for no limit)")

	bindFlags(flags, "user", "pass", "qkview-timeout", "qkview-tolerance", "ucs-timeout",
		"ucs-tolerance", "poll-interval", "no-delete", "engine", "fsm-max-retries",
		"insecure", "request-timeout", "chunk-retries", "shell-rate", "max-file-size")
	viper.BindPFlag("fsm-db-path", flags.Lookup("journal-dir"))
}

// scanner holds what every device in one scan shares.
type scanner struct {
	cfg       *config.Config
	repo      *db.Repository
	out       *console.Console
	prompt    *prompter
	runner    artifact.Runner
	archiver  artifact.Archiver
	artifacts []artifact.Descriptor
	guard     *security.Validator

	// Credentials entered at the prompt are reused for later devices.
	user string
	pass string
}

func runScan(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if scanArchive {
		viper.Set("archive", true)
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	out := console.New(os.Stdout)
	prompt := newPrompter(os.Stdin, os.Stdout)

	if cmd.Flags().Changed("pass") {
		out.Warn("Passing a password on the command line is not secure; prefer --user and the prompt")
	}

	targets, err := collectTargets(args, prompt)
	if err != nil {
		return err
	}
	if len(targets) == 0 {
		return errors.New("no devices to scan: pass hosts, --in, or run on a terminal")
	}

	fsmDir := ""
	if cfg.Engine == config.EngineFSM {
		fsmDir = cfg.FSMDBPath
	}
	if err := ensureDirectories(cfg.SQLitePath, fsmDir, cfg.OutputDir); err != nil {
		return err
	}

	repo, err := db.NewRepository(cfg.SQLitePath)
	if err != nil {
		return errors.Wrap(err, "db init failed")
	}
	defer repo.Close()

	s := &scanner{
		cfg:       cfg,
		repo:      repo,
		out:       out,
		prompt:    prompt,
		artifacts: selectArtifacts(cfg),
		guard:     security.NewValidator(cfg.MaxFileSize, 0),
		user:      cfg.User,
		pass:      cfg.Pass,
	}

	if cfg.Archive {
		archive, err := storage.NewClient(ctx, storage.Options{
			Bucket:   cfg.S3Bucket,
			Region:   cfg.S3Region,
			Prefix:   cfg.S3Prefix,
			Endpoint: cfg.S3Endpoint,
		})
		if err != nil {
			return errors.Wrap(err, "S3 client failed")
		}
		s.archiver = archive
	}

	switch cfg.Engine {
	case config.EngineFSM:
		manager, err := fsm.New(fsm.Config{DBPath: cfg.FSMDBPath})
		if err != nil {
			return errors.Wrap(err, "FSM manager failed")
		}
		defer manager.Shutdown(10 * time.Second)

		runner, err := appfsm.NewRunner(ctx, manager, appfsm.NewMachine(repo, cfg.FSMMaxRetries))
		if err != nil {
			return err
		}
		s.runner = runner
	default:
		s.runner = db.NewHistoryRunner(artifact.DirectRunner{}, repo)
	}

	s.announce(len(targets))

	var infos []*inventory.DeviceInfo
	for i, t := range targets {
		if ctx.Err() != nil {
			out.Warn("Interrupted; skipping %d remaining device(s)", len(targets)-i)
			break
		}
		out.Header("[%d/%d] Processing device: %s", i+1, len(targets), t.Host)

		info, err := s.scanTarget(ctx, t)
		if err != nil {
			slog.Error("device_failed", "host", t.Host, "error", err)
			out.Fail("Failed to extract information from %s: %v", t.Host, err)
			continue
		}
		infos = append(infos, info)
		out.Success("Extracted information from %s", t.Host)
		out.Info("    Hostname: %s, Version: %s", info.Hostname, info.ActiveVersion)
		if scanQKView {
			out.Info("    QKView: %s", info.QKViewDownloaded)
		}
		if scanUCS {
			out.Info("    UCS: %s", info.UCSDownloaded)
		}
	}

	if err := inventory.WriteReportFile(scanOut, infos); err != nil {
		return err
	}
	s.summarize(infos)
	return nil
}

func (s *scanner) announce(devices int) {
	s.out.Header("BIG-IP Device Information Extractor")
	s.out.Info("Processing %d device(s), engine %s", devices, s.cfg.Engine)
	for _, desc := range s.artifacts {
		s.out.Info("%s enabled: deadline %s, files saved under %s", desc.Label, desc.Deadline, desc.LocalDir)
	}
	if len(s.artifacts) > 0 && s.cfg.NoDelete {
		s.out.Warn("Remote cleanup disabled; artifacts stay on the devices")
	}
	if len(s.artifacts) == 2 {
		s.out.Warn("Both QKView and UCS enabled; processing will take considerably longer")
	}
}

func (s *scanner) summarize(infos []*inventory.DeviceInfo) {
	if len(infos) == 0 {
		s.out.Warn("No device information collected")
		s.out.Info("Empty report written to %s", scanOut)
		return
	}
	s.out.Info("Extracted information for %d device(s)", len(infos))
	s.out.Info("Results written to %s", scanOut)
	for _, desc := range s.artifacts {
		n := 0
		for _, info := range infos {
			status := info.QKViewDownloaded
			if desc.Kind == artifact.KindBackup {
				status = info.UCSDownloaded
			}
			if status == inventory.ArtifactYes {
				n++
			}
		}
		s.out.Info("%s downloaded: %d/%d", desc.Label, n, len(infos))
	}
}

// scanTarget extracts one device, offering new credentials after an
// authentication failure when a terminal is attached.
func (s *scanner) scanTarget(ctx context.Context, t inventory.Target) (*inventory.DeviceInfo, error) {
	username, password, err := s.credentials(t)
	if err != nil {
		return nil, err
	}

	for attempt := 1; ; attempt++ {
		info, outcomes, err := s.extract(ctx, t.Host, username, password)
		if err == nil {
			s.saveReport(info, outcomes, "")
			return info, nil
		}
		if !errors.Is(err, errors.ErrAuthFailed) {
			return nil, err
		}

		s.out.Fail("Authentication failed for %s", t.Host)
		if attempt >= maxAuthAttempts || !s.prompt.Interactive() ||
			!s.prompt.Confirm("    Retry with different credentials? (y/n): ") {
			s.saveReport(inventory.NewDeviceInfo(t.Host), nil, err.Error())
			return nil, err
		}
		if username, err = s.prompt.Line("    Username: "); err != nil {
			return nil, err
		}
		if password, err = s.prompt.Password("    Password: "); err != nil {
			return nil, err
		}
	}
}

// credentials picks the list values, then flags or config, then the prompt.
func (s *scanner) credentials(t inventory.Target) (string, string, error) {
	username, password := t.Username, t.Password
	if username != "" {
		s.out.Info("  Using credentials from the device list for user %s", username)
	}
	if username == "" {
		if s.user == "" {
			u, err := s.prompt.Line("Username: ")
			if err != nil {
				return "", "", errors.Wrap(err, "no username for "+t.Host)
			}
			s.user = u
		}
		username = s.user
	}
	if password == "" {
		if s.pass == "" {
			p, err := s.prompt.Password("Password for " + username + ": ")
			if err != nil {
				return "", "", errors.Wrap(err, "no password for "+t.Host)
			}
			s.pass = p
		}
		password = s.pass
	}
	return username, password, nil
}

func (s *scanner) extract(ctx context.Context, host, username, password string) (*inventory.DeviceInfo, []artifact.Outcome, error) {
	client := bigip.NewClient(host,
		bigip.WithInsecure(s.cfg.Insecure),
		bigip.WithTimeout(seconds(s.cfg.RequestTimeout)),
	)

	env := artifact.Env{
		API:          client,
		Shell:        bigip.NewShell(client, s.cfg.ShellRate),
		Console:      s.out,
		Guard:        s.guard,
		NoDelete:     s.cfg.NoDelete,
		ChunkRetries: s.cfg.ChunkRetries,
		OutputDir:    s.cfg.OutputDir,
	}
	var opts []artifact.PipelineOption
	if s.archiver != nil {
		opts = append(opts, artifact.WithArchiver(s.archiver))
	}

	e := inventory.NewExtractor(client, inventory.Options{
		Username:        username,
		Password:        password,
		Artifacts:       s.artifacts,
		Env:             env,
		Runner:          s.runner,
		PipelineOptions: opts,
		Console:         s.out,
	})
	info, err := e.Extract(ctx)
	return info, e.Outcomes(), err
}

// saveReport records the extraction in the history. Failures are logged.
func (s *scanner) saveReport(info *inventory.DeviceInfo, outcomes []artifact.Outcome, errMsg string) {
	payload, err := json.Marshal(struct {
		*inventory.DeviceInfo
		Artifacts []artifact.Outcome `json:"artifacts,omitempty"`
		Error     string             `json:"error,omitempty"`
	}{info, outcomes, errMsg})
	if err != nil {
		slog.Warn("report_encode_failed", "host", info.ManagementIP, "error", err)
		return
	}

	extractedAt := info.ExtractionTimestamp
	if extractedAt == inventory.NotAvailable {
		extractedAt = time.Now().Format(inventory.TimeLayout)
	}
	rep := &db.Report{
		Host:             info.ManagementIP,
		Hostname:         info.Hostname,
		SerialNumber:     info.SerialNumber,
		ActiveVersion:    info.ActiveVersion,
		HAStatus:         info.HAStatus,
		QKViewDownloaded: info.QKViewDownloaded,
		UCSDownloaded:    info.UCSDownloaded,
		ExtractedAt:      extractedAt,
		Payload:          string(payload),
	}
	if err := s.repo.SaveReport(rep); err != nil {
		slog.Warn("report_save_failed", "host", info.ManagementIP, "error", err)
	}
}

func selectArtifacts(cfg *config.Config) []artifact.Descriptor {
	var descs []artifact.Descriptor
	if scanQKView {
		descs = append(descs, artifact.Snapshot().
			WithDeadline(seconds(cfg.QKViewTimeout)).
			WithTolerance(cfg.QKViewTolerance).
			WithPollInterval(seconds(cfg.PollInterval)))
	}
	if scanUCS {
		descs = append(descs, artifact.Backup().
			WithDeadline(seconds(cfg.UCSTimeout)).
			WithTolerance(cfg.UCSTolerance).
			WithPollInterval(seconds(cfg.PollInterval)))
	}
	return descs
}

// collectTargets merges argument hosts with the --in list. With neither,
// hosts are read from the terminal until a blank line or "quit".
func collectTargets(args []string, prompt *prompter) ([]inventory.Target, error) {
	var targets []inventory.Target
	for _, host := range args {
		targets = append(targets, inventory.Target{Host: host})
	}
	if scanIn != "" {
		listed, err := inventory.ReadTargetsFile(scanIn)
		if err != nil {
			return nil, err
		}
		targets = append(targets, listed...)
	}
	if len(targets) > 0 || !prompt.Interactive() {
		return targets, nil
	}

	for {
		host, err := prompt.Line("Enter BIG-IP device IP/hostname (blank or 'quit' to finish): ")
		if err != nil || host == "" || host == "quit" {
			return targets, nil
		}
		targets = append(targets, inventory.Target{Host: host})
	}
}
