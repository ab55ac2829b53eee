// Package main implements cliap2, a single-device AirPlay 2 audio-receiver
// gateway: it resolves a device identity from CLI flags and an optional
// config file, wires the audio-pipe and command-pipe readers onto an
// external output module, advertises itself over mDNS, and serves an
// operator health endpoint, all supervised for the life of the process.
//
// Usage:
//
//	cliap2 --hostname=NAME --pipe=/path/to/audio.fifo [options]
//
// Options:
//
//	--config=PATH      Path to config file (optional; flags take precedence)
//	--lockdir=PATH     Directory for the per-device lock file (default: /var/run/cliap2)
//	--logdir=PATH      Directory for rotated daemon logs (default: stderr only)
//	--diagmode=MODE    Diagnostic depth for --check/--testrun: quick|full|debug
//	--ntp              Print the current NTP instant and exit
//	--check            Run the self-test suite and print a pass/fail line
//	--testrun          Create scratch FIFOs, run the self-test suite, clean up
//	-v, --version      Print version and exit
//	-h, --help         Show this help message
//
// The daemon automatically:
//   - Derives the synchronized start instant from --ntpstart/--wait
//   - Starts the audio-pipe and command-pipe threads in order
//   - Advertises _raop._tcp/_airplay._tcp over mDNS
//   - Handles SIGINT/SIGTERM for graceful shutdown, SIGHUP to rotate the
//     log file, reaps SIGCHLD
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/cliap2/cliap2/internal/artwork"
	"github.com/cliap2/cliap2/internal/audioreader"
	"github.com/cliap2/cliap2/internal/cmdreader"
	"github.com/cliap2/cliap2/internal/config"
	"github.com/cliap2/cliap2/internal/control"
	"github.com/cliap2/cliap2/internal/device"
	"github.com/cliap2/cliap2/internal/diagnostics"
	"github.com/cliap2/cliap2/internal/discovery"
	"github.com/cliap2/cliap2/internal/health"
	"github.com/cliap2/cliap2/internal/lock"
	"github.com/cliap2/cliap2/internal/logrotate"
	"github.com/cliap2/cliap2/internal/metadata"
	"github.com/cliap2/cliap2/internal/ntp"
	"github.com/cliap2/cliap2/internal/output"
	"github.com/cliap2/cliap2/internal/pipeio"
	"github.com/cliap2/cliap2/internal/queue"
	"github.com/cliap2/cliap2/internal/supervisor"
	"github.com/cliap2/cliap2/internal/util"
)

// Build information (set by ldflags).
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// testrunPipe and its companion command pipe are the scratch FIFOs
// --testrun exercises, matching original_source's TESTRUN_PIPE /
// TESTRUN_PIPE ".metadata" convention.
const testrunPipe = "/tmp/testrun.pipe"

// newOutputModule and newOutputPlayer are the plugin seam a concrete
// AirPlay 2 output build registers itself through at init time. The
// protocol stack they would drive is out of scope here, so the default
// implementations fail clearly rather than fabricate a working player.
var (
	newOutputModule = func(info *device.Info) (output.Module, error) {
		return nil, fmt.Errorf("cliap2: no output module registered for %q; this build has no AirPlay 2 protocol stack", info.Name)
	}
	newOutputPlayer = func(mod output.Module, input output.InputDriver) (output.Player, error) {
		return nil, fmt.Errorf("cliap2: no output player registered")
	}
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := pflag.NewFlagSet("cliap2", pflag.ContinueOnError)
	df := device.RegisterFlags(fs)

	var (
		lockDir  string
		logDir   string
		diagMode string
		help     bool
	)
	fs.StringVar(&lockDir, "lockdir", "/var/run/cliap2", "directory for the per-device lock file")
	fs.StringVar(&logDir, "logdir", "", "directory for rotated daemon logs (default: stderr only)")
	fs.StringVar(&diagMode, "diagmode", "full", "diagnostic depth for --check/--testrun: quick|full|debug")
	fs.BoolVarP(&help, "help", "h", false, "show this help message")
	fs.Usage = func() { printUsage(fs) }

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if help {
		printUsage(fs)
		return 0
	}
	if df.Version {
		fmt.Printf("cliap2 %s (%s) built %s\n", Version, Commit, BuildTime)
		return 0
	}
	if df.NTP {
		fmt.Println(ntp.Now(ntp.SystemClock{}).Uint64())
		return 0
	}

	mode, err := parseCheckMode(diagMode)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	if df.Check || df.TestRun {
		return runDiagnosticsMode(mode, lockDir, df.TestRun)
	}

	if err := runDaemon(df, fs, lockDir, logDir); err != nil {
		fmt.Fprintln(os.Stderr, "cliap2:", err)
		return 1
	}
	return 0
}

// parseCheckMode validates the --diagmode value.
func parseCheckMode(s string) (diagnostics.CheckMode, error) {
	switch diagnostics.CheckMode(s) {
	case diagnostics.ModeQuick, diagnostics.ModeFull, diagnostics.ModeDebug:
		return diagnostics.CheckMode(s), nil
	default:
		return "", fmt.Errorf("--diagmode must be one of quick|full|debug, got %q", s)
	}
}

// runDiagnosticsMode implements --check and --testrun: run the self-test
// suite and print a "cliap2 check"/"cliap2 fail" line, matching
// original_source's one-line outcome without its full player bring-up
// (out of scope here).
func runDiagnosticsMode(mode diagnostics.CheckMode, lockDir string, testrun bool) int {
	if testrun {
		if err := pipeio.Ensure(testrunPipe); err != nil {
			fmt.Fprintln(os.Stderr, "cliap2 fail:", err)
			return 1
		}
		if err := pipeio.Ensure(testrunPipe + ".metadata"); err != nil {
			fmt.Fprintln(os.Stderr, "cliap2 fail:", err)
			_ = pipeio.Remove(testrunPipe)
			return 1
		}
		defer func() {
			_ = pipeio.Remove(testrunPipe)
			_ = pipeio.Remove(testrunPipe + ".metadata")
		}()
	}

	opts := diagnostics.DefaultOptions()
	opts.Mode = mode
	opts.LockDir = lockDir

	runner := diagnostics.NewRunner(opts)
	report, err := runner.Run(context.Background())
	if err != nil {
		fmt.Fprintln(os.Stderr, "cliap2 fail:", err)
		return 1
	}

	diagnostics.PrintReport(os.Stdout, report)
	if !report.Healthy {
		fmt.Println("cliap2 fail")
		return 1
	}
	fmt.Println("cliap2 check")
	return 0
}

// runDaemon resolves the device, wires every collaborator named in the
// control surface, and blocks until a shutdown signal arrives.
func runDaemon(df *device.Flags, fs *pflag.FlagSet, lockDir, logDir string) error {
	cfg, err := loadConfiguration(df.Config)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	applyConfigDefaults(df, fs, cfg)

	now := time.Now()
	info, err := device.Resolve(df, now)
	if err != nil {
		return fmt.Errorf("resolving device: %w", err)
	}

	lockPath := filepath.Join(lockDir, info.Name+".lock")
	fl, err := lock.NewFileLock(lockPath)
	if err != nil {
		return fmt.Errorf("creating lock: %w", err)
	}
	if err := fl.Acquire(10 * time.Second); err != nil {
		return fmt.Errorf("acquiring lock %s: %w", lockPath, err)
	}
	defer fl.Close()

	logger, rotator, closeLog, err := newLogger(logDir, info.Name, df.LogLevel)
	if err != nil {
		return fmt.Errorf("opening log: %w", err)
	}
	defer closeLog()
	slog.SetDefault(logger)

	logger.Info("starting", "name", info.Name, "hostname", info.Hostname, "port", info.Port,
		"version", Version, "pipe", df.Pipe)

	staged := metadata.NewStaged()
	q := queue.New()
	fetcher := artwork.New(info.Name, artworkOptions(cfg)...)

	surface := control.New()
	surface.RegisterCloser(fetcher)

	mod, err := newOutputModule(info)
	if err != nil {
		return err
	}

	audioReader := audioreader.New(audioreader.Config{
		Path:          df.Pipe,
		SampleRate:    cfg.Device.SampleRate,
		BitsPerSample: cfg.Device.BitsPerSample,
		StartTS:       info.NTPStart.Uint64(),
		Pause:         surface.Pause,
		Staged:        staged,
		Queue:         q,
		Module:        mod,
		Logger:        logger.With("component", "audioreader"),
	})

	player, err := newOutputPlayer(mod, audioReader)
	if err != nil {
		return err
	}
	audioReader.SetPlayer(player)

	cmdReader := cmdreader.New(cmdreader.Config{
		Path:    df.Pipe + ".metadata",
		Pause:   surface.Pause,
		Staged:  staged,
		Artwork: fetcher,
		Module:  mod,
		Player:  player,
		Input:   audioReader,
		Device:  info,
		Logger:  logger.With("component", "cmdreader"),
	})

	sup := supervisor.New(supervisor.DefaultConfig())
	if err := sup.Add(discovery.New(info, logger.With("component", "discovery"))); err != nil {
		return fmt.Errorf("registering discovery: %w", err)
	}

	hp := &healthProvider{sup: sup, pause: surface.Pause, staged: staged, player: player}
	if cfg.Health.Enabled {
		handler := health.NewHandler(hp).WithSystemInfo(hp)
		if err := sup.Add(&healthService{addr: cfg.Health.Addr, handler: handler}); err != nil {
			return fmt.Errorf("registering health server: %w", err)
		}
	}

	// SIGHUP is deliberately kept out of this shutdown context: per §4.J
	// it must only reinitialise the logger, not tear the daemon down.
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	signal.Ignore(syscall.SIGPIPE)

	bgCtx, stopBg := context.WithCancel(context.Background())
	defer stopBg()
	util.SafeGo("reap-children", os.Stderr, func() { reapChildren(bgCtx, logger) }, nil)
	util.SafeGo("sighup-reopen-log", os.Stderr, func() { handleSIGHUP(bgCtx, rotator, logger) }, nil)

	if err := surface.Init(ctx, audioReader, cmdReader); err != nil {
		return err
	}

	supErrCh := make(chan error, 1)
	util.SafeGo("supervisor", os.Stderr, func() { supErrCh <- sup.Run(ctx) }, func(r interface{}, _ []byte) {
		supErrCh <- fmt.Errorf("supervisor goroutine panicked: %v", r)
	})

	<-ctx.Done()
	logger.Info("shutdown signal received")

	// Teardown in the order §4.J documents: signal source is already
	// stopped (ctx is cancelled), then the player/worker threads, then
	// the queue, then the suture supervisor (which also stops the
	// health server it owns).
	surface.Deinit()
	player.Stop()
	q.Clear(0)

	if err := <-supErrCh; err != nil && !errors.Is(err, context.Canceled) {
		logger.Warn("supervisor stopped with error", "error", err)
	}

	if audioErr, cmdErr := surface.Err(); audioErr != nil || cmdErr != nil {
		logger.Warn("reader errors", "audio", audioErr, "cmd", cmdErr)
	}

	logger.Info("shutdown complete")
	return nil
}

// loadConfiguration loads the config file through koanf (YAML file plus
// CLIAP2_* environment overrides), falling back to built-in defaults if
// no path was given or the file does not exist yet.
func loadConfiguration(path string) (*config.Config, error) {
	if path == "" {
		return config.DefaultConfig(), nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return config.DefaultConfig(), nil
	}
	kc, err := config.NewKoanfConfig(config.WithYAMLFile(path))
	if err != nil {
		return nil, err
	}
	return kc.Load()
}

// applyConfigDefaults fills any device flag the operator did not
// explicitly set from cfg.Device, per internal/config's documented
// precedence (flags win; the file supplies a value only for a flag not
// given on the command line, and a zero value in the file is ignored).
func applyConfigDefaults(df *device.Flags, fs *pflag.FlagSet, cfg *config.Config) {
	if !fs.Changed("name") && cfg.Device.Name != "" {
		df.Name = cfg.Device.Name
	}
	if !fs.Changed("address") && cfg.Device.Address != "" {
		df.Address = cfg.Device.Address
	}
	if !fs.Changed("port") && cfg.Device.Port != 0 {
		df.Port = cfg.Device.Port
	}
	if !fs.Changed("volume") && cfg.Device.Volume != 0 {
		df.Volume = cfg.Device.Volume
	}
	if !fs.Changed("latency") && cfg.Device.LatencyMs != 0 {
		df.LatencyMs = cfg.Device.LatencyMs
	}
}

// artworkOptions translates cfg.Artwork into the artwork.Fetcher's
// functional options.
func artworkOptions(cfg *config.Config) []artwork.Option {
	var opts []artwork.Option
	if cfg.Artwork.TimeoutMs > 0 {
		opts = append(opts, artwork.WithTimeout(time.Duration(cfg.Artwork.TimeoutMs)*time.Millisecond))
	}
	if cfg.Artwork.TmpDir != "" {
		opts = append(opts, artwork.WithTmpDir(cfg.Artwork.TmpDir))
	}
	return opts
}

// newLogger builds the structured logger cliap2 runs with: JSON to
// stderr, or to a rotating file under logDir when one was given. The
// *logrotate.RotatingWriter is returned alongside so SIGHUP can force a
// rotation directly; it is nil when logging to stderr, since stderr has
// no rotated generations to reinitialise.
func newLogger(logDir, component string, level int) (*slog.Logger, *logrotate.RotatingWriter, func(), error) {
	if logDir == "" {
		h := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slogLevel(level)})
		return slog.New(h), nil, func() {}, nil
	}

	w, err := logrotate.Open(logDir, component)
	if err != nil {
		return nil, nil, nil, err
	}
	h := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: slogLevel(level)})
	return slog.New(h), w, func() { _ = w.Close() }, nil
}

// handleSIGHUP implements §4.J's "SIGHUP reinitialises the logger":
// each SIGHUP forces the rotating log file to roll over, matching the
// traditional daemon convention of using SIGHUP to make a long-lived
// process pick up a freshly truncated/renamed log file without
// restarting. A stderr-only logger (rotator == nil) has nothing to
// rotate, so the signal is simply acknowledged.
func handleSIGHUP(ctx context.Context, rotator *logrotate.RotatingWriter, logger *slog.Logger) {
	sighup := make(chan os.Signal, 1)
	signal.Notify(sighup, syscall.SIGHUP)
	defer signal.Stop(sighup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-sighup:
			if rotator == nil {
				logger.Info("SIGHUP received, nothing to rotate (logging to stderr)")
				continue
			}
			if err := rotator.Rotate(); err != nil {
				logger.Warn("SIGHUP log rotation failed", "error", err)
				continue
			}
			logger.Info("SIGHUP received, log file rotated")
		}
	}
}

// slogLevel maps the 0-5 --loglevel scale onto slog's coarser four
// levels: 0 is errors only, 3 (the default) is informational, 4-5 add
// debug detail.
func slogLevel(level int) slog.Level {
	switch {
	case level <= 0:
		return slog.LevelError
	case level <= 2:
		return slog.LevelWarn
	case level == 3:
		return slog.LevelInfo
	default:
		return slog.LevelDebug
	}
}

// reapChildren drains SIGCHLD so any collaborator process an output
// module forks (a codec, a player helper) cannot accumulate as a
// zombie; cliap2 itself forks nothing, but the signal is routed here
// rather than left unhandled so a registered output module may do so
// safely.
func reapChildren(ctx context.Context, logger *slog.Logger) {
	sigchld := make(chan os.Signal, 1)
	signal.Notify(sigchld, syscall.SIGCHLD)
	defer signal.Stop(sigchld)

	for {
		select {
		case <-ctx.Done():
			return
		case <-sigchld:
			for {
				var ws syscall.WaitStatus
				pid, err := syscall.Wait4(-1, &ws, syscall.WNOHANG, nil)
				if pid <= 0 || err != nil {
					break
				}
				logger.Debug("reaped child", "pid", pid, "status", ws.ExitStatus())
			}
		}
	}
}

// healthProvider adapts the supervisor and the AirPlay-domain state the
// command surface owns onto health.StatusProvider/SystemInfoProvider.
type healthProvider struct {
	sup    *supervisor.Supervisor
	pause  *control.PauseFlag
	staged *metadata.Staged
	player output.Player
}

// Services satisfies health.StatusProvider.
func (h *healthProvider) Services() []health.ServiceInfo {
	statuses := h.sup.Status()
	out := make([]health.ServiceInfo, 0, len(statuses))
	for _, st := range statuses {
		info := health.ServiceInfo{
			Name:     st.Name,
			State:    st.State.String(),
			Uptime:   st.Uptime,
			Healthy:  st.State == supervisor.ServiceStateRunning,
			Restarts: st.Restarts,
		}
		if st.LastError != nil {
			info.Error = st.LastError.Error()
		}
		out = append(out, info)
	}
	return out
}

// SystemInfo satisfies health.SystemInfoProvider.
func (h *healthProvider) SystemInfo() health.SystemInfo {
	status := h.player.Status()

	now := ntp.Now(ntp.SystemClock{})
	sec, nsec := ntp.ToWall(now)
	skew := time.Since(time.Unix(sec, nsec))
	synced := skew < diagnostics.NTPClockSkewWarning && skew > -diagnostics.NTPClockSkewWarning

	var msg string
	if !synced {
		msg = fmt.Sprintf("clock skew %v", skew)
	}

	var isNew bool
	h.staged.WithLock(func(s *metadata.Staged) { isNew = s.IsNew })

	return health.SystemInfo{
		PlayerState: status.Status.String(),
		QueueItemID: status.ID,
		StagedIsNew: isNew,
		PauseFlag:   h.pause.Get(),
		NTPSynced:   synced,
		NTPMessage:  msg,
	}
}

// healthService wraps the /healthz + /metrics HTTP server as a
// supervisor.Service so it shares the suture tree with discovery.
type healthService struct {
	addr    string
	handler *health.Handler
}

func (s *healthService) Name() string { return "health" }

func (s *healthService) Run(ctx context.Context) error {
	return health.ListenAndServe(ctx, s.addr, s.handler)
}

func printUsage(fs *pflag.FlagSet) {
	fmt.Println("cliap2 - AirPlay 2 audio-receiver gateway")
	fmt.Printf("Version: %s (%s)\n\n", Version, Commit)
	fmt.Println("Usage: cliap2 --hostname=NAME --pipe=/path/to/audio.fifo [options]")
	fmt.Println()
	fmt.Println("Options:")
	fs.PrintDefaults()
	fmt.Println()
	fmt.Println("The gateway reads PCM from the audio FIFO and commands from its")
	fmt.Println("companion \"<pipe>.metadata\" FIFO, handing both to a registered")
	fmt.Println("output module; it does not implement the AirPlay 2 protocol stack.")
	fmt.Println()
	fmt.Println("Signals:")
	fmt.Println("  SIGINT, SIGTERM          Graceful shutdown")
	fmt.Println("  SIGHUP                   Rotate the log file (with --logdir)")
	fmt.Println("  SIGCHLD                  Reaped in the background")
}
