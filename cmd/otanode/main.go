// Otanode is a ThingsBoard device agent with over-the-air updates.
//
// On start it waits for the network and a synchronized clock, opens a
// single MQTT session to ThingsBoard, reports its firmware version and
// then publishes a sensor sample every telemetry interval. A server-side
// RPC carrying params.ota_url makes it download the image, install it
// and restart into it.
//
// Usage:
//
//	otanode init [dir]       Write a starter config.yaml and .env into dir
//	otanode run              Run the device agent
//	otanode state            Print the last firmware update record
//	otanode version          Print version and build information
//	otanode -o json version  Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/nugget/otanode/internal/buildinfo"
	"github.com/nugget/otanode/internal/config"
	"github.com/nugget/otanode/internal/connwatch"
	"github.com/nugget/otanode/internal/link"
	"github.com/nugget/otanode/internal/mqtt"
	"github.com/nugget/otanode/internal/opstate"
	"github.com/nugget/otanode/internal/ota"
	"github.com/nugget/otanode/internal/rpc"
	"github.com/nugget/otanode/internal/sensor"
	"github.com/nugget/otanode/internal/telemetry"
	"github.com/nugget/otanode/internal/timesync"
	"github.com/nugget/otanode/internal/topic"
)

// stateDB is the operational state database under data_dir.
const stateDB = "otanode.db"

// main only builds the OS environment and hands off to [run], so the
// whole lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Arguments are parsed by hand to keep
// flag.CommandLine globals out of tests. Logs go to stdout; the caller
// prints the returned error to stderr.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		case !strings.HasPrefix(args[i], "-"):
			cmdArgs = append(cmdArgs, args[i])
		default:
			return fmt.Errorf("unknown argument: %s", args[i])
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	if len(cmdArgs) > 0 && command != "init" {
		return fmt.Errorf("unexpected argument for %s: %s", command, cmdArgs[0])
	}

	switch command {
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "run":
		return runDevice(ctx, stdout, stderr, configPath)
	case "state":
		return runState(stdout, configPath, outputFmt)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.BuildInfo()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "otanode - ThingsBoard device agent with OTA updates")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: otanode [flags] <command>")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  init [dir]   Write a starter config.yaml and .env (default: .)")
	fmt.Fprintln(w, "  run          Run the device agent")
	fmt.Fprintln(w, "  state        Show the last firmware update record")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/otanode/config.yaml, /etc/otanode/config.yaml")
	return nil
}

// runState prints the persisted firmware update record.
func runState(w io.Writer, configPath, outputFmt string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	store, err := opstate.Open(filepath.Join(cfg.DataDir, stateDB))
	if err != nil {
		return fmt.Errorf("open state database: %w", err)
	}
	defer store.Close()

	rec, ok, err := ota.LoadRecord(store)
	if err != nil {
		return err
	}

	if outputFmt == "json" {
		out := map[string]string{"fw_version": cfg.Identity().FirmwareVersion, "fw_state": ota.Idle.String()}
		if ok {
			out["fw_state"] = rec.State.String()
			out["job_id"] = rec.JobID
			out["url"] = rec.URL
			out["error"] = rec.Error
			out["updated_at"] = rec.UpdatedAt.Format(time.RFC3339)
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}

	fmt.Fprintf(w, "fw_version:  %s\n", cfg.Identity().FirmwareVersion)
	if !ok {
		fmt.Fprintln(w, "fw_state:    IDLE (no update recorded)")
		return nil
	}
	fmt.Fprintf(w, "fw_state:    %s\n", rec.State)
	fmt.Fprintf(w, "job_id:      %s\n", rec.JobID)
	fmt.Fprintf(w, "url:         %s\n", rec.URL)
	if rec.Error != "" {
		fmt.Fprintf(w, "error:       %s\n", rec.Error)
	}
	fmt.Fprintf(w, "updated_at:  %s\n", rec.UpdatedAt.Format(time.RFC3339))
	return nil
}

// syncedClock is a wall clock the bootstrap can wait on.
type syncedClock interface {
	connwatch.TimeSync
	Now() time.Time
}

func runDevice(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	logger := config.NewLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting otanode", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	logger = config.NewLogger(stdout, level, cfg.LogFormat)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}
	if cfg.Broker.ClientID == "" {
		id, err := mqtt.LoadOrCreateClientID(cfg.DataDir)
		if err != nil {
			return err
		}
		cfg.Broker.ClientID = id
	}
	id := cfg.Identity()
	logger.Info("config loaded",
		"path", cfgPath,
		"broker", id.BrokerURL,
		"client_id", id.ClientID,
		"fw_version", id.FirmwareVersion,
	)

	// --- Operational state ---
	dbPath := filepath.Join(cfg.DataDir, stateDB)
	store, err := opstate.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open state database %s: %w", dbPath, err)
	}
	defer store.Close()

	// --- Peripherals ---
	// A missing sensor is fatal: the device has nothing to report.
	var port sensor.Port
	switch cfg.Sensor.Driver {
	case "simulated":
		port = sensor.Simulated{}
	default:
		if _, err := os.Stat(cfg.Sensor.IIODevice); err != nil {
			return fmt.Errorf("sensor: %w", err)
		}
		port = &sensor.IIO{Dir: cfg.Sensor.IIODevice}
	}

	imagePath := cfg.OTA.ImagePath
	if imagePath == "" {
		if imagePath, err = os.Executable(); err != nil {
			return fmt.Errorf("locate running image: %w", err)
		}
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// --- Connectivity bootstrap ---
	host := link.NewHost(cfg.Network.Interface)
	var clock syncedClock = timesync.HostClock{}
	if !cfg.TimeSync.Disabled {
		clock = timesync.NewNTPClock(cfg.TimeSync.Server, cfg.TimeSync.PollInterval, logger.With("component", "timesync"))
	}
	boot := connwatch.NewBootstrap(connwatch.BootstrapConfig{
		Link:             host,
		Clock:            clock,
		LinkPollInterval: cfg.Network.PollInterval,
		SyncPollInterval: cfg.TimeSync.PollInterval,
		SettleDelay:      cfg.TimeSync.SettleDelay,
		Logger:           logger.With("component", "bootstrap"),
	})
	if err := boot.BringUp(ctx); err != nil {
		return shutdownErr(err)
	}

	// --- Broker session, update engine and RPC ---
	// The callbacks below fire only after ConnectWithRetry, when all
	// three are assigned.
	var (
		session    *mqtt.Session
		engine     *ota.Engine
		dispatcher *rpc.Dispatcher
	)

	scfg := mqtt.SessionConfigFrom(cfg.Broker)
	scfg.Dialer = mqtt.NewPahoDialer(id, cfg.Broker, logger.With("component", "paho"))
	scfg.Logger = logger.With("component", "mqtt")
	scfg.OnMessage = func(t string, payload []byte) {
		dispatcher.HandleMessage(ctx, t, payload)
	}
	scfg.OnSession = func(sctx context.Context) {
		announce(sctx, session, engine, id.FirmwareVersion, logger)
	}
	session = mqtt.NewSession(scfg)

	engine = ota.NewEngine(ota.EngineConfig{
		Publisher: session,
		Updater:   &ota.FileUpdater{Path: imagePath},
		Restarter: &ota.ExecRestarter{
			Path:    imagePath,
			Command: cfg.OTA.RestartCommand,
			Logger:  logger.With("component", "restart"),
		},
		Store:           store,
		ChunkSize:       cfg.OTA.ChunkSize,
		PostStatusDelay: cfg.OTA.PostStatusDelay,
		RestartDelay:    cfg.OTA.RestartDelay,
		Logger:          logger.With("component", "ota"),
	})
	if rec, ok, err := engine.Recover(); err != nil {
		logger.Warn("ota record unreadable", "error", err)
	} else if ok {
		logger.Info("last firmware update", "state", rec.State.String(), "job_id", rec.JobID, "error", rec.Error)
	}

	dispatcher = rpc.NewDispatcher(rpc.DispatcherConfig{
		Publisher: session,
		Updater:   engine,
		Logger:    logger.With("component", "rpc"),
	})

	if _, err := session.ConnectWithRetry(ctx); err != nil {
		return shutdownErr(err)
	}

	// --- Link watcher ---
	// A link outage usually outlives the broker keepalive; start a fresh
	// session once the interface is back.
	watcher := connwatch.Watch(ctx, connwatch.WatcherConfig{
		Name:     "network",
		Probe:    host.Connected,
		Interval: cfg.Network.WatchInterval,
		OnReady: func() {
			if err := session.Reconnect(ctx); err != nil {
				logger.Debug("reconnect abandoned", "error", err)
			}
		},
		Logger: logger.With("component", "connwatch"),
	})

	// --- Telemetry loop ---
	loop := telemetry.NewLoop(telemetry.LoopConfig{
		Sensor:    port,
		Publisher: session,
		Clock:     clock,
		Interval:  cfg.Telemetry.Interval,
		Zone:      time.FixedZone(fmt.Sprintf("UTC%+d", cfg.Telemetry.UTCOffset), cfg.Telemetry.UTCOffset*3600),
		Logger:    logger.With("component", "telemetry"),
	})
	err = loop.Run(ctx)

	logger.Info("shutting down")
	watcher.Stop()
	dispatcher.Wait()
	closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer closeCancel()
	if cerr := session.Close(closeCtx); cerr != nil {
		logger.Warn("mqtt disconnect failed", "error", cerr)
	}
	logger.Info("otanode stopped")
	return shutdownErr(err)
}

// announce reports the running firmware after every (re)connect. The
// IDLE status is held back while an update is in flight so it cannot
// overwrite the job's progress on the server.
func announce(ctx context.Context, pub telemetry.Publisher, engine *ota.Engine, version string, logger *slog.Logger) {
	if err := pub.Publish(ctx, topic.Telemetry, telemetry.FirmwareVersion(version), mqtt.QoSAtLeastOnce, false); err != nil {
		logger.Warn("fw_version not reported", "error", err)
	}
	if engine.Active() {
		return
	}
	if err := pub.Publish(ctx, topic.Telemetry, telemetry.FirmwareState(ota.Idle.String()), mqtt.QoSAtLeastOnce, false); err != nil {
		logger.Warn("fw_state not reported", "error", err)
	}
}

// shutdownErr maps cancellation by signal to a clean exit.
func shutdownErr(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// loadConfig locates and parses the YAML configuration file.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	return cfg, cfgPath, nil
}
