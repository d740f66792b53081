// Bttracker reports Bluetooth device presence to Home Assistant over MQTT.
//
// Each tracker runs on one host in one location. It announces every
// configured device through MQTT discovery, then scans on a fixed period
// and publishes ON or OFF per device. Configuration is loaded from a
// single YAML file discovered automatically (see
// [config.DefaultSearchPaths]).
//
// Usage:
//
//	bttracker serve              Run the tracker
//	bttracker init [dir]         Write an example config into dir
//	bttracker status             Show last sighting per device
//	bttracker version            Print version and build information
//	bttracker -o json version    Output version information as JSON
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/nugget/bt-mqtt-tracker/internal/buildinfo"
	"github.com/nugget/bt-mqtt-tracker/internal/config"
	"github.com/nugget/bt-mqtt-tracker/internal/connwatch"
	"github.com/nugget/bt-mqtt-tracker/internal/mqtt"
	"github.com/nugget/bt-mqtt-tracker/internal/presence"
	"github.com/nugget/bt-mqtt-tracker/internal/scanner"
	"github.com/nugget/bt-mqtt-tracker/internal/sighting"
	"github.com/nugget/bt-mqtt-tracker/internal/tracker"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for database/sql
)

const sightingDB = "bttracker.db"

// main builds the OS-level environment and delegates to [run] so the
// whole lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Arguments are parsed by hand so run can
// be called concurrently from tests without the flag package's globals.
// It returns nil on clean shutdown.
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
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, stderr, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "status":
		return runStatus(stdout, configPath, outputFmt)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "bttracker - Bluetooth presence for Home Assistant over MQTT")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: bttracker [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Run the tracker until interrupted")
	fmt.Fprintln(w, "  init [dir]   Write an example config.yaml (default: .)")
	fmt.Fprintln(w, "  status       Show the last sighting of each device")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  "+strings.Join(config.DefaultSearchPaths(), ", "))
	return nil
}

// runServe runs the tracker until ctx is cancelled or SIGINT/SIGTERM
// arrives. Only a failure to start (bad config, no broker session)
// returns an error.
func runServe(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	logger := config.NewLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting bttracker", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Reconfigure the logger now that level, format and destination are
	// known. Level was checked by Validate.
	logOut, logCloser, err := config.OpenLogOutput(cfg.LogFile, stdout)
	if err != nil {
		return err
	}
	defer logCloser.Close()
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	logger = config.NewLogger(logOut, level, cfg.LogFormat)

	logger.Info("config loaded",
		"path", cfgPath,
		"location", cfg.Location,
		"devices", len(cfg.Devices),
		"broker", cfg.MQTT.BrokerURL(),
		"scan_mode", cfg.Scan.Mode,
	)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	trackerID, err := mqtt.LoadOrCreateTrackerID(cfg.DataDir)
	if err != nil {
		return err
	}

	db, err := openSightingDB(cfg.DataDir)
	if err != nil {
		return err
	}
	defer db.Close()
	store, err := sighting.NewStore(db)
	if err != nil {
		return err
	}

	devices, err := presence.NewDevices(cfg.Devices)
	if err != nil {
		return err
	}

	sc, err := scanner.New(cfg.Scan, presence.Addresses(devices), logger)
	if err != nil {
		return err
	}

	host, err := os.Hostname()
	if err != nil {
		logger.Warn("hostname unavailable", "error", err)
		host = "unknown"
	}

	topics := mqtt.NewTopics(cfg.MQTT, cfg.Location)
	session := mqtt.NewSession(cfg.MQTT, topics, logger)

	t, err := tracker.New(tracker.Options{
		Session:     session,
		Scanner:     sc,
		Devices:     devices,
		Topics:      topics,
		Host:        host,
		Interval:    cfg.Scan.Interval(),
		ScanTimeout: cfg.Scan.Timeout(),
		ScanMode:    cfg.Scan.Mode,
		TrackerID:   trackerID,
		Store:       store,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The session reconnects by itself. The watcher logs outages and
	// lets the tracker retry an announcement that went stale while the
	// broker was away. Until the first connect succeeds the probe fails
	// and the watcher stays in its startup backoff.
	watcher := connwatch.Start(ctx, connwatch.Config{
		Name:    cfg.MQTT.BrokerURL(),
		Probe:   session.AwaitConnection,
		Backoff: connwatch.DefaultBackoff(session.KeepAlive()),
		OnReady: t.BrokerReady,
		OnDown:  t.BrokerDown,
		Logger:  logger,
	})
	defer watcher.Stop()

	err = t.Run(ctx)
	st := watcher.Status()
	logger.Info("broker watch at exit",
		"broker", st.Name,
		"ready", st.Ready,
		"last_check", st.LastCheck,
		"last_error", st.LastError,
	)
	return err
}

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

func openSightingDB(dataDir string) (*sql.DB, error) {
	path := filepath.Join(dataDir, sightingDB)
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sighting database %s: %w", path, err)
	}
	return db, nil
}

// runStatus prints the last stored sighting of each configured device.
func runStatus(w io.Writer, configPath, outputFmt string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	db, err := openSightingDB(cfg.DataDir)
	if err != nil {
		return err
	}
	defer db.Close()
	store, err := sighting.NewStore(db)
	if err != nil {
		return err
	}

	list, err := store.List()
	if err != nil {
		return err
	}
	return printStatus(w, cfg, list, outputFmt)
}

func printStatus(w io.Writer, cfg *config.Config, list []sighting.Sighting, outputFmt string) error {
	byAddr := make(map[string]sighting.Sighting, len(list))
	for _, sg := range list {
		byAddr[sg.Address] = sg
	}

	rows := make([]sighting.Sighting, 0, len(cfg.Devices))
	for _, d := range cfg.Devices {
		addr, err := scanner.NormalizeAddress(d.MAC)
		if err != nil {
			return err
		}
		sg, ok := byAddr[addr]
		if !ok {
			sg = sighting.Sighting{Address: addr, State: string(presence.StateUnknown)}
		}
		sg.Name = d.Name
		rows = append(rows, sg)
	}

	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{
			"location": cfg.Location,
			"devices":  rows,
		})
	}

	fmt.Fprintf(w, "Location: %s\n\n", cfg.Location)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tADDRESS\tSTATE\tLAST SEEN")
	for _, sg := range rows {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", sg.Name, sg.Address, sg.State, formatAgo(sg.LastSeen, time.Now()))
	}
	return tw.Flush()
}

func formatAgo(t, now time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return fmt.Sprintf("%s (%s ago)", t.Local().Format(time.DateTime), now.Sub(t).Truncate(time.Second))
}
