// Sdsnode - synchronized data structures demo node
//
// Runs one node of the SDS replication protocol against an MQTT broker:
//
//	sdsnode owner  --broker 10.0.0.1            # own the SensorNode table
//	sdsnode device --broker 10.0.0.1 -n d1      # join as a device
//	sdsnode settings show
//	sdsnode version
//
// The owner command prints the device fleet once per second; the device
// command mutates its sample state so the sync traffic is visible.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"github.com/pmonclus/sds/pkg/audit"
	"github.com/pmonclus/sds/pkg/cli"
	"github.com/pmonclus/sds/pkg/sds"
	"github.com/pmonclus/sds/pkg/sds/metrics"
	"github.com/pmonclus/sds/pkg/sds/schema"
	"github.com/pmonclus/sds/pkg/settings"
	"github.com/pmonclus/sds/pkg/util"
	"github.com/pmonclus/sds/pkg/version"
)

// App holds CLI state shared across all commands.
type App struct {
	// Option flags
	configFile  string
	broker      string
	port        uint16
	nodeID      string
	username    string
	password    string
	graceMs     uint32
	deltaSync   bool
	metricsAddr string
	auditPath   string
	logLevel    string

	// Initialized state (set in PersistentPreRunE)
	settings *settings.Settings
}

var app = &App{}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "sdsnode",
	Short:         "SDS replication protocol node",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		s, err := settings.Load()
		if err != nil {
			return fmt.Errorf("loading settings: %w", err)
		}
		app.settings = s
		if app.auditPath == "" {
			app.auditPath = s.AuditLogPath
		}
		if app.logLevel == "" {
			app.logLevel = s.LogLevel
		}
		if app.logLevel != "" {
			if err := util.SetLogLevel(app.logLevel); err != nil {
				return err
			}
		}
		return nil
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&app.configFile, "config", "c", "", "node config file (yaml)")
	pf.StringVarP(&app.broker, "broker", "b", "", "MQTT broker host")
	pf.Uint16Var(&app.port, "port", 0, "MQTT broker port")
	pf.StringVarP(&app.nodeID, "node-id", "n", "", "node identity (auto-generated if empty)")
	pf.StringVarP(&app.username, "username", "u", "", "MQTT username")
	pf.StringVarP(&app.password, "password", "p", "", "MQTT password ('-' to prompt)")
	pf.Uint32Var(&app.graceMs, "eviction-grace", 0, "eviction grace in ms (0 disables)")
	pf.BoolVar(&app.deltaSync, "delta", false, "enable field-level delta sync")
	pf.StringVar(&app.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	pf.StringVar(&app.auditPath, "audit-log", "", "record sync events to this JSON-lines file")
	pf.StringVar(&app.logLevel, "log-level", "", "log level (debug, info, warn, error)")

	rootCmd.AddCommand(ownerCmd, deviceCmd, settingsCmd, versionCmd)
}

// nodeConfig resolves flags, config file and settings into an sds.Config.
func (a *App) nodeConfig() (sds.Config, error) {
	cfg := sds.Config{}
	if a.configFile != "" {
		data, err := os.ReadFile(a.configFile)
		if err != nil {
			return cfg, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parsing config file: %w", err)
		}
	}
	if a.broker != "" {
		cfg.Broker = a.broker
	}
	if cfg.Broker == "" {
		cfg.Broker = a.settings.Broker("")
	}
	if a.port != 0 {
		cfg.Port = a.port
	} else if cfg.Port == 0 {
		cfg.Port = a.settings.Port()
	}
	if a.nodeID != "" {
		cfg.NodeID = a.nodeID
	} else if cfg.NodeID == "" {
		cfg.NodeID = a.settings.NodeID
	}
	if a.username != "" {
		cfg.Username = a.username
	}
	if a.password == "-" {
		fmt.Fprint(os.Stderr, "MQTT password: ")
		pw, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return cfg, fmt.Errorf("reading password: %w", err)
		}
		cfg.Password = string(pw)
	} else if a.password != "" {
		cfg.Password = a.password
	}
	if a.graceMs > 0 {
		cfg.EvictionGrace = time.Duration(a.graceMs) * time.Millisecond
	}
	if a.deltaSync {
		cfg.EnableDeltaSync = true
	}
	return cfg, nil
}

// Sample table replicated by the demo commands.

// SensorConfig is the owner-authored policy section.
type SensorConfig struct {
	Mode      int32   `sds:"mode"`
	Threshold float32 `sds:"threshold"`
}

// SensorState is the device-authored reading section.
type SensorState struct {
	Reading float32 `sds:"reading"`
	Samples uint32  `sds:"samples"`
}

// SensorStatus is the per-device diagnostic section.
type SensorStatus struct {
	Temperature float32 `sds:"temperature"`
	BatteryMv   uint16  `sds:"battery_mv"`
}

// SensorTable is the consumer table holding all three sections.
type SensorTable struct {
	Config SensorConfig
	State  SensorState
	Status SensorStatus
}

const sensorTableType = "SensorNode"

func sensorRegistry() *schema.Registry {
	meta := schema.MustTableMeta(sensorTableType, &SensorConfig{}, &SensorState{}, &SensorStatus{})
	meta.SyncInterval = time.Second
	meta.LivenessInterval = 10 * time.Second
	return schema.NewRegistry(meta)
}

// buildNode assembles the node with the shared option surface.
func (a *App) buildNode(cfg sds.Config, cb sds.Callbacks) (*sds.Node, func(), error) {
	opts := []sds.Option{
		sds.WithRegistry(sensorRegistry()),
		sds.WithCallbacks(cb),
	}
	cleanup := func() {}
	if a.auditPath != "" {
		sizeMB, backups := a.settings.AuditRotation()
		logger, err := audit.NewFileLogger(a.auditPath, audit.RotationConfig{
			MaxSize:    int64(sizeMB) * 1024 * 1024,
			MaxBackups: backups,
		})
		if err != nil {
			return nil, nil, err
		}
		opts = append(opts, sds.WithAudit(logger))
		cleanup = func() { logger.Close() }
	}
	node, err := sds.NewNode(cfg, opts...)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	return node, cleanup, nil
}

// serveMetrics exposes the Prometheus endpoint when requested.
func (a *App) serveMetrics(node *sds.Node) {
	if a.metricsAddr == "" {
		return
	}
	handler, err := metrics.Handler(node, sensorTableType)
	if err != nil {
		util.Logger.Warnf("metrics disabled: %v", err)
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	go func() {
		if err := http.ListenAndServe(a.metricsAddr, mux); err != nil {
			util.Logger.Warnf("metrics server: %v", err)
		}
	}()
}

func signalContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx
}

var ownerCmd = &cobra.Command{
	Use:   "owner",
	Short: "Run the SensorNode table owner",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := app.nodeConfig()
		if err != nil {
			return err
		}

		cb := sds.Callbacks{
			OnStateUpdate: func(table, from string) {
				util.WithTable(table).WithField("node", from).Debug("state update")
			},
			OnDeviceEvicted: func(table, node string) {
				fmt.Printf("%s device %s evicted\n", cli.OfflineMark(false), node)
			},
			OnError: func(err error, context string) {
				util.WithField("context", context).Warn(err)
			},
		}
		node, cleanup, err := app.buildNode(cfg, cb)
		if err != nil {
			return err
		}
		defer cleanup()

		ctx := signalContext()
		if err := node.Connect(ctx); err != nil {
			return err
		}

		table := &SensorTable{Config: SensorConfig{Mode: 1, Threshold: 25.5}}
		if err := node.Register(table, sensorTableType, sds.RoleOwner, nil); err != nil {
			return err
		}
		app.serveMetrics(node)

		fmt.Printf("owner %s on %s:%d\n", node.ID(), cfg.Broker, cfg.Port)
		fleet := &cli.FleetWriter{
			Out: os.Stdout,
			StatusSummary: func(status interface{}) string {
				if st, ok := status.(*SensorStatus); ok {
					return fmt.Sprintf("%.1f°C %d mV", st.Temperature, st.BatteryMv)
				}
				return "-"
			},
		}
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return node.Shutdown()
			case <-ticker.C:
				node.Loop()
				fleet.Write(sensorTableType, node.Devices(sensorTableType))
			}
		}
	},
}

var deviceCmd = &cobra.Command{
	Use:   "device",
	Short: "Run a SensorNode device",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := app.nodeConfig()
		if err != nil {
			return err
		}

		table := &SensorTable{}
		cb := sds.Callbacks{
			OnConfigUpdate: func(string) {
				fmt.Printf("%s config applied: mode=%d threshold=%.1f\n",
					cli.OnlineMark(false), table.Config.Mode, table.Config.Threshold)
			},
			OnError: func(err error, context string) {
				util.WithField("context", context).Warn(err)
			},
		}
		node, cleanup, err := app.buildNode(cfg, cb)
		if err != nil {
			return err
		}
		defer cleanup()

		ctx := signalContext()
		if err := node.Connect(ctx); err != nil {
			return err
		}
		if err := node.Register(table, sensorTableType, sds.RoleDevice, nil); err != nil {
			return err
		}
		app.serveMetrics(node)

		fmt.Printf("device %s on %s:%d\n", node.ID(), cfg.Broker, cfg.Port)
		ticker := time.NewTicker(200 * time.Millisecond)
		defer ticker.Stop()
		start := time.Now()
		for {
			select {
			case <-ctx.Done():
				return node.Shutdown()
			case <-ticker.C:
				// Synthesize a slow sensor drift so sync traffic is visible.
				elapsed := float32(time.Since(start).Seconds())
				table.State.Reading = 20 + elapsed/10
				table.State.Samples++
				table.Status.Temperature = 20 + elapsed/20
				table.Status.BatteryMv = 3300
				node.Loop()
			}
		}
	},
}

var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Show or change persistent settings",
}

var settingsShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the current settings",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Printf("%-12s %s\n", "broker", app.settings.Broker("(unset)"))
		fmt.Printf("%-12s %d\n", "port", app.settings.Port())
		fmt.Printf("%-12s %s\n", "node-id", orUnset(app.settings.NodeID))
		fmt.Printf("%-12s %s\n", "log-level", orUnset(app.settings.LogLevel))
		fmt.Printf("%-12s %s\n", "audit-log", orUnset(app.settings.AuditLogPath))
		return nil
	},
}

func orUnset(s string) string {
	if s == "" {
		return cli.Muted("(unset)")
	}
	return s
}

var settingsSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a persistent setting (broker, port, node-id, log-level, audit-log)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]
		switch key {
		case "broker":
			app.settings.DefaultBroker = value
		case "port":
			var p uint16
			if _, err := fmt.Sscanf(value, "%d", &p); err != nil {
				return fmt.Errorf("bad port %q", value)
			}
			app.settings.DefaultPort = p
		case "node-id":
			app.settings.NodeID = value
		case "log-level":
			app.settings.LogLevel = value
		case "audit-log":
			app.settings.AuditLogPath = value
		default:
			return fmt.Errorf("unknown setting %q", key)
		}
		return app.settings.Save()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version.Info())
	},
}

func init() {
	settingsCmd.AddCommand(settingsShowCmd, settingsSetCmd)
}
