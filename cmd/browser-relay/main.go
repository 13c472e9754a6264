package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/standardbeagle/browser-relay/internal/config"
	"github.com/standardbeagle/browser-relay/internal/discovery"
	"github.com/standardbeagle/browser-relay/internal/logging"
	"github.com/standardbeagle/browser-relay/internal/tools"
	"github.com/standardbeagle/browser-relay/internal/tui"
)

var (
	// Version is set at build time
	Version = "dev"

	configPath   string
	logLevel     string
	logFormat    string
	debugMode    bool
	host         string
	httpPort     int
	wsPort       int
	jsonResponse bool
	noMetrics    bool
	noDiscovery  bool

	statusWatch    bool
	statusJSON     bool
	statusInterval time.Duration
	toolsJSON      bool
	forceInit      bool
)

const shutdownTimeout = 10 * time.Second

var rootCmd = &cobra.Command{
	Use:   "browser-relay",
	Short: "MCP server that drives a real browser through a companion extension",
	Long: `browser-relay exposes browser automation tools to MCP clients over
Streamable HTTP and forwards each call to a browser extension connected over
a WebSocket control channel.

Basic Usage:
  browser-relay                  # Serve MCP on :3000, extension channel on :8081
  browser-relay --port 4000      # Use a different MCP port
  browser-relay status           # Show running relays
  browser-relay status --watch   # Live dashboard
  browser-relay tools            # List the tools offered to clients

Configuration:
  ~/.browser-relay/config.toml   # Created by 'browser-relay config init'
  Flags override the file. BROWSER_RELAY_LOG_LEVEL (or MCP_LOG_LEVEL)
  overrides log.level.`,
	SilenceUsage: true,
	RunE:         runServe,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the relay (default command)",
	RunE:  runServe,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show running relays and their extension state",
	RunE:  runStatus,
}

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "List the tools offered to MCP clients",
	RunE:  runTools,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "browser-relay version %s\n", Version)
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect or create the config file",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the default config file",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := configPath
		if path == "" {
			path = config.UserConfigPath()
		}
		if err := config.WriteDefault(path, forceInit); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		data, err := cfg.Encode()
		if err != nil {
			return err
		}
		source := cfg.Source
		if source == "" {
			source = "built-in defaults"
		}
		fmt.Fprintf(cmd.OutOrStdout(), "# source: %s\n%s", source, data)
		return nil
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&configPath, "config", "c", "", "Config file (default ~/.browser-relay/config.toml)")
	pf.StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error, none")
	pf.StringVar(&logFormat, "log-format", "", "Log format: text or json")
	pf.BoolVar(&debugMode, "debug", false, "Shorthand for --log-level debug")

	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		f := cmd.Flags()
		f.StringVar(&host, "host", "", "Interface both listeners bind to")
		f.IntVarP(&httpPort, "port", "p", 0, "MCP HTTP port (default 3000)")
		f.IntVar(&wsPort, "ws-port", 0, "Extension control channel port (default 8081)")
		f.BoolVar(&jsonResponse, "json-response", false, "Answer POSTs with JSON bodies instead of SSE streams")
		f.BoolVar(&noMetrics, "no-metrics", false, "Disable the /metrics endpoint")
		f.BoolVar(&noDiscovery, "no-discovery", false, "Do not register with 'browser-relay status'")
	}

	statusCmd.Flags().BoolVarP(&statusWatch, "watch", "w", false, "Keep refreshing in a dashboard")
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Print health reports as JSON")
	statusCmd.Flags().DurationVar(&statusInterval, "interval", 2*time.Second, "Dashboard refresh interval")

	toolsCmd.Flags().BoolVar(&toolsJSON, "json", false, "Print full tool definitions as JSON")
	configInitCmd.Flags().BoolVarP(&forceInit, "force", "f", false, "Overwrite an existing file")

	configCmd.AddCommand(configInitCmd, configShowCmd)
	rootCmd.AddCommand(serveCmd, statusCmd, toolsCmd, versionCmd, configCmd)
	rootCmd.Version = Version
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads the config file and applies flag overrides
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path := configPath
	if path == "" {
		path = config.UserConfigPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("host") {
		cfg.Server.Host = host
		cfg.Extension.Host = host
	}
	if flags.Changed("port") {
		cfg.Server.Port = httpPort
	}
	if flags.Changed("ws-port") {
		cfg.Extension.Port = wsPort
	}
	if flags.Changed("json-response") {
		cfg.Server.JSONResponse = jsonResponse
	}
	if flags.Changed("no-metrics") && noMetrics {
		cfg.Metrics.Enabled = false
	}
	if flags.Changed("no-discovery") && noDiscovery {
		cfg.Discovery.Enabled = false
	}
	if logLevel != "" {
		cfg.Log.Level = strings.ToLower(logLevel)
	}
	if debugMode {
		cfg.Log.Level = "debug"
	}
	if logFormat != "" {
		cfg.Log.Format = strings.ToLower(logFormat)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	logger, err := logging.New(logging.Options{
		Level:   cfg.Log.Level,
		Format:  cfg.Log.Format,
		NoColor: cfg.Log.NoColor,
	})
	if err != nil {
		return err
	}
	for _, key := range cfg.Unknown {
		logger.Warn("Unknown config key", "key", key, "file", cfg.Source)
	}

	app, err := NewApp(cfg, logger.Logger, nil)
	if err != nil {
		return err
	}
	if err := app.Start(); err != nil {
		return err
	}

	fmt.Fprintf(cmd.ErrOrStderr(), "browser-relay %s\n  MCP endpoint:      %s\n  Extension channel: %s\n",
		Version, app.HTTPURL(), app.ControlURL())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Source != "" {
		go func() {
			err := config.Watch(ctx, cfg.Source, func(next *config.Config) {
				app.Reload(next, logger.SetLevel)
			}, logger.Logger)
			if err != nil {
				logger.Warn("Config hot reload disabled", "error", err)
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	setupSignalHandling(sigChan)
	sig := <-sigChan
	logger.Info("Shutting down", "signal", sig.String())

	shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stop()
	if err := app.Shutdown(shutdownCtx); err != nil {
		logger.Error("Shutdown finished with errors", "error", err)
		return err
	}
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	store := discovery.NewStore(cfg.InstancesDir())

	source := func(ctx context.Context) ([]tui.InstanceStatus, error) {
		if _, err := store.Prune(0); err != nil {
			return nil, err
		}
		instances, err := store.List()
		if err != nil {
			return nil, err
		}
		return tui.Collect(ctx, nil, instances), nil
	}

	if statusWatch {
		return watchStatus(cfg, store)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	statuses, err := source(ctx)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if statusJSON {
		type entry struct {
			Instance *discovery.Instance `json:"instance"`
			Health   interface{}         `json:"health,omitempty"`
			Error    string              `json:"error,omitempty"`
		}
		list := make([]entry, 0, len(statuses))
		for _, st := range statuses {
			e := entry{Instance: st.Instance}
			if st.Err != nil {
				e.Error = st.Err.Error()
			} else {
				e.Health = st.Health
			}
			list = append(list, e)
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(list)
	}

	fmt.Fprintln(out, tui.RenderTable(statuses))
	return nil
}

// watchStatus runs the dashboard off a live view of the instances directory,
// refreshing as soon as a relay registers or goes away
func watchStatus(cfg *config.Config, store *discovery.Store) error {
	d, err := discovery.New(cfg.InstancesDir(), logging.Discard())
	if err != nil {
		return err
	}
	trigger := make(chan struct{}, 1)
	d.OnUpdate(func([]*discovery.Instance) {
		select {
		case trigger <- struct{}{}:
		default:
		}
	})
	d.Start()
	defer d.Stop()

	source := func(ctx context.Context) ([]tui.InstanceStatus, error) {
		if _, err := store.Prune(0); err != nil {
			return nil, err
		}
		return tui.Collect(ctx, nil, d.Instances()), nil
	}
	return tui.Run(source, statusInterval, trigger)
}

func runTools(cmd *cobra.Command, args []string) error {
	catalog := tools.Catalog()
	out := cmd.OutOrStdout()

	if toolsJSON {
		defs := make([]interface{}, 0, len(catalog))
		for _, d := range catalog {
			defs = append(defs, d.Tool)
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(defs)
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	for _, d := range catalog {
		desc := d.Tool.Description
		if i := strings.IndexAny(desc, ".\n"); i > 0 {
			desc = desc[:i]
		}
		fmt.Fprintf(w, "%s\t%s\n", d.Tool.Name, desc)
	}
	return w.Flush()
}
