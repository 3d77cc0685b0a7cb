// Package main is the CLI entry point for watchman.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/eliteGoblin/focusd/watchman/internal/config"
	"github.com/eliteGoblin/focusd/watchman/internal/daemon"
	"github.com/eliteGoblin/focusd/watchman/internal/domain"
	"github.com/eliteGoblin/focusd/watchman/internal/infra"
	"github.com/eliteGoblin/focusd/watchman/internal/policy"
	"github.com/eliteGoblin/focusd/watchman/internal/usecase"
)

var (
	// Version info (set via ldflags)
	Version   = "0.1.0"
	Commit    = "dev"
	BuildTime = "unknown"
)

// startTimeout bounds how long start and stop wait for the engine to change state.
const startTimeout = 10 * time.Second

var v = config.New()

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "watchman",
	Short: "Process trigger engine - runs tasks when watched programs start or stop",
	Long: `watchman watches for programs being started, stopped or modified and,
when one of them matches an active profile, starts or stops other programs
according to that profile's tasks and conditions.

Profiles live in an encrypted rule store in the data directory; edit them
with import, enable, disable and remove. A running engine picks up changes
automatically.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the engine in the foreground",
	Args:  cobra.NoArgs,
	RunE:  func(cmd *cobra.Command, args []string) error { return runForeground(cmd, false) },
}

// Hidden daemon command - used for self-exec by start
var daemonCmd = &cobra.Command{
	Use:    "daemon",
	Hidden: true,
	Args:   cobra.NoArgs,
	RunE:   func(cmd *cobra.Command, args []string) error { return runForeground(cmd, true) },
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the engine in the background",
	Args:  cobra.NoArgs,
	RunE:  runStart,
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Ask the running engine to exit",
	Args:  cobra.NoArgs,
	RunE:  runStop,
}

var reloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Ask the running engine to rebuild its watchers from the rule store",
	Args:  cobra.NoArgs,
	RunE:  runReload,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show engine status",
	Long:  `Shows the control channel state and, when the engine is running, its watchers and last event.`,
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List profiles in the rule store",
	Args:  cobra.NoArgs,
	RunE:  runList,
}

var importCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import a profile from a JSON file",
	Args:  cobra.ExactArgs(1),
	RunE:  runImport,
}

var exportCmd = &cobra.Command{
	Use:   "export <profile> [file]",
	Short: "Export a profile as JSON (to stdout if no file is given)",
	Args:  cobra.RangeArgs(1, 2),
	RunE:  runExport,
}

var exampleCmd = &cobra.Command{
	Use:   "example",
	Short: "Add the example profile to the rule store",
	Args:  cobra.NoArgs,
	RunE:  runExample,
}

var enableCmd = &cobra.Command{
	Use:   "enable <profile>",
	Short: "Activate a profile",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return setProfileActive(args[0], true) },
}

var disableCmd = &cobra.Command{
	Use:   "disable <profile>",
	Short: "Deactivate a profile",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return setProfileActive(args[0], false) },
}

var removeCmd = &cobra.Command{
	Use:   "remove <profile>",
	Short: "Delete a profile",
	Args:  cobra.ExactArgs(1),
	RunE:  runRemove,
}

var installCmd = &cobra.Command{
	Use:   "install",
	Short: "Start the engine automatically at logon",
	Args:  cobra.NoArgs,
	RunE:  runInstall,
}

var uninstallCmd = &cobra.Command{
	Use:   "uninstall",
	Short: "Remove the logon item",
	Args:  cobra.NoArgs,
	RunE:  runUninstall,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  `Prints version, commit, and build time. Use --json for machine-readable output.`,
	Run:   runVersion,
}

var (
	jsonOutput  bool
	detectPaths bool
)

func init() {
	pf := rootCmd.PersistentFlags()
	pf.String("config", "", "Config file (default <data-dir>/"+infra.ConfigFileName+")")
	pf.String("data-dir", "", "Directory holding the rule store, log and status files")
	pf.String("channel", "", "Control channel name")
	pf.String("log-level", "", "Log level (debug, info, warn, error)")
	mustBind(v.BindPFlag(config.KeyConfigFile, pf.Lookup("config")))
	mustBind(v.BindPFlag(config.KeyDataDir, pf.Lookup("data-dir")))
	mustBind(v.BindPFlag(config.KeyChannelName, pf.Lookup("channel")))
	mustBind(v.BindPFlag(config.KeyLogLevel, pf.Lookup("log-level")))

	for _, cmd := range []*cobra.Command{runCmd, daemonCmd} {
		f := cmd.Flags()
		f.Duration("poll-interval", 0, "How often the OS is asked for process events")
		f.Duration("watch-timeout", 0, "How long one watch waits for events (0 derives it from poll-interval)")
		f.Int("retry-attempts", 0, "Task evaluation attempts per event")
		f.Duration("retry-wait", 0, "Wait between task evaluation attempts")
		f.String("metrics-addr", "", "Serve Prometheus metrics on this address")
		f.Bool("watch-rule-store", true, "Reload automatically when the rule store changes")
	}
	// Flags are bound when the engine command runs so run and daemon do not overwrite each other.

	statusCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output status as JSON")
	versionCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output version info as JSON")
	importCmd.Flags().BoolVar(&detectPaths, "detect-paths", false, "Replace missing install directories with detected ones")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(reloadCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(exampleCmd)
	rootCmd.AddCommand(enableCmd)
	rootCmd.AddCommand(disableCmd)
	rootCmd.AddCommand(removeCmd)
	rootCmd.AddCommand(installCmd)
	rootCmd.AddCommand(uninstallCmd)
	rootCmd.AddCommand(versionCmd)
}

func mustBind(err error) {
	if err != nil {
		panic(fmt.Sprintf("failed to bind flag: %v", err))
	}
}

// bindEngineFlags binds the engine tuning flags of cmd.
func bindEngineFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	mustBind(v.BindPFlag(config.KeyPollInterval, f.Lookup("poll-interval")))
	mustBind(v.BindPFlag(config.KeyWatchTimeout, f.Lookup("watch-timeout")))
	mustBind(v.BindPFlag(config.KeyRetryAttempts, f.Lookup("retry-attempts")))
	mustBind(v.BindPFlag(config.KeyRetryWait, f.Lookup("retry-wait")))
	mustBind(v.BindPFlag(config.KeyMetricsAddr, f.Lookup("metrics-addr")))
	mustBind(v.BindPFlag(config.KeyWatchRuleStore, f.Lookup("watch-rule-store")))
}

func loadConfig() (*config.Config, error) {
	return config.Load(v)
}

func runForeground(cmd *cobra.Command, detached bool) error {
	bindEngineFlags(cmd)

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := createLogger(cfg, !detached)
	defer func() { _ = logger.Sync() }()

	return runEngine(signalContext(logger), cfg, logger)
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	layout := cfg.Layout()

	if engineRunning(layout) {
		fmt.Printf("watchman is already running (%s)\n", infra.ReadState(cfg.ChannelName).Describe())
		return nil
	}

	// Forward the settings that locate the data directory and channel.
	daemonArgs := []string{"--data-dir", cfg.DataDir, "--channel", cfg.ChannelName}
	if file := v.GetString(config.KeyConfigFile); file != "" {
		daemonArgs = append(daemonArgs, "--config", file)
	}

	ctx := context.Background()
	pid, err := daemon.StartDaemon(ctx, infra.NewProcessManager(newCLILogger()), daemonArgs...)
	if err != nil {
		return fmt.Errorf("failed to start engine: %w", err)
	}
	if err := daemon.WaitForState(ctx, cfg.ChannelName, domain.StateRun, startTimeout); err != nil {
		return fmt.Errorf("%w (see %s)", err, layout.LogPath)
	}

	fmt.Println("\n=== watchman Started ===")
	fmt.Printf("PID: %d\n", pid)
	fmt.Printf("Mode: %s\n", layout.Mode)
	fmt.Printf("Data directory: %s\n", layout.DataDir)
	fmt.Printf("Log: %s\n", layout.LogPath)
	fmt.Println("========================")
	return nil
}

// engineRunning reports whether some process holds the data directory's instance lock.
func engineRunning(layout *infra.Layout) bool {
	lock, err := infra.AcquireInstanceLock(layout.LockPath)
	if err != nil {
		return errors.Is(err, infra.ErrAlreadyRunning)
	}
	_ = lock.Release()
	return false
}

func runStop(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if infra.ReadState(cfg.ChannelName) == domain.StateNotRunning {
		fmt.Println("watchman is not running")
		return nil
	}
	if err := infra.Request(cfg.ChannelName, domain.StateExit); err != nil {
		return fmt.Errorf("failed to request exit: %w", err)
	}
	if err := daemon.WaitForState(context.Background(), cfg.ChannelName, domain.StateNotRunning, startTimeout); err != nil {
		return err
	}
	fmt.Println("watchman stopped")
	return nil
}

func runReload(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if infra.ReadState(cfg.ChannelName) == domain.StateNotRunning {
		return errors.New("watchman is not running")
	}
	if err := infra.Request(cfg.ChannelName, domain.StateRead); err != nil {
		return fmt.Errorf("failed to request reload: %w", err)
	}
	fmt.Println("reload requested")
	return nil
}

// requestReload asks a running engine to pick up rule changes; a stopped engine
// reads them at its next start.
func requestReload(channelName string) {
	if infra.ReadState(channelName) == domain.StateNotRunning {
		fmt.Println("watchman is not running; changes apply at next start")
		return
	}
	if err := infra.Request(channelName, domain.StateRead); err != nil {
		fmt.Printf("Warning: could not request reload: %v\n", err)
	}
}

func openStore(cfg *config.Config) (*infra.SQLRuleStore, error) {
	key, err := infra.LoadOrCreateKey(infra.NewFileKeyProvider(cfg.DataDir))
	if err != nil {
		return nil, fmt.Errorf("failed to load rule store key: %w", err)
	}
	return infra.NewSQLRuleStore(cfg.DataDir, key)
}

func runList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	profiles, err := store.ListProfiles(cmd.Context())
	if err != nil {
		return err
	}

	fmt.Println("\n=== Profiles ===")
	if len(profiles) == 0 {
		fmt.Println("\nNo profiles. Run 'watchman example' or 'watchman import <file>'.")
	}
	for _, p := range profiles {
		printProfile(os.Stdout, p)
	}
	fmt.Println("\n================")
	return nil
}

func printProfile(w io.Writer, p domain.Profile) {
	state := "inactive"
	if p.Active {
		state = "active"
	}
	fmt.Fprintf(w, "\n[%s] (%s)\n", p.Name, state)
	fmt.Fprintln(w, "  Watching:")
	for _, proc := range p.Processes {
		fmt.Fprintf(w, "    - %-12s %s\n", proc.Kind, proc.ExecutablePath())
	}
	fmt.Fprintln(w, "  Tasks:")
	for _, t := range p.Tasks {
		action := "start"
		if t.Stop {
			action = "stop"
		}
		fmt.Fprintf(w, "    - %s: %s %s", t.Name, action, t.Process.ExecutablePath())
		if !t.Active {
			fmt.Fprint(w, " (inactive)")
		}
		fmt.Fprintln(w)
		for _, c := range t.Conditions {
			running := "not running"
			if c.Running {
				running = "running"
			}
			fmt.Fprintf(w, "        if %s %s\n", c.Process.Executable, running)
		}
	}
}

func runImport(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer f.Close()

	result, err := importProfile(cmd.Context(), cfg, f, usecase.ImportOptions{DetectPaths: detectPaths})
	if err != nil {
		return err
	}

	fmt.Printf("Imported profile %q\n", result.Name)
	for _, d := range result.Detected {
		fmt.Printf("  detected %s\n", d)
	}
	requestReload(cfg.ChannelName)
	return nil
}

func importProfile(ctx context.Context, cfg *config.Config, r io.Reader, opts usecase.ImportOptions) (*usecase.ImportResult, error) {
	store, err := openStore(cfg)
	if err != nil {
		return nil, err
	}
	defer store.Close()

	logger := newCLILogger()
	importer := usecase.NewProfileImporter(store, policy.NewRegistry(), infra.NewFileSystemManager(), logger)
	return importer.Import(ctx, r, opts)
}

func runExport(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	p, err := store.GetProfileByName(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	if len(args) == 1 {
		return usecase.ExportProfile(os.Stdout, *p)
	}
	f, err := os.Create(args[1])
	if err != nil {
		return err
	}
	if err := usecase.ExportProfile(f, *p); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func runExample(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// Round-trip through the document format so name collisions are handled like imports.
	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(usecase.ExportProfile(pw, usecase.ExampleProfile()))
	}()

	result, err := importProfile(cmd.Context(), cfg, pr, usecase.ImportOptions{})
	if err != nil {
		return err
	}
	fmt.Printf("Added profile %q\n", result.Name)
	requestReload(cfg.ChannelName)
	return nil
}

func setProfileActive(name string, active bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()
	p, err := store.GetProfileByName(ctx, name)
	if err != nil {
		return err
	}
	if err := store.SetProfileActive(ctx, p.ID, active); err != nil {
		return err
	}

	if active {
		fmt.Printf("Profile %q enabled\n", p.Name)
	} else {
		fmt.Printf("Profile %q disabled\n", p.Name)
	}
	requestReload(cfg.ChannelName)
	return nil
}

func runRemove(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	p, err := store.GetProfileByName(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if err := store.DeleteProfile(cmd.Context(), p.ID); err != nil {
		return err
	}
	fmt.Printf("Profile %q removed\n", p.Name)
	requestReload(cfg.ChannelName)
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	state := infra.ReadState(cfg.ChannelName)

	status, err := infra.NewFileStatusStore(cfg.DataDir).Read()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
	}
	if state == domain.StateNotRunning {
		// A status file without a channel is left over from a crashed engine.
		status = nil
	}

	if jsonOutput {
		return writeStatusJSON(os.Stdout, state, status)
	}

	fmt.Println("\n=== watchman Status ===")
	fmt.Printf("Status: %s\n", state.Describe())
	if state == domain.StateNotRunning {
		fmt.Println("\nRun 'watchman start' to start the engine.")
	}
	if status != nil {
		printStatus(os.Stdout, status, time.Now())
	}

	autostart := infra.NewAutostartManager(cfg.Layout())
	if autostart.IsInstalled() {
		fmt.Printf("Auto-start: enabled (%s)\n", autostart.Kind())
	} else {
		fmt.Println("Auto-start: disabled")
	}
	fmt.Println("=======================")
	return nil
}

func runInstall(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	execPath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to get executable path: %w", err)
	}

	autostart := infra.NewAutostartManager(cfg.Layout())
	if err := autostart.Install(execPath); err != nil {
		return fmt.Errorf("failed to install %s login item: %w", autostart.Kind(), err)
	}
	fmt.Printf("Installed %s login item for %s\n", autostart.Kind(), execPath)
	return nil
}

func runUninstall(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	autostart := infra.NewAutostartManager(cfg.Layout())
	if err := autostart.Uninstall(); err != nil {
		return fmt.Errorf("failed to remove %s login item: %w", autostart.Kind(), err)
	}
	fmt.Println("Login item removed")
	return nil
}

func runVersion(cmd *cobra.Command, args []string) {
	if jsonOutput {
		fmt.Printf(`{"version":"%s","commit":"%s","build_time":"%s"}`+"\n",
			Version, Commit, BuildTime)
	} else {
		fmt.Printf("watchman %s (commit: %s, built: %s)\n",
			Version, Commit, BuildTime)
	}
}
