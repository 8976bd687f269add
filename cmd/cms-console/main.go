package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/al-bashkir/cms-console/internal/config"
	"github.com/al-bashkir/cms-console/internal/ctl"
	"github.com/al-bashkir/cms-console/internal/daemon"
)

// Version information (set via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// Global flags
var (
	configFile string
	logLevel   string
	logFormat  string
)

// Login flags
var rememberLogin bool

// defaultSocketPath is used by control commands when the config cannot be loaded.
const defaultSocketPath = "/run/cms-console/ctl.sock"

// Exit codes
const (
	ExitSuccess = 0
	ExitError   = 1
	ExitConfig  = 3
)

var rootCmd = &cobra.Command{
	Use:   "cms-console",
	Short: "Administrative console for the Douzone and integrated CMS",
	Long: `Local administrative console for the CMS REST backends.

The daemon holds one authenticated session against the CMS backend,
refreshes its access token transparently and serves the console pages.
The login, logout, status and sync commands drive the running daemon
over its control socket.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the console daemon",
	Long: `Start the daemon that owns the console session.

The daemon:
  - Verifies the persisted token pair once at startup
  - Serves the console pages over HTTP
  - Listens on a Unix socket for control commands
  - Reissues expired access tokens and signs out when that fails

This mode is typically run as a systemd service.`,
	RunE: runServe,
}

// overrideExitCode is set by subcommands so main() can call os.Exit() after
// cobra finishes. This avoids calling os.Exit() inside RunE which would
// bypass deferred functions. -1 means "use default".
var overrideExitCode = -1

var loginCmd = &cobra.Command{
	Use:   "login <credentials-file>",
	Short: "Sign the daemon in",
	Long: `Sign the daemon in to the CMS backend.

The credentials file contains:
  Line 1: Login id
  Line 2: Password

Exit codes:
  0 = Signed in
  1 = Failure (daemon unreachable, backend unavailable)
  4 = Invalid credentials`,
	Args: cobra.ExactArgs(1),
	RunE: runLogin,
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Sign the daemon out",
	Args:  cobra.NoArgs,
	RunE:  runLogout,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the daemon's session",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Re-verify the stored session with the backend",
	Args:  cobra.NoArgs,
	RunE:  runSync,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Display version information",
	Long:  `Display version, commit hash, and build date.`,
	Run:   runVersion,
}

var checkConfigCmd = &cobra.Command{
	Use:   "check-config",
	Short: "Validate configuration file",
	Long: `Load and validate the configuration file without starting the daemon.

Checks for:
  - Valid YAML syntax
  - Required fields present
  - Valid URLs and paths
  - Known token store driver and route guard contexts

Exit codes:
  0 = Configuration is valid
  3 = Configuration error`,
	RunE: runCheckConfig,
}

func init() {
	// Global flags (available to all commands)
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "/etc/cms-console/config.yaml",
		"Path to configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"Log level (debug, info, warn, error) - overrides config file")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "",
		"Log format (json, text) - overrides config file")

	loginCmd.Flags().BoolVar(&rememberLogin, "remember", false,
		"Remember the login id for the next sign-in")

	// Add subcommands
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(checkConfigCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(ExitError)
	}

	// If a subcommand set a specific exit code, use it.
	// This is done outside RunE so deferred functions run properly.
	if overrideExitCode >= 0 {
		os.Exit(overrideExitCode)
	}
}

// runServe starts the daemon
func runServe(cmd *cobra.Command, args []string) error {
	// Load configuration
	cfg, err := config.Load(configFile)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Override log settings from flags if provided
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logFormat != "" {
		cfg.Log.Format = logFormat
	}

	// Initialize structured logging based on config
	config.SetupLogging(&cfg.Log)

	slog.Info("starting CMS console daemon",
		"version", version,
		"commit", commit,
		"build_date", buildDate,
		"config", configFile,
	)

	// Create and run daemon
	d, err := daemon.New(cfg, version)
	if err != nil {
		slog.Error("failed to create daemon", "error", err)
		return fmt.Errorf("failed to create daemon: %w", err)
	}

	return d.Run()
}

// controlHandler builds the control command handler. If the config cannot be
// loaded the default socket path is tried.
func controlHandler() *ctl.Handler {
	socketPath := defaultSocketPath

	cfg, err := config.Load(configFile)
	if err == nil {
		socketPath = cfg.Listen.Socket
		if logLevel != "" {
			cfg.Log.Level = logLevel
		}
		if logFormat != "" {
			cfg.Log.Format = logFormat
		}
		config.SetupLogging(&cfg.Log)
	}

	return ctl.NewHandler(socketPath, os.Stdout, os.Stderr)
}

// runLogin signs the daemon in -- exit code is applied in main() after cobra finishes
func runLogin(cmd *cobra.Command, args []string) error {
	overrideExitCode = controlHandler().Login(context.Background(), args[0], rememberLogin)
	return nil
}

func runLogout(cmd *cobra.Command, args []string) error {
	overrideExitCode = controlHandler().Logout(context.Background())
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	overrideExitCode = controlHandler().Status(context.Background())
	return nil
}

func runSync(cmd *cobra.Command, args []string) error {
	overrideExitCode = controlHandler().Sync(context.Background())
	return nil
}

// runVersion displays version information
func runVersion(cmd *cobra.Command, args []string) {
	fmt.Printf("cms-console version %s\n", version)
	fmt.Printf("  Commit:     %s\n", commit)
	fmt.Printf("  Build date: %s\n", buildDate)
	fmt.Printf("  Go version: %s\n", runtime.Version())
}

// runCheckConfig validates the configuration
func runCheckConfig(cmd *cobra.Command, args []string) error {
	fmt.Printf("Checking configuration: %s\n\n", configFile)

	// Load configuration
	cfg, err := config.Load(configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Configuration validation failed:\n")
		fmt.Fprintf(os.Stderr, "   %v\n", err)
		overrideExitCode = ExitConfig
		return nil // exit code handled via overrideExitCode
	}

	// Print configuration summary (with secrets redacted)
	red := cfg.Redact()
	fmt.Println("✅ Configuration is valid")
	fmt.Println()
	fmt.Println("Configuration summary:")
	fmt.Printf("  Flavor:          %s\n", red.Flavor)
	fmt.Printf("  Backend API:     %s\n", red.Backend.APIBaseURL())
	fmt.Printf("  Role Prefix:     %s\n", red.Backend.RolePrefix)
	fmt.Printf("  HTTP Listen:     %s\n", red.Listen.HTTP)
	fmt.Printf("  Unix Socket:     %s\n", red.Listen.Socket)
	fmt.Printf("  Token Store:     %s\n", red.TokenStore.Driver)
	fmt.Printf("  Token Lifetime:  %d seconds\n", red.TokenStore.Lifetime)
	fmt.Printf("  Sign-in Page:    %s\n", red.Routes.SignIn)
	fmt.Printf("  Route Guards:    %d\n", len(red.Routes.Guards))
	fmt.Printf("  Log Level:       %s\n", red.Log.Level)
	fmt.Printf("  Log Format:      %s\n", red.Log.Format)

	if red.TokenStore.Driver == config.StoreDriverRedis {
		fmt.Printf("  Redis:           %s (db %d)\n", red.TokenStore.RedisAddr, red.TokenStore.RedisDB)
		if red.TokenStore.RedisPassword != "" {
			fmt.Printf("  Redis Password:  %s\n", red.TokenStore.RedisPassword)
		}
	}

	fmt.Println("\n✅ Ready to start daemon")

	return nil
}
