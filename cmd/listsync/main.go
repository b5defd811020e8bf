package main

import (
	"context"
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/foxzi/listsync/internal/app"
	"github.com/foxzi/listsync/internal/config"
)

var (
	cfgFile   string
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "listsync",
	Short: "Listsync - mailing list synchronization service",
	Long: `Listsync keeps subscription lists and contacts in sync with an email
service provider such as Mailchimp.`,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API and background workers",
	RunE:  runServe,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration commands",
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	RunE:  runConfigValidate,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("listsync version %s\n", version)
		if commit != "unknown" {
			fmt.Printf("  commit: %s\n", commit)
		}
		if buildTime != "unknown" {
			fmt.Printf("  built:  %s\n", buildTime)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")

	configCmd.AddCommand(configValidateCmd)
	rootCmd.AddCommand(serveCmd, configCmd, versionCmd)
}

func loadConfig() (*config.Config, error) {
	if cfgFile == "" {
		return nil, fmt.Errorf("config file is required (use -c flag)")
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// openComponents loads the config and opens the domain services for one
// CLI command. Only warnings and errors are logged.
func openComponents() (*app.Components, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	cfg.Logging.Level = "warn"
	components, err := app.NewComponents(cfg, app.SetupLogger(cfg.Logging))
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}
	return components, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	application, err := app.New(cfg, version)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}

	return application.Run(context.Background())
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	if cfgFile == "" {
		return fmt.Errorf("config file is required (use -c flag)")
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("configuration is invalid: %w", err)
	}

	creds := make([]string, 0, len(cfg.Provider.Credentials))
	for slug := range cfg.Provider.Credentials {
		creds = append(creds, slug)
	}
	sort.Strings(creds)

	active := cfg.Provider.Active
	if active == "" {
		active = "(none)"
	}

	fmt.Printf("Configuration is valid\n")
	fmt.Printf("  Provider:    %s\n", active)
	fmt.Printf("  Credentials: %v\n", creds)
	fmt.Printf("  API:         %s\n", cfg.API.ListenAddr)
	fmt.Printf("  Storage:     %s\n", cfg.Storage.Path)
	fmt.Printf("  Attempts:    %s\n", cfg.Attempts.Path)
	if cfg.Metrics.Enabled {
		fmt.Printf("  Metrics:     %s%s\n", cfg.Metrics.ListenAddr, cfg.Metrics.Path)
	}
	if cfg.RateLimit.Enabled {
		fmt.Printf("  Rate limit:  enabled\n")
	}

	return nil
}
