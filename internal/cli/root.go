package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ppiankov/evidentia/internal/engine"
	"github.com/ppiankov/evidentia/internal/model"
)

// Version is set at build time
var Version = "v0.1.0"

var (
	cfgFile  string
	verbose  bool
	actorArg string
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "evidentia",
	Short: "Evidentia - evidentiary coherence engine",
	Long: `Evidentia keeps a structured knowledge model coherent while evidence
arrives from documents and research.

Confident fragments are integrated automatically. Ambiguous or conflicting
ones become pending decisions with alternative interpretations. Grids gate
each other on health, and contradictions and gaps surface as predicaments.

Evidentia never decides what is true. It keeps track of what supports what.`,
	SilenceErrors: true,
	SilenceUsage:  true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

// versionCmd represents the version command
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("evidentia %s\n", Version)
	},
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $HOME/.evidentia/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output (debug logging)")
	rootCmd.PersistentFlags().StringVar(&actorArg, "actor", "", "actor recorded on changes (default: $USER)")
	rootCmd.PersistentFlags().String("log-format", "", "log format (text, json)")
	rootCmd.PersistentFlags().String("data", "", "data directory (overrides storage.path)")

	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
	_ = viper.BindPFlag("logging.format", rootCmd.PersistentFlags().Lookup("log-format"))
	_ = viper.BindPFlag("storage.path", rootCmd.PersistentFlags().Lookup("data"))

	rootCmd.AddCommand(versionCmd)
}

// initConfig reads in config file and ENV variables
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error finding home directory: %v\n", err)
			return
		}
		viper.AddConfigPath(home + "/.evidentia")
		viper.SetConfigType("yaml")
		viper.SetConfigName("config")
	}

	// EVIDENTIA_THRESHOLDS_AUTO_INTEGRATE maps to thresholds.auto_integrate
	viper.SetEnvPrefix("EVIDENTIA")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil && verbose {
		fmt.Fprintf(os.Stderr, "Using config file: %s\n", viper.ConfigFileUsed())
	}
}

// loadConfig merges defaults, the config file, environment and flags
func loadConfig() (*model.Config, error) {
	cfg := model.DefaultConfig()
	bindDefaults(cfg)
	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if verbose {
		cfg.Logging.Level = "debug"
	}
	if cfg.LLM.Enabled && cfg.LLM.APIKey == "" {
		switch cfg.LLM.Provider {
		case "openai":
			cfg.LLM.APIKey = os.Getenv("OPENAI_API_KEY")
		case "anthropic":
			cfg.LLM.APIKey = os.Getenv("ANTHROPIC_API_KEY")
		}
	}
	if cfg.LLM.Provider == "ollama" && cfg.LLM.BaseURL == "" {
		cfg.LLM.BaseURL = os.Getenv("OLLAMA_BASE_URL")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// bindDefaults registers every config key with viper so environment
// variables are seen by Unmarshal even when no config file sets them
func bindDefaults(cfg *model.Config) {
	for _, key := range []string{
		"thresholds.auto_integrate", "thresholds.decision_floor", "thresholds.healthy",
		"thresholds.complete", "llm.enabled", "llm.provider", "llm.model",
		"llm.api_key", "llm.base_url", "storage.path", "storage.in_memory",
		"server.addr", "server.metrics", "archive.enabled", "archive.path",
		"logging.level", "logging.format", "cache.enabled",
	} {
		_ = viper.BindEnv(key)
	}
	// defaults outrank the empty defaults of unchanged flags
	viper.SetDefault("storage.path", cfg.Storage.Path)
	viper.SetDefault("logging.format", cfg.Logging.Format)
	viper.SetDefault("server.addr", cfg.Server.Addr)
}

// actor returns the actor recorded on changes made from the command line
func actor() string {
	if actorArg != "" {
		return actorArg
	}
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "cli"
}

// withEngine opens the engine from configuration, runs fn and closes it
func withEngine(ctx context.Context, fn func(ctx context.Context, e *engine.Engine, logger *slog.Logger) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Logging, os.Stderr)
	e, err := engine.Open(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("open engine: %w", err)
	}
	defer func() {
		if cerr := e.Close(); cerr != nil {
			logger.Warn("close engine", "error", cerr)
		}
	}()
	return fn(ctx, e, logger)
}
