package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/phsym/console-slog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	keyConfigFile = "config_file"
	keyLogFormat  = "log_format"
	keyVerbose    = "verbose"
	keyWorkdir    = "workdir"
)

var rootCmd = &cobra.Command{
	Use:           "zero-idp",
	Short:         "Identity provider for smartcard based authentication",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if dir := viper.GetString(keyWorkdir); dir != "" {
			if err := os.Chdir(expandHome(dir)); err != nil {
				return fmt.Errorf("change working directory: %w", err)
			}
		}
		// .env of the working directory, values already in the environment win
		_ = godotenv.Load()
		return setupLogging(viper.GetString(keyLogFormat), viper.GetBool(keyVerbose))
	},
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		slog.Error("zero-idp failed", "error", err)
		os.Exit(1)
	}
}

func init() {
	viper.SetEnvPrefix("IDP")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	flags := rootCmd.PersistentFlags()
	flags.StringP("workdir", "w", "", "working directory, config paths are relative to it")
	flags.BoolP("verbose", "v", false, "debug logging")
	flags.StringP("config-file", "f", "idp.yaml", "identity provider config file")
	flags.String("log-format", "pretty", "log output: pretty, text or json")

	viper.BindPFlag(keyWorkdir, flags.Lookup("workdir"))
	viper.BindPFlag(keyVerbose, flags.Lookup("verbose"))
	viper.BindPFlag(keyConfigFile, flags.Lookup("config-file"))
	viper.BindPFlag(keyLogFormat, flags.Lookup("log-format"))
}

// setupLogging installs the default logger. PRETTY_LOGS=false keeps working as an alias for text.
func setupLogging(format string, verbose bool) error {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	if os.Getenv("PRETTY_LOGS") == "false" && format == "pretty" {
		format = "text"
	}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "pretty":
		handler = console.NewHandler(os.Stderr, &console.HandlerOptions{Level: level})
	case "text":
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	default:
		return fmt.Errorf("unknown log format %q", format)
	}
	slog.SetDefault(slog.New(handler).With("service", "zero-idp"))
	return nil
}

// configFilePath resolves the config file flag, relative paths against the working directory.
func configFilePath() (string, error) {
	path := expandHome(viper.GetString(keyConfigFile))
	if path == "" {
		return "", fmt.Errorf("config file is required, use --config-file or IDP_CONFIG_FILE")
	}
	return filepath.Abs(path)
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return path
}
