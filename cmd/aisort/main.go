// aisort categorizes files and directories with a language model and keeps
// the decisions in a local cache so repeated runs are cheap and consistent.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"aisort/internal/config"
	"aisort/internal/logging"
)

var (
	verbose    bool
	configPath string
	modelPath  string

	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "aisort",
	Short: "aisort - AI-assisted file categorization",
	Long: `aisort points a language model at a directory and proposes a
(category, subcategory) pair for every file and folder. Decisions are kept
in a local SQLite cache keyed by (directory, name, type), so re-runs only
ask the model about new entries.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		logger, err = logging.New(verbose)
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// loadSettings resolves the config dir and reads the settings snapshot,
// applying command-line overrides.
func loadSettings() (config.Settings, string, error) {
	configDir, err := config.ConfigDir()
	if err != nil {
		return config.Settings{}, "", err
	}

	path := configPath
	if path == "" {
		path = config.SettingsPath(configDir)
	}
	settings, err := config.Load(path)
	if err != nil {
		return settings, configDir, err
	}

	if modelPath != "" {
		settings.ModelPath = modelPath
	}
	return settings, configDir, nil
}

func main() {
	// A local .env is convenient for API keys and backend overrides.
	_ = godotenv.Load()

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to settings.yaml")
	rootCmd.PersistentFlags().StringVar(&modelPath, "model", "", "path to the local GGUF model")

	rootCmd.AddCommand(categorizeCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(cacheCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
