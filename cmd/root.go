package cmd

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/tanq16/prebuf/internal/config"
	"github.com/tanq16/prebuf/internal/utils"
)

var PrebufVersion = "dev"

var (
	cfgFile string
	envFile string
	debug   bool
)

var rootCmd = &cobra.Command{
	Use:     "prebuf",
	Short:   "prebuf is a progressive media buffering cache",
	Version: PrebufVersion,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if envFile != "" {
			if err := godotenv.Load(envFile); err != nil {
				return fmt.Errorf("error loading env file: %v", err)
			}
		} else if _, err := os.Stat(".env"); err == nil {
			if err := godotenv.Load(); err != nil {
				return fmt.Errorf("error loading .env: %v", err)
			}
		}
		utils.InitLogger(debug, "console")
		return nil
	},
	SilenceUsage: true,
}

// loadConfig reads the configuration and re-initializes logging from it.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	utils.InitLogger(debug || cfg.Logging.Debug(), cfg.Logging.Format)
	log.Debug().Str("op", "cmd/config").Msgf("Loaded configuration (store=%s)", cfg.Store.Type)
	return cfg, nil
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to config file (default $XDG_CONFIG_HOME/prebuf/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "Load environment variables from this file")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newWarmCmd())
	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newCleanCmd())
	rootCmd.AddCommand(newConfigCmd())
}
