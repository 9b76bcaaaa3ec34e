// Package cmd implements the convoy command line interface.
package cmd

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/zjrosen/convoy/internal/config"
)

var (
	version = "dev"
	cfgFile string
	cfg     config.Config
)

var rootCmd = &cobra.Command{
	Use:     "convoy",
	Short:   "Coordinate worker agents through a shared mailbox",
	Long: `Convoy runs the coordination side of a multi-agent session: it spawns
worker agents, assigns tasks, polls the shared mailbox for their replies, and
mediates permission requests, exposing the whole surface as MCP tools over
stdio.`,
	Version: version,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: .convoy/config.yaml, then ~/.config/convoy/config.yaml)")
	rootCmd.PersistentFlags().String("data-dir", "",
		"directory for session documents")

	_ = viper.BindPFlag("data_dir", rootCmd.PersistentFlags().Lookup("data-dir"))
}

func initConfig() {
	defaults := config.Defaults()
	viper.SetDefault("data_dir", defaults.DataDir)
	viper.SetDefault("mailbox.backend", defaults.Mailbox.Backend)
	viper.SetDefault("mailbox.sqlite_path", defaults.Mailbox.SQLitePath)
	viper.SetDefault("poll.wait_seconds", defaults.Poll.WaitSeconds)
	viper.SetDefault("permissions.max_age_hours", defaults.Permissions.MaxAgeHours)
	viper.SetDefault("tracing.enabled", defaults.Tracing.Enabled)
	viper.SetDefault("tracing.exporter", defaults.Tracing.Exporter)
	viper.SetDefault("tracing.file_path", defaults.Tracing.FilePath)
	viper.SetDefault("tracing.otlp_endpoint", defaults.Tracing.OTLPEndpoint)
	viper.SetDefault("tracing.sample_rate", defaults.Tracing.SampleRate)
	viper.SetDefault("tracing.service_name", defaults.Tracing.ServiceName)

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		// Config lookup order:
		// 1. .convoy/config.yaml (current directory)
		// 2. ~/.config/convoy/config.yaml (user config)
		if _, err := os.Stat(".convoy/config.yaml"); err == nil {
			viper.SetConfigFile(".convoy/config.yaml")
		} else {
			home, _ := os.UserHomeDir()
			viper.AddConfigPath(filepath.Join(home, ".config", "convoy"))
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
	}

	if err := viper.ReadInConfig(); err != nil {
		// No config file found anywhere - create default at .convoy/config.yaml
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			defaultPath := ".convoy/config.yaml"
			if writeErr := config.WriteDefaultConfig(defaultPath); writeErr == nil {
				viper.SetConfigFile(defaultPath)
				_ = viper.ReadInConfig()
			}
			// If write fails, just continue with defaults (no config file)
		}
	}

	_ = viper.Unmarshal(&cfg)
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

// SetVersion sets the version string (called from main with ldflags)
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}
