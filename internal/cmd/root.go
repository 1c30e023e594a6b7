package cmd

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "kd",
	Short: "Coordinate coding agents around tickets",
	Long: `Kingdom runs coding agents ("peasants") against tickets in the
background, consults a council of advisor agents, and leaves every
decision to merge with you, the King.

State lives in plain files under .kd/ in the repository root.`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default is .kd/config.yaml merged over the user config)")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "log diagnostics to stderr")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))

	rootCmd.AddCommand(initCmd, workCmd, peasantCmd, councilCmd, tkCmd)
}

func initConfig() {
	viper.AutomaticEnv()
	viper.SetEnvPrefix("KD")
	// Replace dots with underscores for nested keys in env vars
	// e.g., KD_PEASANT_MAX_ITERATIONS for peasant.max_iterations
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
}
