package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "rover-auto",
	Short: "rover-auto - event driven automation pipeline",
	Long: `rover-auto turns repository events into chains of automated steps.
The daemon owns the pipeline database; every other command talks to it over HTTP.`,
	SilenceUsage: true,
	// No RunE - defaults to showing help when no subcommand is provided
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().String("api", "http://127.0.0.1:7466", "API server address")
	rootCmd.PersistentFlags().StringP("project", "p", ".", "project root")
	rootCmd.PersistentFlags().String("config", "", "configuration file (default <project>/.rover/automation.yaml)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	_ = viper.BindPFlag("api", rootCmd.PersistentFlags().Lookup("api"))
	_ = viper.BindPFlag("project", rootCmd.PersistentFlags().Lookup("project"))
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))

	rootCmd.AddCommand(daemonCmd())
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(eventCmd())
	rootCmd.AddCommand(pendingCmd())
	rootCmd.AddCommand(tracesCmd())
	rootCmd.AddCommand(spansCmd())
	rootCmd.AddCommand(stepsCmd())
	rootCmd.AddCommand(drainCmd())
	rootCmd.AddCommand(agentsCmd())
	rootCmd.AddCommand(healthCmd())
}

func initConfig() {
	viper.SetEnvPrefix("ROVER_AUTO")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
