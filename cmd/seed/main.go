// Command seed is the kernel's entry point: `seed serve` runs the
// daemon, the task subcommands drive a running daemon over its HTTP
// API using the lock file for discovery.
package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"seed/internal/config"
)

var (
	version = "0.3.0"

	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	cyan   = color.New(color.FgCyan).SprintFunc()
	gray   = color.New(color.FgHiBlack).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, red("error: ")+err.Error())
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "seed",
		Short:         "Seed is an event-sourced agent task kernel",
		Long:          "Seed runs LLM agent tasks as an append-only event log:\ncreate tasks, pause and steer them, approve risky tool calls.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().String("data-dir", "", "data directory (default ~/"+config.DefaultDirName+")")
	_ = viper.BindPFlag("data-dir", root.PersistentFlags().Lookup("data-dir"))
	viper.SetEnvPrefix("SEED")
	_ = viper.BindEnv("data-dir", "SEED_DATA_DIR")

	viper.SetConfigName("seed-config")
	viper.SetConfigType("json")
	viper.AddConfigPath(".")
	if home, err := os.UserHomeDir(); err == nil {
		viper.AddConfigPath(home)
	}
	// The cli config file is optional; the daemon keeps its own.
	_ = viper.ReadInConfig()

	root.AddCommand(
		newServeCmd(),
		newTaskCmd(),
		newRespondCmd(),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the seed version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("seed %s\n", version)
		},
	}
}

func dataDir() string {
	if dir := viper.GetString("data-dir"); dir != "" {
		return dir
	}
	return config.Default().DataDir
}
