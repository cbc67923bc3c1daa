package main

import (
	"fmt"
	"os"
	"runtime/debug"

	"github.com/spf13/cobra"
)

var (
	flagConfigPath  string
	flagInteractive bool
)

var rootCmd = &cobra.Command{
	Use:          "sentinel-agent",
	Short:        "Endpoint agent executing control-plane commands and policies",
	SilenceUsage: true,
	RunE:         doRun,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "connect to the control plane and process work until stopped",
	RunE:  doRun,
}

var diagnoseCmd = &cobra.Command{
	Use:   "diagnose",
	Short: "show configuration, local backlog and available script interpreters",
	RunE:  doDiagnose,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "print the agent version",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig()
		if err == nil {
			fmt.Printf("agent:  %s\n", cfg.Version)
		}
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Println("build info not available")
			return
		}
		fmt.Printf("go:     %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				fmt.Printf("commit: %s\n", s.Value)
			case "vcs.time":
				fmt.Printf("time:   %s\n", s.Value)
			}
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfigPath, "config", "config/agent.yaml", "path to the YAML configuration file")
	diagnoseCmd.Flags().BoolVarP(&flagInteractive, "interactive", "i", false, "open an interactive view with refresh")
	rootCmd.AddCommand(runCmd, diagnoseCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
