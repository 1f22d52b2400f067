// Package cli wires the cobra commands for symbolfetcher.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/espenfjo/symbolfetcher/internal/config"
)

var (
	cfgFile string
	verbose bool
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "symbolfetcher",
	Short: "Fetch debug symbols for a Windows installation",
	Long: `symbolfetcher scans the System32 directory of a Windows installation,
extracts the CodeView debug identifier (PDB name, GUID and age) from each
native binary, and downloads the matching PDB files from the Microsoft
symbol server.`,
}

// Execute adds all child commands to the root command and sets flags
// appropriately. This is called by main.main().
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is .symbolfetcher/config.yml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
}

// loadConfig resolves configuration from the --config flag or the working
// directory.
func loadConfig() (*config.Config, error) {
	if cfgFile != "" {
		return config.NewFileLoader(cfgFile).Load()
	}
	wd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("failed to get working directory: %w", err)
	}
	return config.NewLoader(wd).Load()
}
