package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/espenfjo/symbolfetcher/internal/manifest"
)

var statusOutputFlag string

// statusCmd summarizes what previous fetch runs recorded in the manifest.
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show a summary of fetched symbols",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().StringVarP(&statusOutputFlag, "output", "o", "", "output directory holding the manifest (default \"pdbs\")")
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	outDir := cfg.Output.Dir
	if statusOutputFlag != "" {
		outDir = statusOutputFlag
	}

	path := filepath.Join(outDir, "manifest.db")
	if _, err := os.Stat(path); err != nil {
		fmt.Printf("No manifest found at %s - run 'symbolfetcher fetch' first\n", path)
		return nil
	}

	man, err := manifest.Open(path)
	if err != nil {
		return err
	}
	defer man.Close()

	sum, err := man.Summarize()
	if err != nil {
		return err
	}

	fmt.Printf("Symbol manifest: %s\n", path)
	fmt.Printf("  Downloaded:    %d\n", sum.Downloaded)
	fmt.Printf("  Skipped:       %d\n", sum.Skipped)
	fmt.Printf("  Not on server: %d\n", sum.NotFound)
	fmt.Printf("  Failed:        %d\n", sum.Failed)
	fmt.Printf("  Total:         %d\n", sum.Total())
	return nil
}
