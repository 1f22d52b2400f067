package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/espenfjo/symbolfetcher/internal/fetcher"
	"github.com/espenfjo/symbolfetcher/internal/logging"
	"github.com/espenfjo/symbolfetcher/internal/manifest"
	"github.com/espenfjo/symbolfetcher/internal/symsrv"
	"github.com/espenfjo/symbolfetcher/internal/winscan"
)

var (
	outputFlag  string
	workersFlag int
	quietFlag   bool
)

// fetchCmd represents the fetch command.
var fetchCmd = &cobra.Command{
	Use:   "fetch <windows-root>",
	Short: "Download symbols for every binary in System32",
	Long: `Fetch scans <windows-root>/System32 for native binaries (dll, exe, sys,
drv, cpl, mui, ocx), extracts each binary's embedded debug identifier and
downloads the matching PDB from the symbol server into the output
directory, laid out as {name}/{guid}{age}/{name}.

Binaries without usable debug info are skipped. Symbols already present in
the output directory are not downloaded again.

Examples:
  # Fetch symbols for a mounted Windows image
  symbolfetcher fetch /mnt/windows/Windows

  # Store symbols somewhere else with more parallel downloads
  symbolfetcher fetch --output /srv/symbols --workers 8 /mnt/windows/Windows
`,
	Args: cobra.ExactArgs(1),
	RunE: runFetch,
}

func init() {
	rootCmd.AddCommand(fetchCmd)
	fetchCmd.Flags().StringVarP(&outputFlag, "output", "o", "", "output directory for fetched symbols (default \"pdbs\")")
	fetchCmd.Flags().IntVarP(&workersFlag, "workers", "w", 0, "number of concurrent downloads")
	fetchCmd.Flags().BoolVarP(&quietFlag, "quiet", "q", false, "disable progress output")
}

func runFetch(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle interrupt signals gracefully.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Println("\nInterrupted! Cancelling fetch...")
		cancel()
	}()

	logger, err := logging.New(verbose)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if outputFlag != "" {
		cfg.Output.Dir = outputFlag
	}
	if workersFlag > 0 {
		cfg.Output.Workers = workersFlag
	}

	tree, err := winscan.New(args[0], cfg.Scan.Patterns, logger)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.Output.Dir, 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	man, err := manifest.Open(filepath.Join(cfg.Output.Dir, "manifest.db"))
	if err != nil {
		return err
	}
	defer man.Close()

	client := symsrv.NewClient(symsrv.Config{
		BaseURL:        cfg.Server.URL,
		MaxAttempts:    cfg.Server.MaxAttempts,
		InitialBackoff: cfg.Server.InitialBackoff,
		Timeout:        cfg.Server.Timeout,
	}, logger)

	f, err := fetcher.New(fetcher.Options{
		Tree:      tree,
		Client:    client,
		Manifest:  man,
		OutputDir: cfg.Output.Dir,
		Workers:   cfg.Output.Workers,
		Logger:    logger,
		Progress:  NewCLIProgressReporter(quietFlag),
	})
	if err != nil {
		return err
	}

	if _, err := f.Run(ctx); err != nil {
		return fmt.Errorf("fetch failed: %w", err)
	}
	return nil
}
