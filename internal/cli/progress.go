package cli

import (
	"fmt"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/espenfjo/symbolfetcher/internal/fetcher"
)

// CLIProgressReporter implements progress reporting with a progress bar.
type CLIProgressReporter struct {
	quiet bool
	bar   *progressbar.ProgressBar
}

// NewCLIProgressReporter creates a new CLI progress reporter.
func NewCLIProgressReporter(quiet bool) *CLIProgressReporter {
	return &CLIProgressReporter{quiet: quiet}
}

func (c *CLIProgressReporter) OnScanComplete(candidates int) {
	if c.quiet {
		return
	}
	fmt.Printf("Processing %d candidate binaries\n", candidates)

	c.bar = progressbar.NewOptions(candidates,
		progressbar.OptionSetDescription("Fetching symbols"),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("files/s"),
		progressbar.OptionThrottle(65*time.Millisecond),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionOnCompletion(func() {
			fmt.Println()
		}),
	)
}

func (c *CLIProgressReporter) OnFileProcessed(string) {
	if c.quiet {
		return
	}
	if c.bar != nil {
		c.bar.Add(1)
	}
}

func (c *CLIProgressReporter) OnComplete(stats fetcher.Stats) {
	if c.quiet {
		return
	}
	if c.bar != nil {
		c.bar.Finish()
		c.bar = nil
	}

	fmt.Println()
	fmt.Printf("✓ Fetch complete: %d symbols downloaded from %d candidates\n",
		stats.Downloaded, stats.Candidates)
	fmt.Printf("  No debug info:   %d\n", stats.NoDebugInfo)
	fmt.Printf("  Shared PDBs:     %d\n", stats.Deduplicated)
	fmt.Printf("  Already present: %d\n", stats.AlreadyPresent)
	fmt.Printf("  Not on server:   %d\n", stats.NotFound)
	fmt.Printf("  Failed:          %d\n", stats.Failed)
}
