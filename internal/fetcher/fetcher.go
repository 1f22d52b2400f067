// Package fetcher drives the scan → extract → download pipeline over a
// Windows installation tree.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/maypok86/otter"
	"go.uber.org/zap"

	"github.com/espenfjo/symbolfetcher/internal/manifest"
	"github.com/espenfjo/symbolfetcher/internal/pe"
	"github.com/espenfjo/symbolfetcher/internal/symsrv"
	"github.com/espenfjo/symbolfetcher/internal/winscan"
)

// seenCacheCapacity bounds the per-run identifier dedupe cache. A System32
// tree holds a few thousand binaries, so this never evicts in practice.
const seenCacheCapacity = 16_384

// Stats tracks what one run did. Counters are per candidate file up to
// extraction and per identifier afterwards.
type Stats struct {
	Candidates     int // files matching the extension filter
	Extracted      int // files that yielded a debug identifier
	NoDebugInfo    int // files skipped for lacking usable debug info
	Deduplicated   int // identifiers already handled earlier in the run
	AlreadyPresent int // destination existed, no request issued
	Downloaded     int // symbols fetched and written
	NotFound       int // server has no symbol for the identifier
	Failed         int // download exhausted or write failed
}

// ProgressReporter receives pipeline milestones. Implementations must be
// safe for concurrent OnFileProcessed calls.
type ProgressReporter interface {
	OnScanComplete(candidates int)
	OnFileProcessed(path string)
	OnComplete(stats Stats)
}

// NoopProgress discards all progress events.
type NoopProgress struct{}

func (NoopProgress) OnScanComplete(int)     {}
func (NoopProgress) OnFileProcessed(string) {}
func (NoopProgress) OnComplete(Stats)       {}

// Options configures a Fetcher. Tree and Client are required; Manifest is
// optional bookkeeping.
type Options struct {
	Tree      *winscan.Tree
	Client    *symsrv.Client
	Manifest  *manifest.Store
	OutputDir string
	Workers   int
	Logger    *zap.Logger
	Progress  ProgressReporter
}

// Fetcher runs the pipeline. Identifiers are independent, so files fan out
// across a bounded worker pool; the retry sequence for a single identifier
// stays strictly sequential inside its worker.
type Fetcher struct {
	tree      *winscan.Tree
	client    *symsrv.Client
	man       *manifest.Store
	outputDir string
	workers   int
	log       *zap.Logger
	progress  ProgressReporter

	// extract is pe.ExtractFile, replaceable in tests.
	extract func(path string) (*pe.Identifier, error)
	// seen deduplicates identifiers shared by several binaries, which is
	// common for MUI resource DLLs.
	seen otter.Cache[string, struct{}]

	mu    sync.Mutex
	stats Stats
}

// New creates a Fetcher.
func New(opts Options) (*Fetcher, error) {
	if opts.Tree == nil || opts.Client == nil {
		return nil, errors.New("fetcher requires a tree and a client")
	}
	if opts.OutputDir == "" {
		opts.OutputDir = "pdbs"
	}
	if opts.Workers < 1 {
		opts.Workers = 4
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Progress == nil {
		opts.Progress = NoopProgress{}
	}

	seen, err := otter.MustBuilder[string, struct{}](seenCacheCapacity).Build()
	if err != nil {
		return nil, fmt.Errorf("building dedupe cache: %w", err)
	}

	return &Fetcher{
		tree:      opts.Tree,
		client:    opts.Client,
		man:       opts.Manifest,
		outputDir: opts.OutputDir,
		workers:   opts.Workers,
		log:       opts.Logger,
		progress:  opts.Progress,
		extract:   pe.ExtractFile,
		seen:      seen,
	}, nil
}

// Run executes one batch. Only the initial scan can fail the whole run;
// every per-file and per-identifier problem degrades to skip-and-continue.
func (f *Fetcher) Run(ctx context.Context) (Stats, error) {
	files, err := f.tree.CandidateBinaries()
	if err != nil {
		return Stats{}, err
	}
	f.stats.Candidates = len(files)
	f.progress.OnScanComplete(len(files))
	f.log.Info("scan complete", zap.Int("candidates", len(files)))

	jobs := make(chan string)
	var wg sync.WaitGroup
	for i := 0; i < f.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for path := range jobs {
				f.processFile(ctx, path)
				f.progress.OnFileProcessed(path)
			}
		}()
	}

feed:
	for _, path := range files {
		select {
		case jobs <- path:
		case <-ctx.Done():
			break feed
		}
	}
	close(jobs)
	wg.Wait()

	stats := f.snapshot()
	f.progress.OnComplete(stats)
	f.log.Info("batch complete",
		zap.Int("candidates", stats.Candidates),
		zap.Int("downloaded", stats.Downloaded),
		zap.Int("already_present", stats.AlreadyPresent),
		zap.Int("not_found", stats.NotFound),
		zap.Int("failed", stats.Failed))
	return stats, ctx.Err()
}

// processFile takes one candidate binary through extraction and download.
func (f *Fetcher) processFile(ctx context.Context, path string) {
	id, err := f.extract(path)
	if err != nil {
		f.log.Debug("no usable debug info", zap.String("file", path), zap.Error(err))
		f.count(func(s *Stats) { s.NoDebugInfo++ })
		return
	}
	f.log.Debug("debug identifier extracted",
		zap.String("file", path),
		zap.String("pdb", id.Name),
		zap.String("guid", id.GUID),
		zap.Uint32("age", id.Age))
	f.count(func(s *Stats) { s.Extracted++ })

	if !f.seen.SetIfAbsent(id.String(), struct{}{}) {
		f.count(func(s *Stats) { s.Deduplicated++ })
		return
	}

	dest := f.destination(*id)
	if _, err := os.Stat(dest); err == nil {
		f.log.Info("symbol already present, skipping download", zap.String("path", dest))
		f.count(func(s *Stats) { s.AlreadyPresent++ })
		f.record(*id, manifest.StatusSkipped, 0)
		return
	}

	// A notfound outcome from an earlier run is terminal: the server will
	// not grow the symbol, so a rerun issues no request for it. Downloaded
	// outcomes are vouched for by the destination file itself, so a deleted
	// file is fetched again.
	if prior := f.lookup(*id); prior != nil && prior.Status == manifest.StatusNotFound {
		f.log.Info("symbol recorded as missing on server, skipping request",
			zap.String("pdb", id.String()))
		f.count(func(s *Stats) { s.NotFound++ })
		return
	}

	data, err := f.client.Fetch(ctx, *id)
	switch {
	case errors.Is(err, symsrv.ErrNotFound):
		f.log.Warn("symbol not on server", zap.String("pdb", id.String()))
		f.count(func(s *Stats) { s.NotFound++ })
		f.record(*id, manifest.StatusNotFound, 0)
		return
	case err != nil:
		f.log.Error("symbol download failed", zap.String("pdb", id.String()), zap.Error(err))
		f.count(func(s *Stats) { s.Failed++ })
		f.record(*id, manifest.StatusFailed, 0)
		return
	}

	if err := f.write(dest, data); err != nil {
		f.log.Error("writing symbol failed", zap.String("path", dest), zap.Error(err))
		f.count(func(s *Stats) { s.Failed++ })
		f.record(*id, manifest.StatusFailed, 0)
		return
	}

	f.log.Info("symbol stored",
		zap.String("path", dest),
		zap.Int("bytes", len(data)))
	f.count(func(s *Stats) { s.Downloaded++ })
	f.record(*id, manifest.StatusDownloaded, int64(len(data)))
}

// destination is pdbs/{name}/{guid}{age}/{name}, mirroring the server path.
func (f *Fetcher) destination(id pe.Identifier) string {
	return filepath.Join(f.outputDir, id.Name, id.PathSegment(), id.Name)
}

func (f *Fetcher) write(dest string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("creating symbol directory: %w", err)
	}
	if err := os.WriteFile(dest, data, 0o644); err != nil {
		return fmt.Errorf("writing symbol file: %w", err)
	}
	return nil
}

// lookup returns the prior outcome for an identifier, or nil when no
// manifest is attached, the identifier is new, or the lookup itself fails.
func (f *Fetcher) lookup(id pe.Identifier) *manifest.Entry {
	if f.man == nil {
		return nil
	}
	entry, err := f.man.Lookup(id.Name, id.GUID, id.Age)
	if err != nil {
		f.log.Warn("manifest lookup failed", zap.Error(err))
		return nil
	}
	return entry
}

// record writes the outcome to the manifest when one is attached. Manifest
// failures never fail the pipeline.
func (f *Fetcher) record(id pe.Identifier, status string, size int64) {
	if f.man == nil {
		return
	}
	err := f.man.Record(manifest.Entry{
		Name:      id.Name,
		GUID:      id.GUID,
		Age:       id.Age,
		Status:    status,
		SizeBytes: size,
	})
	if err != nil {
		f.log.Warn("manifest update failed", zap.Error(err))
	}
}

func (f *Fetcher) count(update func(*Stats)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	update(&f.stats)
}

func (f *Fetcher) snapshot() Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats
}
