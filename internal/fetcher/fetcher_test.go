package fetcher

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/espenfjo/symbolfetcher/internal/manifest"
	"github.com/espenfjo/symbolfetcher/internal/pe"
	"github.com/espenfjo/symbolfetcher/internal/symsrv"
	"github.com/espenfjo/symbolfetcher/internal/winscan"
)

// Test Plan:
// - A full run downloads symbols and writes them at {name}/{guid}{age}/{name}
// - Files without debug info are skipped and the batch continues
// - Identifiers shared by several binaries are fetched once
// - An existing destination suppresses the network request entirely
// - 404s are counted as not-found without aborting the batch
// - An unreadable System32 fails the whole run
// - Outcomes land in the manifest when one is attached
// - A rerun issues no request for identifiers recorded notfound, but
//   refetches a downloaded symbol whose file was deleted

// testEnv wires a Fetcher against a temp windows tree and a local server.
type testEnv struct {
	root     string
	outDir   string
	requests *atomic.Int32
	fetcher  *Fetcher
}

// identifiersByFile maps base names of candidate files to stubbed
// extraction results. Missing entries simulate binaries without debug info.
func newTestEnv(t *testing.T, files []string, ids map[string]*pe.Identifier, handler http.HandlerFunc) *testEnv {
	t.Helper()

	root := t.TempDir()
	sys32 := filepath.Join(root, "System32")
	require.NoError(t, os.MkdirAll(sys32, 0o755))
	for _, name := range files {
		require.NoError(t, os.WriteFile(filepath.Join(sys32, name), []byte("mz"), 0o644))
	}

	requests := &atomic.Int32{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		handler(w, r)
	}))
	t.Cleanup(srv.Close)

	tree, err := winscan.New(root, nil, zap.NewNop())
	require.NoError(t, err)

	outDir := filepath.Join(t.TempDir(), "pdbs")
	f, err := New(Options{
		Tree:      tree,
		Client:    symsrv.NewClient(symsrv.Config{BaseURL: srv.URL, MaxAttempts: 1}, zap.NewNop()),
		OutputDir: outDir,
		Workers:   2,
	})
	require.NoError(t, err)

	f.extract = func(path string) (*pe.Identifier, error) {
		id, ok := ids[filepath.Base(path)]
		if !ok {
			return nil, pe.ErrNoDebugDirectory
		}
		return id, nil
	}

	return &testEnv{root: root, outDir: outDir, requests: requests, fetcher: f}
}

func servePayload(payload string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, payload)
	}
}

var (
	ntdllID = &pe.Identifier{Name: "ntdll.pdb", GUID: "0403020106050807090A0B0C0D0E0F10", Age: 3}
	krnlID  = &pe.Identifier{Name: "kernel32.pdb", GUID: "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA", Age: 1}
)

func TestRun_DownloadsAndWritesSymbols(t *testing.T) {
	env := newTestEnv(t,
		[]string{"ntdll.dll", "kernel32.dll"},
		map[string]*pe.Identifier{"ntdll.dll": ntdllID, "kernel32.dll": krnlID},
		servePayload("pdb-bytes"))

	stats, err := env.fetcher.Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 2, stats.Candidates)
	assert.Equal(t, 2, stats.Extracted)
	assert.Equal(t, 2, stats.Downloaded)
	assert.Zero(t, stats.Failed)

	written, err := os.ReadFile(filepath.Join(env.outDir, "ntdll.pdb", "0403020106050807090A0B0C0D0E0F103", "ntdll.pdb"))
	require.NoError(t, err)
	assert.Equal(t, []byte("pdb-bytes"), written)
}

func TestRun_SkipsFilesWithoutDebugInfo(t *testing.T) {
	env := newTestEnv(t,
		[]string{"ntdll.dll", "stripped.dll"},
		map[string]*pe.Identifier{"ntdll.dll": ntdllID},
		servePayload("x"))

	stats, err := env.fetcher.Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 1, stats.NoDebugInfo)
	assert.Equal(t, 1, stats.Downloaded)
}

func TestRun_DeduplicatesSharedIdentifiers(t *testing.T) {
	env := newTestEnv(t,
		[]string{"shell32.dll", "shell32.dll.mui"},
		map[string]*pe.Identifier{"shell32.dll": ntdllID, "shell32.dll.mui": ntdllID},
		servePayload("x"))

	stats, err := env.fetcher.Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 1, stats.Downloaded)
	assert.Equal(t, 1, stats.Deduplicated)
	assert.Equal(t, int32(1), env.requests.Load())
}

func TestRun_ExistingDestinationSuppressesRequest(t *testing.T) {
	env := newTestEnv(t,
		[]string{"ntdll.dll"},
		map[string]*pe.Identifier{"ntdll.dll": ntdllID},
		servePayload("x"))

	dest := filepath.Join(env.outDir, "ntdll.pdb", "0403020106050807090A0B0C0D0E0F103", "ntdll.pdb")
	require.NoError(t, os.MkdirAll(filepath.Dir(dest), 0o755))
	require.NoError(t, os.WriteFile(dest, []byte("already here"), 0o644))

	stats, err := env.fetcher.Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 1, stats.AlreadyPresent)
	assert.Zero(t, stats.Downloaded)
	assert.Zero(t, env.requests.Load(), "no network request for an existing destination")

	content, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, []byte("already here"), content)
}

func TestRun_NotFoundContinuesBatch(t *testing.T) {
	env := newTestEnv(t,
		[]string{"ntdll.dll", "kernel32.dll"},
		map[string]*pe.Identifier{"ntdll.dll": ntdllID, "kernel32.dll": krnlID},
		func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/ntdll.pdb/0403020106050807090A0B0C0D0E0F103/ntdll.pdb" {
				http.NotFound(w, r)
				return
			}
			fmt.Fprint(w, "ok")
		})

	stats, err := env.fetcher.Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 1, stats.NotFound)
	assert.Equal(t, 1, stats.Downloaded)
}

func TestRun_ServerFailureCountsAsFailed(t *testing.T) {
	env := newTestEnv(t,
		[]string{"ntdll.dll"},
		map[string]*pe.Identifier{"ntdll.dll": ntdllID},
		func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		})

	stats, err := env.fetcher.Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 1, stats.Failed)
	assert.Zero(t, stats.Downloaded)
}

func TestRun_UnreadableSystem32IsFatal(t *testing.T) {
	tree, err := winscan.New(t.TempDir(), nil, zap.NewNop()) // no System32 inside
	require.NoError(t, err)

	f, err := New(Options{
		Tree:   tree,
		Client: symsrv.NewClient(symsrv.Config{}, zap.NewNop()),
	})
	require.NoError(t, err)

	_, err = f.Run(context.Background())

	assert.Error(t, err)
}

func TestRun_RecordsOutcomesInManifest(t *testing.T) {
	env := newTestEnv(t,
		[]string{"ntdll.dll", "kernel32.dll"},
		map[string]*pe.Identifier{"ntdll.dll": ntdllID, "kernel32.dll": krnlID},
		func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/kernel32.pdb/AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA1/kernel32.pdb" {
				http.NotFound(w, r)
				return
			}
			fmt.Fprint(w, "ok")
		})

	man, err := manifest.Open(filepath.Join(t.TempDir(), "manifest.db"))
	require.NoError(t, err)
	defer man.Close()
	env.fetcher.man = man

	_, err = env.fetcher.Run(context.Background())
	require.NoError(t, err)

	entry, err := man.Lookup("ntdll.pdb", ntdllID.GUID, 3)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, manifest.StatusDownloaded, entry.Status)
	assert.Equal(t, int64(2), entry.SizeBytes)

	entry, err = man.Lookup("kernel32.pdb", krnlID.GUID, 1)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, manifest.StatusNotFound, entry.Status)
}

func TestRun_RerunSkipsIdentifiersMissingOnServer(t *testing.T) {
	man, err := manifest.Open(filepath.Join(t.TempDir(), "manifest.db"))
	require.NoError(t, err)
	defer man.Close()

	first := newTestEnv(t,
		[]string{"ntdll.dll"},
		map[string]*pe.Identifier{"ntdll.dll": ntdllID},
		func(w http.ResponseWriter, r *http.Request) { http.NotFound(w, r) })
	first.fetcher.man = man

	stats, err := first.fetcher.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.NotFound)
	require.Equal(t, int32(1), first.requests.Load())

	// Second run over the same tree, sharing only the manifest.
	rerun := newTestEnv(t,
		[]string{"ntdll.dll"},
		map[string]*pe.Identifier{"ntdll.dll": ntdllID},
		func(w http.ResponseWriter, r *http.Request) { http.NotFound(w, r) })
	rerun.fetcher.man = man

	stats, err = rerun.fetcher.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.NotFound)
	assert.Zero(t, rerun.requests.Load(), "no request for an identifier recorded as notfound")
}

func TestRun_RerunRefetchesDeletedSymbol(t *testing.T) {
	man, err := manifest.Open(filepath.Join(t.TempDir(), "manifest.db"))
	require.NoError(t, err)
	defer man.Close()

	first := newTestEnv(t,
		[]string{"ntdll.dll"},
		map[string]*pe.Identifier{"ntdll.dll": ntdllID},
		servePayload("pdb-bytes"))
	first.fetcher.man = man

	stats, err := first.fetcher.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, stats.Downloaded)

	// The rerun's output directory is empty, so the downloaded manifest
	// entry alone must not suppress the fetch.
	rerun := newTestEnv(t,
		[]string{"ntdll.dll"},
		map[string]*pe.Identifier{"ntdll.dll": ntdllID},
		servePayload("pdb-bytes"))
	rerun.fetcher.man = man

	stats, err = rerun.fetcher.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Downloaded)
	assert.Equal(t, int32(1), rerun.requests.Load())
}

func TestNew_RequiresTreeAndClient(t *testing.T) {
	_, err := New(Options{})

	assert.Error(t, err)
}
