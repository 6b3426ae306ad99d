// Command profiler runs bundle read paths in a loop under the Go profilers.
//
// By default it synthesizes a SquashFS bundle with a configurable tree; pass
// --bundle to profile a real file instead.
package main

import (
	"errors"
	"fmt"
	"io"
	"log"
	"math/rand" //nolint:gosec // intentional use for reproducible benchmarks
	"net/http"
	_ "net/http/pprof" //nolint:gosec // intentional profiling endpoint
	"os"
	"path/filepath"
	"runtime"
	"runtime/pprof"
	"runtime/trace"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/felixge/fgprof"
	"github.com/spf13/pflag"

	"github.com/meigma/appbundle"
	"github.com/meigma/appbundle/internal/testutil"
)

type config struct {
	mode        string
	bundle      string
	files       int
	fileSize    uint64
	dirCount    int
	compression string
	blockSize   uint64
	pattern     string
	cacheSize   int
	fgProfile   string
	duration    time.Duration
	iterations  int
	pprofAddr   string
	cpuProfile  string
	memProfile  string
	traceFile   string
	readRandom  bool
	tempDir     string
	keepTemp    bool
	randomSeed  int64
}

//nolint:unused // sink variables prevent compiler optimizations in profiling
var (
	sinkBytes []byte
	sinkEntry appbundle.Entry
	sinkCount int
	sinkSum   string
)

var compressions = map[string]uint16{
	"gzip": testutil.SquashGzip,
	"lzma": testutil.SquashLZMA,
	"xz":   testutil.SquashXZ,
	"lz4":  testutil.SquashLZ4,
	"zstd": testutil.SquashZstd,
}

//nolint:gocognit,gocyclo // main function complexity is acceptable for CLI tool
func main() {
	cfg, err := parseFlags(os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		log.Fatal(err)
	}

	if cfg.pprofAddr != "" {
		go func() {
			log.Printf("pprof listening on %s", cfg.pprofAddr)
			//nolint:gosec // intentional pprof server without timeouts for profiling
			if err := http.ListenAndServe(cfg.pprofAddr, nil); err != nil {
				log.Printf("pprof server error: %v", err)
			}
		}()
	}

	dir, cleanup, err := setupTempDir(cfg)
	if err != nil {
		log.Fatal(err)
	}
	if cleanup != nil {
		defer cleanup() //nolint:errcheck // cleanup errors are non-fatal in profiler
	}

	path := cfg.bundle
	if path == "" {
		path, err = buildBundle(dir, cfg)
		if err != nil {
			log.Fatal(err) //nolint:gocritic // exitAfterDefer is intentional - cleanup is best-effort
		}
	}

	b, err := appbundle.Open(path, appbundle.WithCacheSize(cfg.cacheSize))
	if err != nil {
		log.Fatal(err)
	}
	defer b.Close()

	paths, err := regularFiles(b)
	if err != nil {
		log.Fatal(err)
	}

	var stopFG func() error
	if cfg.fgProfile != "" {
		fgFile, fgErr := os.Create(cfg.fgProfile)
		if fgErr != nil {
			log.Fatal(fgErr)
		}
		stopFG = fgprof.Start(fgFile, fgprof.FormatPprof)
		defer func() {
			if err := stopFG(); err != nil {
				log.Printf("fgprof stop error: %v", err)
			}
			_ = fgFile.Close()
		}()
	}

	if cfg.cpuProfile != "" {
		cpuFile, cpuErr := os.Create(cfg.cpuProfile)
		if cpuErr != nil {
			log.Fatal(cpuErr)
		}
		if cpuErr = pprof.StartCPUProfile(cpuFile); cpuErr != nil {
			log.Fatal(cpuErr)
		}
		defer func() {
			pprof.StopCPUProfile()
			_ = cpuFile.Close()
		}()
	}

	if cfg.traceFile != "" {
		traceFile, traceErr := os.Create(cfg.traceFile)
		if traceErr != nil {
			log.Fatal(traceErr)
		}
		if traceErr = trace.Start(traceFile); traceErr != nil {
			log.Fatal(traceErr)
		}
		defer func() {
			trace.Stop()
			_ = traceFile.Close()
		}()
	}

	stats, err := runProfile(cfg, b, paths, dir)
	if err != nil {
		log.Fatal(err)
	}

	if cfg.memProfile != "" {
		runtime.GC()
		f, err := os.Create(cfg.memProfile)
		if err != nil {
			log.Fatal(err)
		}
		if err := pprof.WriteHeapProfile(f); err != nil {
			log.Fatal(err)
		}
		_ = f.Close()
	}

	fmt.Printf("mode=%s format=%s ops=%d bytes=%s elapsed=%s throughput=%s/s\n",
		cfg.mode,
		b.Format(),
		stats.ops,
		humanize.IBytes(uint64(stats.bytes)),
		stats.elapsed,
		humanize.IBytes(uint64(float64(stats.bytes)/stats.elapsed.Seconds())),
	)
}

type profileStats struct {
	ops     int
	bytes   int64
	elapsed time.Duration
}

//nolint:gocognit,gocyclo,gocritic // complexity is inherent to multi-mode profiler dispatch; hugeParam acceptable for profiler
func runProfile(cfg config, b *appbundle.Bundle, paths []string, rootDir string) (profileStats, error) {
	start := time.Now()
	ops := 0
	var byteCount int64

	shouldContinue := func() bool {
		if cfg.iterations > 0 {
			return ops < cfg.iterations
		}
		return time.Since(start) < cfg.duration
	}

	switch cfg.mode {
	case "readfile":
		if len(paths) == 0 {
			return profileStats{}, errors.New("bundle has no regular files")
		}
		rng := rand.New(rand.NewSource(cfg.randomSeed)) //nolint:gosec // intentional for reproducible benchmarks
		for shouldContinue() {
			path := pickPath(paths, ops, rng, cfg.readRandom)
			content, err := b.ReadFile(path)
			if err != nil {
				return profileStats{}, err
			}
			sinkBytes = content
			byteCount += int64(len(content))
			ops++
		}

	case "stream":
		if len(paths) == 0 {
			return profileStats{}, errors.New("bundle has no regular files")
		}
		rng := rand.New(rand.NewSource(cfg.randomSeed)) //nolint:gosec // intentional for reproducible benchmarks
		for shouldContinue() {
			path := pickPath(paths, ops, rng, cfg.readRandom)
			rc, err := b.Open(path)
			if err != nil {
				return profileStats{}, err
			}
			n, err := io.Copy(io.Discard, rc)
			_ = rc.Close()
			if err != nil {
				return profileStats{}, err
			}
			byteCount += n
			ops++
		}

	case "stat":
		if len(paths) == 0 {
			return profileStats{}, errors.New("bundle has no regular files")
		}
		rng := rand.New(rand.NewSource(cfg.randomSeed)) //nolint:gosec // intentional for reproducible benchmarks
		for shouldContinue() {
			path := pickPath(paths, ops, rng, cfg.readRandom)
			e, err := b.Stat(path)
			if err != nil {
				return profileStats{}, err
			}
			sinkEntry = e
			ops++
		}

	case "walk":
		for shouldContinue() {
			count := 0
			err := b.Walk(func(e appbundle.Entry) error {
				sinkEntry = e
				count++
				return nil
			})
			if err != nil {
				return profileStats{}, err
			}
			sinkCount = count
			ops++
		}

	case "open":
		for shouldContinue() {
			nb, err := appbundle.Open(b.Path(), appbundle.WithCacheSize(cfg.cacheSize))
			if err != nil {
				return profileStats{}, err
			}
			if err := nb.Close(); err != nil {
				return profileStats{}, err
			}
			ops++
		}

	case "fingerprint":
		// Bundle caches its fingerprint, so hash the file directly.
		for shouldContinue() {
			sum, err := appbundle.FingerprintFile(b.Path())
			if err != nil {
				return profileStats{}, err
			}
			sinkSum = sum
			byteCount += b.Size()
			ops++
		}

	case "extract-tree":
		for shouldContinue() {
			destDir := filepath.Join(rootDir, "extract", fmt.Sprintf("iter-%d", ops))
			stats, err := b.ExtractTree(destDir, appbundle.MatchAll)
			if err != nil {
				return profileStats{}, err
			}
			if err := os.RemoveAll(destDir); err != nil {
				return profileStats{}, err
			}
			byteCount += stats.Bytes
			ops++
		}

	default:
		return profileStats{}, fmt.Errorf("unknown mode: %s", cfg.mode)
	}

	return profileStats{
		ops:     ops,
		bytes:   byteCount,
		elapsed: time.Since(start),
	}, nil
}

func parseFlags(args []string) (config, error) {
	var cfg config
	var fileSize, blockSize string
	flags := pflag.NewFlagSet("profiler", pflag.ContinueOnError)
	flags.StringVar(&cfg.mode, "mode", "readfile", "mode: readfile, stream, stat, walk, open, fingerprint, extract-tree")
	flags.StringVar(&cfg.bundle, "bundle", "", "profile this bundle instead of a generated one")
	flags.IntVar(&cfg.files, "files", 512, "number of files")
	flags.StringVar(&fileSize, "file-size", "16KiB", "file size")
	flags.IntVar(&cfg.dirCount, "dir-count", 16, "number of directories")
	flags.StringVar(&cfg.compression, "compression", "zstd", "compression: none, gzip, lzma, xz, lz4, zstd")
	flags.StringVar(&blockSize, "block-size", "128KiB", "SquashFS block size (power of two)")
	flags.StringVar(&cfg.pattern, "pattern", "compressible", "pattern: compressible or random")
	flags.IntVar(&cfg.cacheSize, "cache-size", 0, "metadata/fragment block cache entries (0 for the default)")
	flags.StringVar(&cfg.fgProfile, "fgprofile", "", "write fgprof (wall clock) profile to file")
	flags.DurationVar(&cfg.duration, "duration", 10*time.Second, "duration to run (ignored if iterations > 0)")
	flags.IntVar(&cfg.iterations, "iterations", 0, "number of iterations to run")
	flags.StringVar(&cfg.pprofAddr, "pprof-addr", "", "pprof listen address (e.g. :6060)")
	flags.StringVar(&cfg.cpuProfile, "cpuprofile", "", "write CPU profile to file")
	flags.StringVar(&cfg.memProfile, "memprofile", "", "write heap profile to file")
	flags.StringVar(&cfg.traceFile, "trace", "", "write trace to file")
	flags.BoolVar(&cfg.readRandom, "read-random", true, "randomize path selection")
	flags.StringVar(&cfg.tempDir, "temp-dir", "", "directory to use for the generated bundle")
	flags.BoolVar(&cfg.keepTemp, "keep-temp", false, "keep temp dir after run")
	flags.Int64Var(&cfg.randomSeed, "seed", 1, "random seed")
	if err := flags.Parse(args); err != nil {
		return cfg, err
	}

	var err error
	if cfg.fileSize, err = humanize.ParseBytes(fileSize); err != nil {
		return cfg, fmt.Errorf("file-size: %w", err)
	}
	if cfg.blockSize, err = humanize.ParseBytes(blockSize); err != nil {
		return cfg, fmt.Errorf("block-size: %w", err)
	}
	if cfg.blockSize < 4096 || cfg.blockSize > 1<<20 || cfg.blockSize&(cfg.blockSize-1) != 0 {
		return cfg, fmt.Errorf("block-size: %s is not a power of two between 4KiB and 1MiB", blockSize)
	}
	if _, ok := compressions[cfg.compression]; !ok && cfg.compression != "none" {
		return cfg, fmt.Errorf("unknown compression: %s", cfg.compression)
	}
	return cfg, nil
}

func pickPath(paths []string, idx int, rng *rand.Rand, random bool) string {
	if random {
		return paths[rng.Intn(len(paths))]
	}
	return paths[idx%len(paths)]
}

//nolint:gocritic // hugeParam acceptable for config struct in CLI tool
func setupTempDir(cfg config) (string, func() error, error) {
	if cfg.tempDir != "" {
		return cfg.tempDir, nil, os.MkdirAll(cfg.tempDir, 0o755) //nolint:gosec // 0o755 is intentional for profiler temp dirs
	}
	dir, err := os.MkdirTemp("", "appbundle-profiler-*")
	if err != nil {
		return "", nil, err
	}
	cleanup := func() error {
		if cfg.keepTemp {
			return nil
		}
		return os.RemoveAll(dir)
	}
	return dir, cleanup, nil
}

// makeEntries returns a tree of cfg.files files spread over cfg.dirCount
// directories.
//
//nolint:gocritic // hugeParam acceptable for config struct in CLI tool
func makeEntries(cfg config) ([]testutil.Entry, error) {
	dirCount := cfg.dirCount
	if dirCount <= 0 {
		dirCount = 1
	}
	entries := make([]testutil.Entry, 0, cfg.files)
	rng := rand.New(rand.NewSource(cfg.randomSeed)) //nolint:gosec // intentional use for reproducible benchmarks
	for i := range cfg.files {
		relPath := fmt.Sprintf("usr/share/dir%02d/file%05d.dat", i%dirCount, i)
		content := make([]byte, cfg.fileSize)
		switch cfg.pattern {
		case "random":
			if _, err := rng.Read(content); err != nil {
				return nil, err
			}
		default:
			fillByte := byte('a' + (i % 26))
			for j := range content {
				content[j] = fillByte
			}
			if len(content) > 0 {
				content[0] = byte(i)
			}
		}
		entries = append(entries, testutil.Blob(relPath, content))
	}
	return entries, nil
}

// buildBundle writes a modern bundle of generated files into dir.
//
//nolint:gocritic // hugeParam acceptable for config struct in CLI tool
func buildBundle(dir string, cfg config) (string, error) {
	entries, err := makeEntries(cfg)
	if err != nil {
		return "", err
	}
	opts := testutil.SquashFSOptions{
		Compression: compressions[cfg.compression],
		Stored:      cfg.compression == "none",
		BlockSize:   uint32(cfg.blockSize), //nolint:gosec // bounded by parseFlags
	}
	if opts.Stored {
		opts.Compression = testutil.SquashGzip
	}
	img, err := testutil.SquashFSImage(entries, opts)
	if err != nil {
		return "", err
	}
	stub := testutil.BuildELF(testutil.ELFOptions{Is64: true, Hint: 2})
	path := filepath.Join(dir, "profile.AppImage")
	if err := os.WriteFile(path, testutil.Concat(stub, img), 0o755); err != nil { //nolint:gosec // bundles are executable
		return "", err
	}
	log.Printf("generated %s: %d files, %s", path, cfg.files,
		humanize.IBytes(uint64(len(stub)+len(img))))
	return path, nil
}

func regularFiles(b *appbundle.Bundle) ([]string, error) {
	var paths []string
	err := b.Walk(func(e appbundle.Entry) error {
		if e.Kind == appbundle.KindFile {
			paths = append(paths, e.Path)
		}
		return nil
	})
	return paths, err
}
