package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/pflag"

	"github.com/meigma/appbundle"
	"github.com/meigma/appbundle/desktop"
)

// parse parses a command's flags and checks the positional argument count.
func parse(flagSet *pflag.FlagSet, args []string, minArgs, maxArgs int) ([]string, error) {
	flagSet.SetOutput(io.Discard)
	if err := flagSet.Parse(args); err != nil {
		return nil, usageError{msg: err.Error()}
	}
	rest := flagSet.Args()
	if len(rest) < minArgs {
		return nil, usagef("missing arguments")
	}
	if len(rest) > maxArgs {
		return nil, usagef("unexpected argument %q", rest[maxArgs])
	}
	return rest, nil
}

func noFlags(name string, args []string, n int) ([]string, error) {
	return parse(pflag.NewFlagSet(name, pflag.ContinueOnError), args, n, n)
}

func (e *env) manager(opts ...desktop.Option) (*desktop.Manager, error) {
	if e.dataHome != "" {
		opts = append(opts, desktop.WithDataHome(e.dataHome))
	}
	if e.cacheHome != "" {
		opts = append(opts, desktop.WithCacheHome(e.cacheHome))
	}
	return desktop.New(opts...)
}

func runInfo(e *env, args []string) error {
	rest, err := noFlags("info", args, 1)
	if err != nil {
		return err
	}
	b, err := appbundle.Open(rest[0])
	if err != nil {
		return err
	}
	defer b.Close()

	fp, err := b.Fingerprint()
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(e.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "path:\t%s\n", b.Path())
	fmt.Fprintf(tw, "format:\t%s\n", b.Format())
	fmt.Fprintf(tw, "type hint:\t%d\n", b.TypeHint())
	fmt.Fprintf(tw, "size:\t%s (%d bytes)\n", humanize.IBytes(uint64(b.Size())), b.Size())
	fmt.Fprintf(tw, "payload offset:\t%d\n", b.PayloadOffset())
	fmt.Fprintf(tw, "fingerprint:\t%s\n", fp)
	if b.Format() != appbundle.FormatUnknown {
		if entry, err := desktop.ReadEntry(b); err == nil {
			fmt.Fprintf(tw, "name:\t%s\n", entry.Value("Name"))
			term, _ := entry.Bool("Terminal")
			fmt.Fprintf(tw, "terminal:\t%t\n", term)
		}
	}
	return tw.Flush()
}

func runList(e *env, args []string) error {
	var (
		long  bool
		globs []string
	)
	flagSet := pflag.NewFlagSet("ls", pflag.ContinueOnError)
	flagSet.BoolVarP(&long, "long", "l", false, "show mode, size and link targets")
	flagSet.StringArrayVar(&globs, "glob", nil, "only list members matching this pattern")
	rest, err := parse(flagSet, args, 1, 1)
	if err != nil {
		return err
	}
	var pred appbundle.Predicate = appbundle.MatchAll
	if len(globs) > 0 {
		if pred, err = appbundle.MatchGlob(globs...); err != nil {
			return err
		}
	}

	b, err := appbundle.Open(rest[0])
	if err != nil {
		return err
	}
	defer b.Close()

	tw := tabwriter.NewWriter(e.stdout, 0, 4, 1, ' ', tabwriter.AlignRight)
	err = b.Walk(func(m appbundle.Entry) error {
		if !pred(m) {
			return nil
		}
		if !long {
			_, err := fmt.Fprintln(e.stdout, m.Path)
			return err
		}
		name := m.Path
		if m.Kind == appbundle.KindSymlink {
			name += " -> " + m.Target
		}
		_, err := fmt.Fprintf(tw, "%s\t%s\t%s\t %s\n", m.Mode, humanize.IBytes(uint64(m.Size)),
			m.ModTime.UTC().Format("2006-01-02 15:04"), name)
		return err
	})
	if err != nil {
		return err
	}
	return tw.Flush()
}

func runCat(e *env, args []string) error {
	rest, err := noFlags("cat", args, 2)
	if err != nil {
		return err
	}
	b, err := appbundle.Open(rest[0])
	if err != nil {
		return err
	}
	defer b.Close()

	rc, err := b.Open(rest[1])
	if err != nil {
		return err
	}
	defer rc.Close()
	_, err = io.Copy(e.stdout, rc)
	return err
}

func runExtract(e *env, args []string) error {
	var (
		globs      []string
		overwrite  bool
		noPreserve bool
		verbose    bool
	)
	flagSet := pflag.NewFlagSet("extract", pflag.ContinueOnError)
	flagSet.StringArrayVar(&globs, "glob", nil, "only extract members matching this pattern (tree mode)")
	flagSet.BoolVar(&overwrite, "overwrite", false, "replace existing files (tree mode; single files are always replaced)")
	flagSet.BoolVar(&noPreserve, "no-preserve", false, "do not copy permission bits and modification times")
	flagSet.BoolVarP(&verbose, "verbose", "v", false, "print each extracted member")
	rest, err := parse(flagSet, args, 2, 3)
	if err != nil {
		return err
	}

	b, err := appbundle.Open(rest[0])
	if err != nil {
		return err
	}
	defer b.Close()

	opts := []appbundle.ExtractOption{
		appbundle.ExtractWithPreserveMode(!noPreserve),
		appbundle.ExtractWithPreserveTimes(!noPreserve),
	}

	if len(rest) == 3 {
		if len(globs) > 0 {
			return usagef("--glob applies to tree extraction only")
		}
		if err := b.ExtractFile(rest[1], rest[2], opts...); err != nil {
			return err
		}
		if verbose {
			fmt.Fprintln(e.stdout, rest[1])
		}
		return nil
	}

	var pred appbundle.Predicate = appbundle.MatchAll
	if len(globs) > 0 {
		if pred, err = appbundle.MatchGlob(globs...); err != nil {
			return err
		}
	}
	opts = append(opts, appbundle.ExtractWithOverwrite(overwrite))
	if verbose {
		opts = append(opts, appbundle.ExtractWithProgress(func(p appbundle.ExtractProgress) {
			if !p.Skipped {
				fmt.Fprintln(e.stdout, p.Path)
			}
		}))
	}
	stats, err := b.ExtractTree(rest[1], pred, opts...)
	for _, d := range stats.Dangling {
		fmt.Fprintf(e.stderr, "skipped %s -> %s: target outside the destination\n", d.Path, d.Target)
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(e.stderr, "%d files, %d directories, %d symlinks, %d skipped, %s\n",
		stats.Files, stats.Dirs, stats.Symlinks, stats.Skipped, humanize.IBytes(uint64(stats.Bytes)))
	return nil
}

func runFingerprint(e *env, args []string) error {
	rest, err := noFlags("fingerprint", args, 1)
	if err != nil {
		return err
	}
	sum, err := appbundle.FingerprintFile(rest[0])
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(e.stdout, "%s  %s\n", sum, rest[0])
	return err
}

func runEntry(e *env, args []string) error {
	rest, err := noFlags("entry", args, 1)
	if err != nil {
		return err
	}
	b, err := appbundle.Open(rest[0])
	if err != nil {
		return err
	}
	defer b.Close()

	entry, err := desktop.ReadEntry(b)
	if err != nil {
		return err
	}
	_, err = e.stdout.Write(entry.Bytes())
	return err
}

func runStatus(e *env, args []string) error {
	rest, err := noFlags("status", args, 1)
	if err != nil {
		return err
	}
	m, err := e.manager()
	if err != nil {
		return err
	}
	b, err := appbundle.Open(rest[0])
	if err != nil {
		return err
	}
	defer b.Close()

	state, err := m.Status(b)
	if err != nil {
		return err
	}
	fmt.Fprintf(e.stdout, "%s: %s\n", b.Path(), state)
	if state == desktop.NotIntegrated {
		return nil
	}
	man, err := m.Manifest(b.Path())
	if err != nil || man == nil {
		return err
	}
	fmt.Fprintf(e.stdout, "installed %s\n", humanize.Time(man.InstalledAt))
	for _, r := range man.Resources {
		fmt.Fprintf(e.stdout, "  %-13s %s\n", r.Kind, r.Path)
	}
	for _, r := range man.Obsolete {
		fmt.Fprintf(e.stdout, "  %-13s %s (obsolete)\n", r.Kind, r.Path)
	}
	return nil
}

func runIntegrate(e *env, args []string) error {
	var (
		noThumbs bool
		vendor   string
	)
	flagSet := pflag.NewFlagSet("integrate", pflag.ContinueOnError)
	flagSet.BoolVar(&noThumbs, "no-thumbnails", false, "do not render thumbnails")
	flagSet.StringVar(&vendor, "vendor", desktop.DefaultVendorPrefix, "prefix of installed file names")
	rest, err := parse(flagSet, args, 1, 1)
	if err != nil {
		return err
	}
	m, err := e.manager(desktop.WithThumbnails(!noThumbs), desktop.WithVendorPrefix(vendor))
	if err != nil {
		return err
	}
	b, err := appbundle.Open(rest[0])
	if err != nil {
		return err
	}
	defer b.Close()

	if err := m.Integrate(b); err != nil {
		return err
	}
	fmt.Fprintf(e.stdout, "integrated %s\n", b.Path())
	return nil
}

func runUnintegrate(e *env, args []string) error {
	rest, err := noFlags("unintegrate", args, 1)
	if err != nil {
		return err
	}
	m, err := e.manager()
	if err != nil {
		return err
	}
	// A deleted bundle is still unintegrated by path.
	b, err := appbundle.Open(rest[0])
	if errors.Is(err, fs.ErrNotExist) {
		return m.UnintegratePath(rest[0])
	}
	if err != nil {
		return err
	}
	defer b.Close()
	return m.Unintegrate(b)
}
