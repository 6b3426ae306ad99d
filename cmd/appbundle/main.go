// Command appbundle inspects application bundles, extracts their contents
// and manages their desktop integration.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/spf13/pflag"

	"github.com/meigma/appbundle"
	"github.com/meigma/appbundle/logging"
)

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		var coder interface{ ExitCode() int }
		if errors.As(err, &coder) {
			os.Exit(coder.ExitCode())
		}
		os.Exit(1)
	}
}

// codeError carries the library's result code as the process exit status.
type codeError struct {
	err error
}

func (e codeError) Error() string { return e.err.Error() }
func (e codeError) Unwrap() error { return e.err }

// ExitCode returns the numeric result code of the wrapped error.
func (e codeError) ExitCode() int { return int(appbundle.CodeOf(e.err)) }

// usageError marks a command line that could not be parsed.
type usageError struct {
	msg string
}

func (e usageError) Error() string { return e.msg }
func (usageError) ExitCode() int   { return int(appbundle.CodeInvalidParameter) }

func usagef(format string, args ...any) error {
	return usageError{msg: fmt.Sprintf(format, args...)}
}

type command struct {
	summary string
	usage   string
	run     func(env *env, args []string) error
}

var commands = map[string]command{
	"info":        {"show format, size, payload offset and fingerprint", "<bundle>", runInfo},
	"ls":          {"list archive members", "[--long] [--glob pattern]... <bundle>", runList},
	"cat":         {"write an archive member to stdout", "<bundle> <path>", runCat},
	"extract":     {"extract one member or the whole tree", "[--glob pattern]... [--overwrite] [--no-preserve] <bundle> [<path> <dest> | <dest-dir>]", runExtract},
	"fingerprint": {"print the bundle fingerprint", "<bundle>", runFingerprint},
	"entry":       {"print the bundle's desktop entry", "<bundle>", runEntry},
	"status":      {"show the desktop integration state", "<bundle>", runStatus},
	"integrate":   {"install menu entry, icons and MIME packages", "[--no-thumbnails] [--vendor prefix] <bundle>", runIntegrate},
	"unintegrate": {"remove installed desktop metadata", "<bundle>", runUnintegrate},
}

// env is the state shared by all commands.
type env struct {
	stdout io.Writer
	stderr io.Writer

	dataHome  string
	cacheHome string
}

func run(args []string, stdout, stderr io.Writer) error {
	e := &env{stdout: stdout, stderr: stderr}

	var logLevel string
	flagSet := pflag.NewFlagSet("appbundle", pflag.ContinueOnError)
	flagSet.SetOutput(stderr)
	flagSet.SetInterspersed(false)
	flagSet.StringVar(&logLevel, "log-level", "warning", "log level: debug, info, warning, error")
	flagSet.StringVar(&e.dataHome, "data-home", "", "desktop data directory (default: $XDG_DATA_HOME)")
	flagSet.StringVar(&e.cacheHome, "cache-home", "", "thumbnail cache directory (default: $XDG_CACHE_HOME)")
	flagSet.BoolP("help", "h", false, "show help")

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			printHelp(stderr, flagSet)
			return nil
		}
		return usageError{msg: err.Error()}
	}
	if help, _ := flagSet.GetBool("help"); help {
		printHelp(stderr, flagSet)
		return nil
	}

	level, err := logging.ParseLevel(logLevel)
	if err != nil {
		return usagef("--log-level: %v", err)
	}
	if err := logging.SetLevel(level); err != nil {
		return usagef("--log-level: %v", err)
	}
	logging.SetCallback(func(l logging.Level, msg string) {
		fmt.Fprintf(stderr, "%s: %s\n", l, msg)
	})
	defer logging.Reset()

	rest := flagSet.Args()
	if len(rest) == 0 {
		printHelp(stderr, flagSet)
		return usagef("missing command")
	}
	cmd, ok := commands[rest[0]]
	if !ok {
		return usagef("unknown command %q", rest[0])
	}
	if err := cmd.run(e, rest[1:]); err != nil {
		var ue usageError
		if errors.As(err, &ue) {
			return usagef("%s: %s\nusage: appbundle %s %s", rest[0], ue.msg, rest[0], cmd.usage)
		}
		return codeError{err: err}
	}
	return nil
}

func printHelp(w io.Writer, flagSet *pflag.FlagSet) {
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		fmt.Fprintf(&b, "  %-12s %s\n", name, commands[name].summary)
	}
	fmt.Fprintf(w, `Inspect, extract and integrate application bundles.

Usage:
  appbundle [flags] <command> [command flags] <bundle> ...

Commands:
%s
Flags:
%s
The exit status is the numeric result code of the failure, 0 on success.
`, b.String(), flagSet.FlagUsages())
}
