// Hollowfire is a local HTTP front-end for LLM backends.
//
// It serves named conversations on a loopback address, each seeded
// from a startout template, and relays completions to Ollama or an
// OpenAI-compatible backend. Configuration is loaded from a single
// YAML file discovered automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	hollowfire serve              Start the API server
//	hollowfire init [dir]         Initialize a working directory with defaults
//	hollowfire ask <question>     Ask the default conversation a single question
//	hollowfire version            Print version and build information
//	hollowfire -o json version    Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/FateUnix29/Hollowfire-1/internal/buildinfo"
	"github.com/FateUnix29/Hollowfire-1/internal/config"
)

// main constructs the OS-level environment (context, stdio, argv) and
// delegates to [run], keeping os.Exit and os.Args out of the
// application logic so the lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// flags holds the parsed global command-line flags.
type flags struct {
	configPath string
	outputFmt  string // "text" (default) or "json"
	verbosity  int    // count of -v
	provider   string // overrides providers.default
	startout   string // overrides startouts.default
	keyEnv     string // name of the env var holding the backend API key
}

// run is the real entry point for the hollowfire command. ctx controls
// the lifetime of the process, stdout and stderr receive all output,
// and args is os.Args[1:].
//
// Arguments are parsed by hand. The flag package relies on
// package-level globals, which keeps run from being called
// concurrently from tests, and it cannot count repeated -v flags the
// way -vvv is written.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var f flags
	var command string
	var cmdArgs []string

	// value returns the argument following a flag, or an error naming it.
	value := func(i int) (string, error) {
		if i+1 >= len(args) {
			return "", fmt.Errorf("flag %s needs a value", args[i])
		}
		return args[i+1], nil
	}

	for i := 0; i < len(args); i++ {
		arg := args[i]
		if command != "" {
			cmdArgs = append(cmdArgs, arg)
			continue
		}
		switch {
		case arg == "-config" || arg == "--config":
			v, err := value(i)
			if err != nil {
				return err
			}
			f.configPath = v
			i++
		case strings.HasPrefix(arg, "-config="):
			f.configPath = strings.TrimPrefix(arg, "-config=")
		case arg == "-o" || arg == "--output":
			v, err := value(i)
			if err != nil {
				return err
			}
			f.outputFmt = v
			i++
		case strings.HasPrefix(arg, "-o="):
			f.outputFmt = strings.TrimPrefix(arg, "-o=")
		case strings.HasPrefix(arg, "--output="):
			f.outputFmt = strings.TrimPrefix(arg, "--output=")
		case arg == "--verbose":
			f.verbosity++
		case isVerbosity(arg):
			f.verbosity += len(arg) - 1
		case arg == "-p" || arg == "-S" || arg == "--provider" || arg == "--service":
			v, err := value(i)
			if err != nil {
				return err
			}
			f.provider = v
			i++
		case strings.HasPrefix(arg, "--provider="):
			f.provider = strings.TrimPrefix(arg, "--provider=")
		case arg == "-s" || arg == "--startout":
			v, err := value(i)
			if err != nil {
				return err
			}
			f.startout = v
			i++
		case strings.HasPrefix(arg, "--startout="):
			f.startout = strings.TrimPrefix(arg, "--startout=")
		case arg == "-k" || arg == "--key":
			v, err := value(i)
			if err != nil {
				return err
			}
			f.keyEnv = v
			i++
		case strings.HasPrefix(arg, "--key="):
			f.keyEnv = strings.TrimPrefix(arg, "--key=")
		case arg == "-h" || arg == "-help" || arg == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(arg, "-"):
			command = arg
		default:
			return fmt.Errorf("unknown flag: %s", arg)
		}
	}

	if f.outputFmt == "" {
		f.outputFmt = "text"
	}
	if f.outputFmt != "text" && f.outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", f.outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, stderr, f)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "ask":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: hollowfire ask <question>")
		}
		return runAsk(ctx, stdout, stderr, f, strings.Join(cmdArgs, " "))
	case "version":
		return runVersion(stdout, f.outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// isVerbosity reports whether arg is -v, -vv, -vvv and so on.
func isVerbosity(arg string) bool {
	if len(arg) < 2 || arg[0] != '-' {
		return false
	}
	return strings.Trim(arg[1:], "v") == ""
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	// Print fields in a stable order for human readability.
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Hollowfire - local HTTP front-end for LLM backends")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: hollowfire [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve          Start the API server")
	fmt.Fprintln(w, "  init [dir]     Initialize working directory with defaults (default: .)")
	fmt.Fprintln(w, "  ask <question> Ask the default conversation a single question")
	fmt.Fprintln(w, "  version        Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>          Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt        Output format: text (default) or json")
	fmt.Fprintln(w, "  -v, -vv, -vvv          Console verbosity: info, debug, trace (default: config log_level)")
	fmt.Fprintln(w, "  -p, --provider name     Default backend: ollama, openai or groq")
	fmt.Fprintln(w, "  -s, --startout name     Default startout template")
	fmt.Fprintln(w, "  -k, --key VAR           Read the backend API key from environment variable VAR")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	for _, p := range config.DefaultSearchPaths() {
		fmt.Fprintf(w, "  %s\n", p)
	}
	return nil
}
