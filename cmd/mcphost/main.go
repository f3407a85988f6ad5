// Mcphost supervises a fleet of MCP tool servers and exposes their
// tools and resources to LLM front-ends.
//
// Servers are launched as subprocesses (stdio) or reached over SSE or
// WebSocket. "mcphost serve" keeps them running behind a Unix control
// socket; the other commands talk to that daemon when it is up and
// otherwise start the servers in-process for the duration of the
// command. Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	mcphost serve                      Run the host daemon
//	mcphost init [dir]                 Write an example config
//	mcphost tools                      List aggregated tools and resources
//	mcphost declarations               Print LLM function declarations
//	mcphost prompt                     Print the tool-describing system prompt
//	mcphost call <server/tool> [json]  Execute a tool
//	mcphost resource <server/name> [json]
//	mcphost dispatch [file|-]          Run the function calls in an LLM response
//	mcphost status                     Show per-server status
//	mcphost history [n]                Show recent calls from the call log
//	mcphost stats [duration]           Summarize calls from the call log
//	mcphost approvals [approve|revoke <tool>]
//	mcphost version                    Print version and build information
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/nugget/mcphost/internal/buildinfo"
	"github.com/nugget/mcphost/internal/config"
)

// main constructs the OS-level environment and delegates to [run], so
// the whole command can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdin, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// options holds the parsed global flags.
type options struct {
	configPath string
	outputFmt  string // "text" (default) or "json"
	socket     string // overrides daemon.socket
	local      bool   // never use the daemon
	yes        bool   // dispatch without confirmation prompts
}

// run is the real entry point. Logs go to stdout for serve and to
// stderr for every other command, so command output stays parseable.
//
// Arguments are parsed by hand: the flag package's globals make
// concurrent calls from tests impossible.
func run(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args []string) error {
	var opts options
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			opts.configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			opts.configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			opts.outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			opts.outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			opts.outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-socket" && i+1 < len(args):
			opts.socket = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-socket="):
			opts.socket = strings.TrimPrefix(args[i], "-socket=")
		case args[i] == "-local":
			opts.local = true
		case args[i] == "-y" || args[i] == "-yes":
			opts.yes = true
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case args[i] == "-" && command != "":
			cmdArgs = append(cmdArgs, args[i])
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if opts.outputFmt == "" {
		opts.outputFmt = "text"
	}
	if opts.outputFmt != "text" && opts.outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", opts.outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, opts)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "tools", "declarations", "prompt":
		return runCapabilities(ctx, stdout, stderr, opts, command)
	case "call":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: mcphost call <server/tool> [json-args]")
		}
		return runCall(ctx, stdout, stderr, opts, cmdArgs)
	case "resource":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: mcphost resource <server/name> [json-params]")
		}
		return runResource(ctx, stdout, stderr, opts, cmdArgs)
	case "dispatch":
		return runDispatch(ctx, stdin, stdout, stderr, opts, cmdArgs)
	case "status":
		return runStatus(ctx, stdout, stderr, opts)
	case "history":
		return runHistory(ctx, stdout, opts, cmdArgs)
	case "stats":
		return runStats(ctx, stdout, opts, cmdArgs)
	case "approvals":
		return runApprovals(ctx, stdout, opts, cmdArgs)
	case "version":
		return runVersion(stdout, opts.outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		return writeJSON(w, info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "mcphost - MCP tool server host")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: mcphost [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve                         Run the host daemon on the control socket")
	fmt.Fprintln(w, "  init [dir]                    Write an example config (default: .)")
	fmt.Fprintln(w, "  tools                         List aggregated tools and resources")
	fmt.Fprintln(w, "  declarations                  Print LLM function declarations (JSON)")
	fmt.Fprintln(w, "  prompt                        Print a system prompt describing the tools")
	fmt.Fprintln(w, "  call <server/tool> [json]     Execute a tool")
	fmt.Fprintln(w, "  resource <server/name> [json] Read a resource")
	fmt.Fprintln(w, "  dispatch [file|-]             Execute the function calls in an LLM response")
	fmt.Fprintln(w, "  status                        Show per-server status")
	fmt.Fprintln(w, "  history [n]                   Show recent calls (needs state.path)")
	fmt.Fprintln(w, "  stats [duration]              Summarize calls (default: 24h)")
	fmt.Fprintln(w, "  approvals [approve|revoke <tool>]  List or change runtime approvals")
	fmt.Fprintln(w, "  version                       Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w, "  -socket <path>    Control socket (default: daemon.socket)")
	fmt.Fprintln(w, "  -local            Start servers in-process even if a daemon is running")
	fmt.Fprintln(w, "  -y, -yes          dispatch: run every call without asking")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./mcphost.yaml, ~/.config/mcphost/config.yaml, /etc/mcphost/config.yaml")
	return nil
}

// loadConfig locates, parses and validates the configuration. When no
// file exists and none was named, the defaults are used so commands
// like "status" still work against a running daemon.
func loadConfig(explicit string) (*config.Config, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		if explicit != "" {
			return nil, err
		}
		return config.Default(), nil
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", cfgPath, err)
	}
	return cfg, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
