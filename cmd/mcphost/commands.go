package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/nugget/mcphost/internal/funcall"
	"github.com/nugget/mcphost/internal/mcp"
)

// withClient connects, runs fn, and shuts an in-process host down
// again.
func withClient(ctx context.Context, stderr io.Writer, opts options, fn func(hostClient) error) error {
	client, err := connect(ctx, stderr, opts)
	if err != nil {
		return err
	}
	err = fn(client)

	closeCtx, cancel := context.WithTimeout(context.Background(), mcp.DefaultShutdownTimeout)
	defer cancel()
	if cerr := client.Close(closeCtx); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// runCapabilities handles "tools", "declarations" and "prompt".
func runCapabilities(ctx context.Context, stdout, stderr io.Writer, opts options, mode string) error {
	return withClient(ctx, stderr, opts, func(c hostClient) error {
		caps, err := c.GetAllCapabilities(ctx)
		if err != nil {
			return err
		}

		switch mode {
		case "declarations":
			return writeJSON(stdout, funcall.Declarations(caps, funcall.DeclarationOptions{
				EncodeNames: true,
				Sanitize:    true,
			}))
		case "prompt":
			fmt.Fprint(stdout, funcall.BuildSystemPrompt(caps, true))
			return nil
		}

		if opts.outputFmt == "json" {
			return writeJSON(stdout, caps)
		}
		tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintf(tw, "TOOL\tDESCRIPTION\n")
		for _, t := range caps.Tools {
			fmt.Fprintf(tw, "%s\t%s\n", t.Name, firstLine(t.Description))
		}
		if len(caps.Resources) > 0 {
			fmt.Fprintf(tw, "\nRESOURCE\tDESCRIPTION\n")
			for _, r := range caps.Resources {
				fmt.Fprintf(tw, "%s\t%s\n", r.Name, firstLine(r.Description))
			}
		}
		return tw.Flush()
	})
}

// runCall handles "call <server/tool> [json-args]".
func runCall(ctx context.Context, stdout, stderr io.Writer, opts options, args []string) error {
	raw, err := jsonArg(args)
	if err != nil {
		return err
	}
	return withClient(ctx, stderr, opts, func(c hostClient) error {
		var in any
		if raw != nil {
			in = raw
		}
		out, err := c.ExecuteTool(ctx, args[0], in)
		if err != nil {
			return err
		}
		return printResult(stdout, out, opts.outputFmt)
	})
}

// runResource handles "resource <server/name> [json-params]".
func runResource(ctx context.Context, stdout, stderr io.Writer, opts options, args []string) error {
	raw, err := jsonArg(args)
	if err != nil {
		return err
	}
	return withClient(ctx, stderr, opts, func(c hostClient) error {
		var in any
		if raw != nil {
			in = raw
		}
		out, err := c.GetResource(ctx, args[0], in)
		if err != nil {
			return err
		}
		return printResult(stdout, out, opts.outputFmt)
	})
}

// jsonArg returns the optional JSON argument after the qualified name.
func jsonArg(args []string) (json.RawMessage, error) {
	if len(args) < 2 {
		return nil, nil
	}
	raw := json.RawMessage(strings.Join(args[1:], " "))
	if !json.Valid(raw) {
		return nil, fmt.Errorf("arguments are not valid JSON: %s", raw)
	}
	return raw, nil
}

// printResult writes a tool or resource result. In text mode a JSON
// string is printed bare; everything else is indented JSON.
func printResult(w io.Writer, raw json.RawMessage, outputFmt string) error {
	if outputFmt == "text" {
		var s string
		if json.Unmarshal(raw, &s) == nil {
			fmt.Fprintln(w, s)
			return nil
		}
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		_, err = fmt.Fprintln(w, string(raw))
		return err
	}
	buf.WriteByte('\n')
	_, err := buf.WriteTo(w)
	return err
}

// runDispatch handles "dispatch [file|-]": it parses the function
// calls out of an LLM response and executes them. Tools that are not
// auto-executable are confirmed on stdin when the response came from a
// file; when the response itself arrives on stdin they are refused
// unless -y is given.
func runDispatch(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, opts options, args []string) error {
	var (
		data        []byte
		err         error
		interactive bool
	)
	if len(args) == 0 || args[0] == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(args[0])
		interactive = true
	}
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	calls := funcall.ParseFunctionCalls(data)
	if len(calls) == 0 {
		return fmt.Errorf("no function calls found in response")
	}

	var confirm funcall.ConfirmFunc
	switch {
	case opts.yes:
	case interactive:
		confirm = promptConfirm(bufio.NewReader(stdin), stderr)
	default:
		confirm = func(_ context.Context, call funcall.Call) (funcall.Decision, error) {
			fmt.Fprintf(stderr, "%s needs confirmation; rerun with -y or pass the response as a file\n", call.Name)
			return funcall.Deny, nil
		}
	}

	return withClient(ctx, stderr, opts, func(c hostClient) error {
		responses := funcall.DispatchAll(ctx, c, calls, confirm)
		if opts.outputFmt == "json" {
			return writeJSON(stdout, responses)
		}
		for _, r := range responses {
			fmt.Fprintf(stdout, "%s: %s\n", r.Name, r.Response)
		}
		return nil
	})
}

// promptConfirm asks on out and reads the answer from in. End of input
// counts as a refusal.
func promptConfirm(in *bufio.Reader, out io.Writer) funcall.ConfirmFunc {
	return func(_ context.Context, call funcall.Call) (funcall.Decision, error) {
		fmt.Fprintf(out, "Execute %s with %s? [y]es, [n]o, [a]lways: ", call.Name, call.Args)
		line, err := in.ReadString('\n')
		if err != nil && line == "" {
			fmt.Fprintln(out)
			return funcall.Deny, nil
		}
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "y", "yes":
			return funcall.Allow, nil
		case "a", "always":
			return funcall.AllowAlways, nil
		default:
			return funcall.Deny, nil
		}
	}
}

// runStatus handles "status".
func runStatus(ctx context.Context, stdout, stderr io.Writer, opts options) error {
	return withClient(ctx, stderr, opts, func(c hostClient) error {
		statuses, err := c.Status(ctx)
		if err != nil {
			return err
		}
		if opts.outputFmt == "json" {
			return writeJSON(stdout, statuses)
		}
		if len(statuses) == 0 {
			fmt.Fprintln(stdout, "No MCP servers configured.")
			return nil
		}
		tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "SERVER\tTRANSPORT\tSTATUS\tTOOLS\tRESOURCES\tPENDING\tUPTIME\tREASON")
		for _, st := range statuses {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%s\t%s\n",
				st.Name, st.Transport, st.Status, st.Tools, st.Resources, st.Pending, st.Uptime, st.Reason)
		}
		return tw.Flush()
	})
}

// runHistory handles "history [n]".
func runHistory(ctx context.Context, stdout io.Writer, opts options, args []string) error {
	limit := 20
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n <= 0 {
			return fmt.Errorf("usage: mcphost history [n]")
		}
		limit = n
	}

	st, err := requireState(opts)
	if err != nil {
		return err
	}
	defer st.Close()

	recs, err := st.calls.Recent(ctx, limit)
	if err != nil {
		return err
	}
	if opts.outputFmt == "json" {
		return writeJSON(stdout, recs)
	}
	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tCALL\tKIND\tDURATION\tOUTCOME")
	for _, r := range recs {
		outcome := "ok"
		if r.ErrorKind != "" {
			outcome = r.ErrorKind + ": " + firstLine(r.Error)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			r.Timestamp.Local().Format(time.DateTime),
			mcp.QualifiedName(r.Server, r.Name),
			r.Kind,
			time.Duration(r.DurationMS)*time.Millisecond,
			outcome)
	}
	return tw.Flush()
}

// runStats handles "stats [duration]".
func runStats(ctx context.Context, stdout io.Writer, opts options, args []string) error {
	window := 24 * time.Hour
	if len(args) > 0 {
		d, err := time.ParseDuration(args[0])
		if err != nil || d <= 0 {
			return fmt.Errorf("usage: mcphost stats [duration]")
		}
		window = d
	}

	st, err := requireState(opts)
	if err != nil {
		return err
	}
	defer st.Close()

	sums, err := st.calls.Summaries(ctx, time.Now().Add(-window))
	if err != nil {
		return err
	}
	if opts.outputFmt == "json" {
		return writeJSON(stdout, sums)
	}
	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CALL\tCALLS\tERRORS\tAVG\tLAST")
	for _, s := range sums {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%s\t%s\n",
			mcp.QualifiedName(s.Server, s.Name),
			s.Calls,
			s.Errors,
			time.Duration(s.AvgDurationMS*float64(time.Millisecond)).Round(time.Millisecond),
			s.LastCall.Local().Format(time.DateTime))
	}
	return tw.Flush()
}

// runApprovals handles "approvals", "approvals approve <tool>" and
// "approvals revoke <tool>".
func runApprovals(ctx context.Context, stdout io.Writer, opts options, args []string) error {
	st, err := requireState(opts)
	if err != nil {
		return err
	}
	defer st.Close()

	if len(args) > 0 {
		if len(args) != 2 {
			return fmt.Errorf("usage: mcphost approvals [approve|revoke <server/tool>]")
		}
		tool := args[1]
		if _, _, ok := mcp.SplitQualifiedName(tool); !ok {
			return fmt.Errorf("%q is not a server/tool name", tool)
		}
		switch args[0] {
		case "approve":
			if err := st.approvals.Approve(ctx, tool); err != nil {
				return err
			}
			fmt.Fprintf(stdout, "approved %s\n", tool)
		case "revoke":
			if err := st.approvals.Revoke(ctx, tool); err != nil {
				return err
			}
			fmt.Fprintf(stdout, "revoked %s (a running daemon keeps it until restart)\n", tool)
		default:
			return fmt.Errorf("unknown approvals action: %s", args[0])
		}
		return nil
	}

	list, err := st.approvals.List(ctx)
	if err != nil {
		return err
	}
	if opts.outputFmt == "json" {
		return writeJSON(stdout, list)
	}
	if len(list) == 0 {
		fmt.Fprintln(stdout, "No runtime approvals.")
		return nil
	}
	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TOOL\tAPPROVED")
	for _, a := range list {
		fmt.Fprintf(tw, "%s\t%s\n", a.Tool, a.ApprovedAt.Local().Format(time.DateTime))
	}
	return tw.Flush()
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
