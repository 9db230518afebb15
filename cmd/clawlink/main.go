package main

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/grantcarthew/clawlink/internal/cli"
	"github.com/grantcarthew/clawlink/internal/fault"
)

// Exit codes.
const (
	exitFailure    = 1
	exitUsage      = 2
	exitTimeout    = 3
	exitConnection = 4
)

var (
	unknownCommandRe = regexp.MustCompile(`^unknown command "([^"]*)" for "([^"]+)"`)
	argCountRe       = regexp.MustCompile(`^(accepts|requires at least|requires at most) (\d+) arg\(s\), (?:only )?received (\d+)`)
)

// formatCobraError rewrites Cobra's argument and flag errors as clawlink usage
// hints. usage is false for errors that did not come from command-line parsing.
func formatCobraError(err error) (msg string, usage bool) {
	msg = err.Error()

	if m := unknownCommandRe.FindStringSubmatch(msg); m != nil {
		if m[2] == "clawlink" {
			return fmt.Sprintf("unknown command %q (run 'clawlink --help' for the command list)", m[1]), true
		}
		// Commands taking no arguments report stray ones as unknown subcommands.
		return fmt.Sprintf("%s takes no arguments, got %q", m[2], m[1]), true
	}

	if m := argCountRe.FindStringSubmatch(msg); m != nil {
		want := m[2]
		switch m[1] {
		case "requires at least":
			want = "at least " + want
		case "requires at most":
			want = "at most " + want
		}
		return fmt.Sprintf("expected %s argument(s), got %s (see --help)", want, m[3]), true
	}

	for _, prefix := range []string{"unknown flag", "unknown shorthand flag", "flag needs an argument", "invalid argument"} {
		if strings.HasPrefix(msg, prefix) {
			return msg, true
		}
	}
	return msg, false
}

// exitCode maps a failure to the process exit status.
func exitCode(err error, usage bool) int {
	switch {
	case usage:
		return exitUsage
	case fault.IsTimeout(err):
		return exitTimeout
	case fault.IsConnection(err):
		return exitConnection
	default:
		return exitFailure
	}
}

func main() {
	err := cli.Execute()
	if err == nil {
		return
	}

	usage := false
	if !cli.IsPrintedError(err) {
		var msg string
		msg, usage = formatCobraError(err)
		if cli.JSONOutput {
			resp := map[string]any{
				"ok":    false,
				"error": msg,
			}
			_ = json.NewEncoder(os.Stderr).Encode(resp)
		} else {
			fmt.Fprintf(os.Stderr, "Error: %s\n", msg)
		}
	}
	os.Exit(exitCode(err, usage))
}
