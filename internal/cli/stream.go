package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/grantcarthew/clawlink/internal/config"
	"github.com/grantcarthew/clawlink/internal/gateway"
)

var streamCmd = &cobra.Command{
	Use:   "stream <message>",
	Short: "Send a message to an agent and print the reply as it arrives",
	Long: `Sends a message to the agent gateway and prints reply text as it streams.

Ctrl-C stops waiting. With --json each event is written as one JSON line:
  {"type":"delta","text":"..."}
  {"type":"complete","text":"...","memoryId":"...","runId":"..."}
  {"type":"error","message":"..."}`,
	Args: cobra.MinimumNArgs(1),
	RunE: runStream,
}

func init() {
	addMessageFlags(streamCmd)
	rootCmd.AddCommand(streamCmd)
}

func runStream(cmd *cobra.Command, args []string) error {
	req := messageRequest(cmd, args)

	return withGateway(func(ctx context.Context, agent agentClient, _ config.Config) error {
		r := &streamRenderer{out: os.Stdout, status: os.Stderr, json: JSONOutput}
		if !r.json && term.IsTerminal(int(os.Stderr.Fd())) {
			r.progress = true
		}

		err := agent.StreamMessage(ctx, req, r.event, func(idle gateway.Idle) error {
			r.idle(idle)
			return ctx.Err()
		})
		r.finish()
		if err != nil {
			return outputFailure(err)
		}
		return nil
	})
}

// streamRenderer writes stream events to the terminal or as JSON lines.
type streamRenderer struct {
	out      io.Writer
	status   io.Writer
	json     bool
	progress bool

	midLine bool
	waiting bool
}

func (r *streamRenderer) event(ev gateway.StreamEvent) {
	r.clearProgress()

	switch ev := ev.(type) {
	case gateway.Delta:
		if r.json {
			_ = outputJSONLine(r.out, map[string]any{"type": "delta", "text": ev.Text})
			return
		}
		if ev.Text == "" {
			return
		}
		fmt.Fprint(r.out, ev.Text)
		r.midLine = ev.Text[len(ev.Text)-1] != '\n'
	case gateway.Complete:
		if r.json {
			_ = outputJSONLine(r.out, map[string]any{
				"type":     "complete",
				"text":     ev.Response.Text,
				"memoryId": ev.Response.MemoryID,
				"runId":    ev.Response.RunID,
			})
			return
		}
		r.endLine()
		fmt.Fprintf(r.status, "memory: %s\n", ev.Response.MemoryID)
	case gateway.Error:
		if r.json {
			_ = outputJSONLine(r.out, map[string]any{"type": "error", "message": ev.Message})
			return
		}
		r.endLine()
	case gateway.Idle:
		r.idle(ev)
	}
}

func (r *streamRenderer) idle(idle gateway.Idle) {
	if !r.progress {
		return
	}
	fmt.Fprintf(r.status, "\r\033[Kwaiting for agent... %s", idle.Elapsed.Round(time.Second))
	r.waiting = true
}

func (r *streamRenderer) clearProgress() {
	if r.waiting {
		fmt.Fprint(r.status, "\r\033[K")
		r.waiting = false
	}
}

func (r *streamRenderer) endLine() {
	if r.midLine {
		fmt.Fprintln(r.out)
		r.midLine = false
	}
}

func (r *streamRenderer) finish() {
	r.clearProgress()
	if !r.json {
		r.endLine()
	}
}

// outputJSONLine writes v as one compact JSON line.
func outputJSONLine(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "%s\n", data)
	return err
}
