package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/Iron-Ham/autowriter/internal/config"
	"github.com/Iron-Ham/autowriter/internal/contract"
	"github.com/Iron-Ham/autowriter/internal/retry"
	"github.com/Iron-Ham/autowriter/internal/transport"
	"github.com/Iron-Ham/autowriter/internal/util"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var watchCmd = &cobra.Command{
	Use:   "watch <session-id>",
	Short: "Follow a session's realtime stream",
	Long: `Follow a session's realtime stream from a running coordinator.

The stream reconnects on its own and resumes after the last message seen,
so nothing is shown twice. It ends when the session completes or fails
unless --follow is given.

With --interactive, lines typed on stdin are sent as interventions;
"/pause" and "/resume" pause and resume the session.`,
	Args: cobra.ExactArgs(1),
	RunE: runWatch,
}

var (
	watchServer      string
	watchLastSeen    uint64
	watchSubscriber  string
	watchFollow      bool
	watchInteractive bool
)

func init() {
	rootCmd.AddCommand(watchCmd)

	watchCmd.Flags().StringVar(&watchServer, "server", "", "Coordinator base URL (default from server.addr)")
	watchCmd.Flags().Uint64Var(&watchLastSeen, "last-seen", 0, "Resume after this offset")
	watchCmd.Flags().StringVar(&watchSubscriber, "subscriber", "", "Subscriber ID (default: random)")
	watchCmd.Flags().BoolVarP(&watchFollow, "follow", "f", false, "Keep watching after the session finishes")
	watchCmd.Flags().BoolVarP(&watchInteractive, "interactive", "i", false, "Send stdin lines as interventions")
}

// errSessionFinished stops the subscriber once the session is terminal.
var errSessionFinished = errors.New("session finished")

func runWatch(cmd *cobra.Command, args []string) error {
	cfg := config.Get()
	base := watchServer
	if base == "" {
		base = "http://" + cfg.Server.Addr
	}

	out := cmd.OutOrStdout()
	width, color := terminalWidth(out)
	r := newRenderer(color)
	sub := transport.NewSubscriber(transport.SubscriberConfig{
		BaseURL:      base,
		SessionID:    args[0],
		SubscriberID: watchSubscriber,
		LastSeen:     watchLastSeen,
		MaxAttempts:  cfg.Transport.MaxReconnectAttempts,
		Backoff:      retry.Backoff{Base: cfg.Transport.ReconnectBase, Max: cfg.Transport.ReconnectMax},
		StableAfter:  cfg.Transport.StableAfter,
	})

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	if watchInteractive {
		go sendControls(ctx, sub, cmd.InOrStdin(), cmd.ErrOrStderr())
	}

	err := sub.Run(ctx, func(env contract.Envelope) error {
		line, finished := r.render(env)
		if line != "" {
			fmt.Fprintln(out, util.FitWidth(line, width))
		}
		if finished && !watchFollow {
			return errSessionFinished
		}
		return nil
	})
	switch {
	case errors.Is(err, errSessionFinished), errors.Is(err, context.Canceled):
		fmt.Fprintf(cmd.ErrOrStderr(), "last seen offset: %d\n", sub.LastSeen())
		return nil
	default:
		return err
	}
}

// sendControls turns stdin lines into control frames.
func sendControls(ctx context.Context, sub *transport.Subscriber, in io.Reader, errOut io.Writer) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		frame, ok := parseControl(scanner.Text())
		if !ok {
			continue
		}
		if err := sub.Send(ctx, frame); err != nil {
			fmt.Fprintf(errOut, "not sent: %v\n", err)
		}
	}
}

func parseControl(line string) (contract.ClientFrame, bool) {
	line = strings.TrimSpace(line)
	switch line {
	case "":
		return contract.ClientFrame{}, false
	case "/pause":
		return contract.ClientFrame{Type: contract.ClientPauseWorkflow}, true
	case "/resume":
		return contract.ClientFrame{Type: contract.ClientResumeWorkflow}, true
	default:
		return contract.ClientFrame{Type: contract.ClientUserIntervention, Content: line}, true
	}
}

// terminalWidth reports the column count of w and whether it is a
// terminal at all. Pipes get width 0, which disables truncation.
func terminalWidth(w io.Writer) (int, bool) {
	f, ok := w.(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		return 0, false
	}
	width, _, err := term.GetSize(int(f.Fd()))
	if err != nil {
		return 0, true
	}
	return width, true
}

// renderer formats stream frames as single lines. Colors are applied only
// when writing to a terminal.
type renderer struct {
	muted   lipgloss.Style
	phase   lipgloss.Style
	success lipgloss.Style
	failure lipgloss.Style
	accent  lipgloss.Style
}

func newRenderer(color bool) *renderer {
	if !color {
		plain := lipgloss.NewStyle()
		return &renderer{muted: plain, phase: plain, success: plain, failure: plain, accent: plain}
	}
	return &renderer{
		muted:   lipgloss.NewStyle().Foreground(lipgloss.Color("#6B7280")),
		phase:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#A78BFA")),
		success: lipgloss.NewStyle().Foreground(lipgloss.Color("#10B981")),
		failure: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#EF4444")),
		accent:  lipgloss.NewStyle().Foreground(lipgloss.Color("#F59E0B")),
	}
}

// render returns the line for env and whether the session has finished.
func (r *renderer) render(env contract.Envelope) (string, bool) {
	msg, ok := env.Message()
	if !ok {
		return r.muted.Render("unknown frame " + env.Type), false
	}
	prefix := r.muted.Render(fmt.Sprintf("[%s #%d]", msg.Timestamp.Format("15:04:05"), msg.Offset))

	switch msg.Kind {
	case contract.KindConnectionAck:
		var ack contract.ConnectionAck
		if err := msg.Decode(&ack); err != nil {
			return "", false
		}
		return r.muted.Render(fmt.Sprintf("connected as %s (phase %s, head %d, replaying %d)",
			ack.SubscriberID, ack.Phase, ack.HeadOffset, ack.Replayed)), false

	case contract.KindWorkflowStatus:
		var st contract.WorkflowStatus
		if err := msg.Decode(&st); err != nil {
			return "", false
		}
		line := fmt.Sprintf("%s %s %s (%d%%)", prefix, r.phase.Render("phase"), st.Phase, st.Progress)
		switch st.Phase {
		case "completed":
			return line + " " + r.success.Render("done"), true
		case "failed":
			return line + " " + r.failure.Render(fmt.Sprintf("%s: %s", st.Cause, st.Detail)), true
		}
		return line, false

	case contract.KindStageStarted:
		var s contract.StageStarted
		if err := msg.Decode(&s); err != nil {
			return "", false
		}
		return fmt.Sprintf("%s %s started (attempt %d)", prefix, s.Stage, s.Attempt), false

	case contract.KindStageCompleted, contract.KindStageFailed:
		res, err := msg.Result()
		if err != nil {
			return "", false
		}
		if res.Failure != nil {
			return fmt.Sprintf("%s %s %s", prefix, res.Stage,
				r.failure.Render(fmt.Sprintf("failed [%s] %s", res.Failure.Class, res.Failure.Message))), false
		}
		return fmt.Sprintf("%s %s %s", prefix, res.Stage, r.success.Render("completed")), false

	case contract.KindDocumentUpdated:
		var u contract.DocumentUpdate
		if err := msg.Decode(&u); err != nil {
			return "", false
		}
		if u.Appended.Title == "" {
			return fmt.Sprintf("%s document v%d %s", prefix, u.Version, r.accent.Render("reset")), false
		}
		return fmt.Sprintf("%s document v%d + %s", prefix, u.Version, r.accent.Render(u.Appended.Title)), false

	case contract.KindUserIntervention:
		var iv contract.UserIntervention
		if err := msg.Decode(&iv); err != nil {
			return "", false
		}
		return fmt.Sprintf("%s %s %q", prefix, r.accent.Render("intervention"), util.Summarize(iv.Content, 200)), false

	case contract.KindStreamGap:
		var gap contract.StreamGap
		if err := msg.Decode(&gap); err != nil {
			return "", false
		}
		return r.failure.Render(fmt.Sprintf("missed %d message(s) between %d and %d", gap.Dropped, gap.FromOffset, gap.ToOffset)), false
	}
	return prefix + " " + string(msg.Kind), false
}
