package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/Iron-Ham/autowriter/internal/config"
	"github.com/Iron-Ham/autowriter/internal/logging"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
)

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "View coordinator logs",
	Long: `View and filter the coordinator log, including rotated backups.

Examples:
  # Show the last 50 entries
  autowriter logs

  # Everything one session logged, as JSON
  autowriter logs -s 4f1c... -n 0 --format json

  # Follow new entries
  autowriter logs -f

  # Warnings and errors from the drafting stage in the last hour
  autowriter logs --level warn --stage drafting --since 1h

  # Search for specific patterns
  autowriter logs --grep "timeout|refused"`,
	Args: cobra.NoArgs,
	RunE: runLogs,
}

var (
	logsSessionID string
	logsStage     string
	logsComponent string
	logsTail      int
	logsFollow    bool
	logsLevel     string
	logsSince     string
	logsGrep      string
	logsFormat    string
)

func init() {
	rootCmd.AddCommand(logsCmd)

	logsCmd.Flags().StringVarP(&logsSessionID, "session", "s", "", "Only entries for this session")
	logsCmd.Flags().StringVar(&logsStage, "stage", "", "Only entries for this stage")
	logsCmd.Flags().StringVar(&logsComponent, "component", "", "Only entries from this component (coordinator/bus/stage/transport/api)")
	logsCmd.Flags().IntVarP(&logsTail, "tail", "n", 50, "Number of entries to show (0 for all)")
	logsCmd.Flags().BoolVarP(&logsFollow, "follow", "f", false, "Follow log output (like tail -f)")
	logsCmd.Flags().StringVar(&logsLevel, "level", "", "Filter by minimum level (debug/info/warn/error)")
	logsCmd.Flags().StringVar(&logsSince, "since", "", "Show logs since duration ago (e.g., 1h, 30m)")
	logsCmd.Flags().StringVar(&logsGrep, "grep", "", "Filter logs matching pattern (regex)")
	logsCmd.Flags().StringVar(&logsFormat, "format", "text", "Output format (text/json/csv)")
}

// logQuery is the parsed form of the logs flags.
type logQuery struct {
	filter logging.LogFilter
	grep   *regexp.Regexp
}

func newLogQuery(now time.Time) (logQuery, error) {
	q := logQuery{filter: logging.LogFilter{
		SessionID: logsSessionID,
		Stage:     logsStage,
		Component: logsComponent,
	}}
	if logsLevel != "" {
		q.filter.Level = logging.ParseLevel(logsLevel)
	}
	if logsSince != "" {
		d, err := time.ParseDuration(logsSince)
		if err != nil {
			return q, fmt.Errorf("invalid duration format: %w", err)
		}
		q.filter.StartTime = now.Add(-d)
	}
	if logsGrep != "" {
		re, err := regexp.Compile(logsGrep)
		if err != nil {
			return q, fmt.Errorf("invalid grep pattern: %w", err)
		}
		q.grep = re
	}
	return q, nil
}

// apply filters entries and keeps the last tail of them.
func (q logQuery) apply(entries []logging.LogEntry, tail int) []logging.LogEntry {
	entries = logging.FilterLogs(entries, q.filter)
	if q.grep != nil {
		var matched []logging.LogEntry
		for _, e := range entries {
			if q.matches(e) {
				matched = append(matched, e)
			}
		}
		entries = matched
	}
	if tail > 0 && len(entries) > tail {
		entries = entries[len(entries)-tail:]
	}
	return entries
}

// matches searches the message and the extra attributes.
func (q logQuery) matches(e logging.LogEntry) bool {
	if q.grep == nil {
		return true
	}
	text := e.Message
	for _, v := range e.Attrs {
		text += " " + fmt.Sprintf("%v", v)
	}
	return q.grep.MatchString(text)
}

func runLogs(cmd *cobra.Command, _ []string) error {
	logDir := config.Get().LogDir()
	q, err := newLogQuery(time.Now())
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	if logsFollow {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()
		return followLogs(ctx, filepath.Join(logDir, logging.LogFileName), q, out)
	}

	entries, err := logging.AggregateLogs(logDir)
	if err != nil {
		return fmt.Errorf("failed to read logs in %s: %w", logDir, err)
	}
	entries = q.apply(entries, logsTail)
	if len(entries) == 0 && logsFormat == "text" {
		fmt.Fprintln(out, "No matching log entries found.")
		return nil
	}
	return logging.WriteEntries(out, entries, logsFormat)
}

// followLogs prints entries appended to the log file until ctx ends. A
// rotation recreates the file, which is reopened from the start.
func followLogs(ctx context.Context, path string, q logQuery, out io.Writer) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to watch logs: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(path), err)
	}

	file, err := os.Open(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	var tail *tailer
	if file != nil {
		defer func() { file.Close() }()
		if _, err := file.Seek(0, io.SeekEnd); err != nil {
			return fmt.Errorf("failed to seek to end: %w", err)
		}
		tail = &tailer{reader: bufio.NewReader(file)}
	}

	fmt.Fprintf(out, "Following %s... (Ctrl+C to stop)\n\n", path)
	for {
		if tail != nil {
			tail.drain(q, out)
		}
		select {
		case <-ctx.Done():
			return nil
		case err := <-watcher.Errors:
			return fmt.Errorf("log watcher failed: %w", err)
		case ev := <-watcher.Events:
			if ev.Name != path || !ev.Has(fsnotify.Create) {
				continue
			}
			if file != nil {
				file.Close()
			}
			file, err = os.Open(path)
			if err != nil {
				return fmt.Errorf("failed to reopen log file: %w", err)
			}
			tail = &tailer{reader: bufio.NewReader(file)}
		}
	}
}

// tailer reads complete lines from a growing file.
type tailer struct {
	reader  *bufio.Reader
	pending string
}

func (t *tailer) drain(q logQuery, out io.Writer) {
	for {
		chunk, err := t.reader.ReadString('\n')
		t.pending += chunk
		if err != nil {
			// A partial line waits for the rest to be written.
			return
		}
		line := strings.TrimSpace(t.pending)
		t.pending = ""
		if line == "" {
			continue
		}
		entry, err := logging.ParseLogEntry(line)
		if err != nil {
			fmt.Fprintln(out, line)
			continue
		}
		if len(logging.FilterLogs([]logging.LogEntry{entry}, q.filter)) == 0 || !q.matches(entry) {
			continue
		}
		fmt.Fprintln(out, logging.FormatEntry(entry))
	}
}
