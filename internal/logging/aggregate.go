package logging

import (
	"bufio"
	"compress/gzip"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"
)

// LogEntry is one parsed line of the coordinator log.
type LogEntry struct {
	Timestamp    time.Time      `json:"time"`
	Level        string         `json:"level"`
	Message      string         `json:"msg"`
	SessionID    string         `json:"session_id,omitempty"`
	Stage        string         `json:"stage,omitempty"`
	SubscriberID string         `json:"subscriber_id,omitempty"`
	Component    string         `json:"component,omitempty"`
	Attrs        map[string]any `json:"attrs,omitempty"`
}

// LogFilter selects log entries. Zero-valued fields do not filter; set
// fields are combined with AND.
type LogFilter struct {
	// Level keeps entries at or above this level.
	Level           string
	StartTime       time.Time
	EndTime         time.Time
	SessionID       string
	Stage           string
	SubscriberID    string
	Component       string
	MessageContains string
}

var levelOrder = map[string]int{
	LevelDebug: 0,
	LevelInfo:  1,
	LevelWarn:  2,
	LevelError: 3,
}

var standardFields = map[string]bool{
	"time":          true,
	"level":         true,
	"msg":           true,
	"session_id":    true,
	"stage":         true,
	"subscriber_id": true,
	"component":     true,
}

// AggregateLogs reads the coordinator log in logDir together with its
// rotated backups and returns all entries sorted by timestamp. Lines that
// are not valid JSON are skipped.
func AggregateLogs(logDir string) ([]LogEntry, error) {
	files, err := LogFiles(logDir)
	if err != nil {
		return nil, fmt.Errorf("failed to list log files: %w", err)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no log file found in %s: %w", logDir, os.ErrNotExist)
	}

	var entries []LogEntry
	for _, path := range files {
		fileEntries, err := readLogFile(path)
		if err != nil {
			return nil, err
		}
		entries = append(entries, fileEntries...)
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Timestamp.Before(entries[j].Timestamp)
	})
	return entries, nil
}

func readLogFile(path string) ([]LogEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	defer func() { _ = f.Close() }()

	var r io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		zr, err := gzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("failed to open compressed log %s: %w", path, err)
		}
		defer func() { _ = zr.Close() }()
		r = zr
	}

	const maxLine = 1024 * 1024
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLine)

	var entries []LogEntry
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		entry, err := ParseLogEntry(line)
		if err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading %s: %w", path, err)
	}
	return entries, nil
}

// ParseLogEntry parses one JSON log line.
func ParseLogEntry(line string) (LogEntry, error) {
	var raw map[string]any
	if err := json.Unmarshal([]byte(line), &raw); err != nil {
		return LogEntry{}, fmt.Errorf("invalid JSON: %w", err)
	}

	str := func(key string) string {
		s, _ := raw[key].(string)
		return s
	}

	entry := LogEntry{
		Level:        str("level"),
		Message:      str("msg"),
		SessionID:    str("session_id"),
		Stage:        str("stage"),
		SubscriberID: str("subscriber_id"),
		Component:    str("component"),
	}
	if ts, err := time.Parse(time.RFC3339Nano, str("time")); err == nil {
		entry.Timestamp = ts
	}

	for k, v := range raw {
		if standardFields[k] {
			continue
		}
		if entry.Attrs == nil {
			entry.Attrs = make(map[string]any)
		}
		entry.Attrs[k] = v
	}
	return entry, nil
}

// FilterLogs returns the entries matching filter.
func FilterLogs(entries []LogEntry, filter LogFilter) []LogEntry {
	if filter == (LogFilter{}) {
		return entries
	}

	var filtered []LogEntry
	for _, entry := range entries {
		if matchesFilter(entry, filter) {
			filtered = append(filtered, entry)
		}
	}
	return filtered
}

func matchesFilter(entry LogEntry, f LogFilter) bool {
	if f.Level != "" {
		want, okWant := levelOrder[strings.ToUpper(f.Level)]
		got, okGot := levelOrder[entry.Level]
		if okWant && okGot && got < want {
			return false
		}
	}
	if !f.StartTime.IsZero() && entry.Timestamp.Before(f.StartTime) {
		return false
	}
	if !f.EndTime.IsZero() && entry.Timestamp.After(f.EndTime) {
		return false
	}
	if f.SessionID != "" && entry.SessionID != f.SessionID {
		return false
	}
	if f.Stage != "" && entry.Stage != f.Stage {
		return false
	}
	if f.SubscriberID != "" && entry.SubscriberID != f.SubscriberID {
		return false
	}
	if f.Component != "" && entry.Component != f.Component {
		return false
	}
	if f.MessageContains != "" && !strings.Contains(entry.Message, f.MessageContains) {
		return false
	}
	return true
}

// WriteEntries renders entries to w. Supported formats: "json", "text", "csv".
func WriteEntries(w io.Writer, entries []LogEntry, format string) error {
	switch strings.ToLower(format) {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(entries)
	case "text", "":
		for _, e := range entries {
			if _, err := io.WriteString(w, FormatEntry(e)+"\n"); err != nil {
				return fmt.Errorf("failed to write text entry: %w", err)
			}
		}
		return nil
	case "csv":
		return writeCSV(w, entries)
	default:
		return fmt.Errorf("unsupported export format: %s (supported: json, text, csv)", format)
	}
}

// FormatEntry renders a single entry as
// "[time] LEVEL - message (session=…, stage=…) {attrs}".
func FormatEntry(e LogEntry) string {
	parts := []string{
		fmt.Sprintf("[%s]", e.Timestamp.Format("2006-01-02 15:04:05.000")),
		e.Level,
		"-",
		e.Message,
	}

	var ctx []string
	if e.SessionID != "" {
		ctx = append(ctx, "session="+e.SessionID)
	}
	if e.Stage != "" {
		ctx = append(ctx, "stage="+e.Stage)
	}
	if e.SubscriberID != "" {
		ctx = append(ctx, "subscriber="+e.SubscriberID)
	}
	if e.Component != "" {
		ctx = append(ctx, "component="+e.Component)
	}
	if len(ctx) > 0 {
		parts = append(parts, "("+strings.Join(ctx, ", ")+")")
	}
	if len(e.Attrs) > 0 {
		if b, err := json.Marshal(e.Attrs); err == nil {
			parts = append(parts, string(b))
		}
	}
	return strings.Join(parts, " ")
}

func writeCSV(w io.Writer, entries []LogEntry) error {
	cw := csv.NewWriter(w)
	header := []string{"timestamp", "level", "message", "session_id", "stage", "subscriber_id", "component", "attrs"}
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("failed to write CSV header: %w", err)
	}

	for _, e := range entries {
		attrs := ""
		if len(e.Attrs) > 0 {
			if b, err := json.Marshal(e.Attrs); err == nil {
				attrs = string(b)
			}
		}
		record := []string{
			e.Timestamp.Format(time.RFC3339Nano),
			e.Level,
			e.Message,
			e.SessionID,
			e.Stage,
			e.SubscriberID,
			e.Component,
			attrs,
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("failed to write CSV record: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}
