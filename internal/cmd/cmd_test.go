package cmd

import (
	"bufio"
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/Iron-Ham/autowriter/internal/contract"
	"github.com/Iron-Ham/autowriter/internal/logging"
	"github.com/Iron-Ham/autowriter/internal/machine"
	"github.com/Iron-Ham/autowriter/internal/store"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

// executeCommand runs a cobra command with args and returns captured output
func executeCommand(root *cobra.Command, args ...string) (output string, err error) {
	resetFlags(root)
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)
	err = root.Execute()
	return buf.String(), err
}

// resetFlags restores every flag to its default so values set by one test
// do not leak into the next.
func resetFlags(c *cobra.Command) {
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	c.Flags().VisitAll(reset)
	c.PersistentFlags().VisitAll(reset)
	for _, sub := range c.Commands() {
		resetFlags(sub)
	}
}

// seedStore persists a completed and a running session under a fresh
// storage root and returns the root.
func seedStore(t *testing.T) string {
	t.Helper()

	dir := t.TempDir()
	st, err := store.NewOS(dir, logging.NopLogger())
	require.NoError(t, err)

	old := time.Now().Add(-30 * 24 * time.Hour)
	sessions := []struct {
		id      string
		phase   machine.Phase
		updated time.Time
	}{
		{"done-1", machine.PhaseCompleted, old},
		{"live-1", machine.PhaseDrafting, time.Now()},
	}
	for _, s := range sessions {
		meta := machine.Meta{ID: s.id, Objective: "Report on " + s.id, CreatedAt: s.updated.Add(-time.Hour)}
		require.NoError(t, st.SaveMeta(meta))
		require.NoError(t, st.SaveCheckpoint(machine.Checkpoint{SessionID: s.id, Phase: s.phase, UpdatedAt: s.updated}))
	}

	doc := contract.Document{
		SessionID: "done-1",
		Title:     "Report on done-1",
		Sections:  []contract.Section{{Title: "Overview", Content: "It went well."}},
		Version:   1,
		UpdatedAt: old,
	}
	require.NoError(t, st.SaveDocument(doc))
	return dir
}

func TestRootCommand(t *testing.T) {
	assert.Equal(t, "autowriter", rootCmd.Use)

	var names []string
	for _, cmd := range rootCmd.Commands() {
		names = append(names, cmd.Name())
	}
	for _, expected := range []string{"serve", "sessions", "watch", "logs", "config"} {
		assert.Contains(t, names, expected)
	}
}

func TestSessionsList(t *testing.T) {
	dir := seedStore(t)

	output, err := executeCommand(rootCmd, "--storage-dir", dir, "sessions", "list")
	require.NoError(t, err)
	for _, want := range []string{"ID", "done-1", "completed", "live-1", "drafting", "Report on live-1"} {
		assert.Contains(t, output, want)
	}
	assert.Less(t, strings.Index(output, "done-1"), strings.Index(output, "live-1"), "sessions should be listed oldest first")
}

func TestSessionsList_Empty(t *testing.T) {
	output, err := executeCommand(rootCmd, "--storage-dir", t.TempDir(), "sessions", "list")
	require.NoError(t, err)
	assert.Contains(t, output, "No sessions found.")
}

func TestSessionsShow_JSON(t *testing.T) {
	dir := seedStore(t)

	output, err := executeCommand(rootCmd, "--storage-dir", dir, "sessions", "show", "done-1", "-o", "json")
	require.NoError(t, err)

	var detail struct {
		ID       string            `json:"id"`
		Phase    string            `json:"phase"`
		Versions []uint64          `json:"document_versions"`
		Document *contract.Document `json:"document"`
	}
	require.NoError(t, json.Unmarshal([]byte(output), &detail), output)
	assert.Equal(t, "done-1", detail.ID)
	assert.Equal(t, "completed", detail.Phase)
	assert.Equal(t, []uint64{1}, detail.Versions)
	require.NotNil(t, detail.Document)
	assert.Len(t, detail.Document.Sections, 1)
}

func TestSessionsShow_YAMLAndDocument(t *testing.T) {
	dir := seedStore(t)

	output, err := executeCommand(rootCmd, "--storage-dir", dir, "sessions", "show", "done-1", "-o", "yaml")
	require.NoError(t, err)
	var detail map[string]any
	require.NoError(t, yaml.Unmarshal([]byte(output), &detail), output)
	assert.Equal(t, "Report on done-1", detail["objective"])

	output, err = executeCommand(rootCmd, "--storage-dir", dir, "sessions", "show", "done-1", "--document")
	require.NoError(t, err)
	for _, want := range []string{"Phase:     completed", "# Report on done-1", "## Overview", "It went well."} {
		assert.Contains(t, output, want)
	}
}

func TestSessionsShow_Unknown(t *testing.T) {
	_, err := executeCommand(rootCmd, "--storage-dir", t.TempDir(), "sessions", "show", "nope")
	assert.Error(t, err)
}

func TestSessionsPrune(t *testing.T) {
	dir := seedStore(t)

	output, err := executeCommand(rootCmd, "--storage-dir", dir, "sessions", "prune", "--dry-run")
	require.NoError(t, err)
	assert.Contains(t, output, "Would remove done-1")
	assert.Contains(t, output, "1 session(s) would be removed")
	require.DirExists(t, filepath.Join(dir, "sessions", "done-1"), "dry run removed the session")

	output, err = executeCommand(rootCmd, "--storage-dir", dir, "sessions", "prune")
	require.NoError(t, err)
	assert.Contains(t, output, "Removed done-1")
	assert.Contains(t, output, "Removed 1 session(s)")

	st, err := store.NewOS(dir, logging.NopLogger())
	require.NoError(t, err)
	infos, err := st.ListSessions()
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, "live-1", infos[0].ID)
	_, held := st.Holder()
	assert.False(t, held, "prune left the storage lock behind")
}

func TestSessionsPrune_RefusesWhileLocked(t *testing.T) {
	dir := seedStore(t)
	st, err := store.NewOS(dir, logging.NopLogger())
	require.NoError(t, err)
	lock, err := st.AcquireLock()
	require.NoError(t, err)
	defer func() { _ = lock.Release() }()

	_, err = executeCommand(rootCmd, "--storage-dir", dir, "sessions", "prune")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "coordinator is running")
}

func testMessage(t *testing.T, kind contract.Kind, offset uint64, payload any) contract.Envelope {
	t.Helper()
	msg, err := contract.NewMessage("s1", kind, payload)
	require.NoError(t, err)
	msg.Offset = offset
	msg.Sequence = 1
	msg.Timestamp = time.Date(2026, 3, 1, 14, 5, 9, 0, time.UTC)
	return contract.ToEnvelope(msg)
}

func TestRenderer(t *testing.T) {
	r := newRenderer(false)
	doc := &contract.Document{SessionID: "s1", Version: 2}

	tests := []struct {
		name     string
		env      contract.Envelope
		want     []string
		finished bool
	}{
		{
			name: "phase change",
			env:  testMessage(t, contract.KindWorkflowStatus, 3, contract.WorkflowStatus{Phase: "planning", Progress: 55}),
			want: []string{"[14:05:09 #3]", "planning", "(55%)"},
		},
		{
			name:     "completed ends the watch",
			env:      testMessage(t, contract.KindWorkflowStatus, 9, contract.WorkflowStatus{Phase: "completed", Progress: 100}),
			want:     []string{"completed", "done"},
			finished: true,
		},
		{
			name: "failed ends the watch",
			env: testMessage(t, contract.KindWorkflowStatus, 9, contract.WorkflowStatus{
				Phase: "failed", Cause: "drafting", Detail: "stage timed out",
			}),
			want:     []string{"failed", "drafting: stage timed out"},
			finished: true,
		},
		{
			name: "stage started",
			env:  testMessage(t, contract.KindStageStarted, 4, contract.StageStarted{Stage: contract.StageResearch, Attempt: 2}),
			want: []string{"research started (attempt 2)"},
		},
		{
			name: "document append",
			env: testMessage(t, contract.KindDocumentUpdated, 7, contract.DocumentUpdate{
				Version: 2, Appended: contract.Section{Title: "Findings"}, Document: doc,
			}),
			want: []string{"document v2 + Findings"},
		},
		{
			name: "document reset",
			env:  testMessage(t, contract.KindDocumentUpdated, 8, contract.DocumentUpdate{Version: 3, Document: doc}),
			want: []string{"document v3 reset"},
		},
		{
			name: "intervention",
			env:  testMessage(t, contract.KindUserIntervention, 5, contract.UserIntervention{Content: "focus on\ncosts"}),
			want: []string{`intervention "focus on costs"`},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			line, finished := r.render(tt.env)
			for _, want := range tt.want {
				assert.Contains(t, line, want)
			}
			assert.Equal(t, tt.finished, finished)
		})
	}
}

func TestParseControl(t *testing.T) {
	tests := []struct {
		input    string
		wantOK   bool
		wantType string
		content  string
	}{
		{"", false, "", ""},
		{"   ", false, "", ""},
		{"/pause", true, contract.ClientPauseWorkflow, ""},
		{" /resume ", true, contract.ClientResumeWorkflow, ""},
		{"cite primary sources", true, contract.ClientUserIntervention, "cite primary sources"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			frame, ok := parseControl(tt.input)
			require.Equal(t, tt.wantOK, ok)
			if !ok {
				return
			}
			assert.Equal(t, tt.wantType, string(frame.Type))
			assert.Equal(t, tt.content, frame.Content)
		})
	}
}

func TestLogQuery(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	entries := []logging.LogEntry{
		{Timestamp: now.Add(-3 * time.Hour), Level: "INFO", Message: "session created", SessionID: "a"},
		{Timestamp: now.Add(-40 * time.Minute), Level: "WARN", Message: "stage failed", SessionID: "a", Stage: "drafting",
			Attrs: map[string]any{"error": "stage timed out"}},
		{Timestamp: now.Add(-20 * time.Minute), Level: "DEBUG", Message: "frame sent", SessionID: "b", Component: "transport"},
		{Timestamp: now.Add(-10 * time.Minute), Level: "ERROR", Message: "session failed", SessionID: "a"},
	}

	tests := []struct {
		name  string
		setup func()
		tail  int
		want  []string
	}{
		{
			name:  "no filters",
			setup: func() {},
			want:  []string{"session created", "stage failed", "frame sent", "session failed"},
		},
		{
			name:  "tail keeps the newest",
			setup: func() {},
			tail:  2,
			want:  []string{"frame sent", "session failed"},
		},
		{
			name:  "minimum level",
			setup: func() { logsLevel = "warn" },
			want:  []string{"stage failed", "session failed"},
		},
		{
			name:  "since",
			setup: func() { logsSince = "1h" },
			want:  []string{"stage failed", "frame sent", "session failed"},
		},
		{
			name:  "session and stage",
			setup: func() { logsSessionID = "a"; logsStage = "drafting" },
			want:  []string{"stage failed"},
		},
		{
			name:  "grep searches attributes",
			setup: func() { logsGrep = "timed out" },
			want:  []string{"stage failed"},
		},
		{
			name:  "component",
			setup: func() { logsComponent = "transport" },
			want:  []string{"frame sent"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logsSessionID, logsStage, logsComponent, logsLevel, logsSince, logsGrep = "", "", "", "", "", ""
			tt.setup()

			q, err := newLogQuery(now)
			require.NoError(t, err)
			var msgs []string
			for _, e := range q.apply(entries, tt.tail) {
				msgs = append(msgs, e.Message)
			}
			assert.Equal(t, tt.want, msgs)
		})
	}
	logsSessionID, logsStage, logsComponent, logsLevel, logsSince, logsGrep = "", "", "", "", "", ""
}

func TestLogQuery_InvalidFlags(t *testing.T) {
	defer func() { logsSince, logsGrep = "", "" }()

	logsSince = "yesterday"
	_, err := newLogQuery(time.Now())
	assert.Error(t, err, "invalid --since")
	logsSince, logsGrep = "", "("
	_, err = newLogQuery(time.Now())
	assert.Error(t, err, "invalid --grep")
}

func TestTailer_HoldsPartialLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "coordinator.log")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	r, err := os.Open(path)
	require.NoError(t, err)
	defer r.Close()

	tail := &tailer{reader: bufio.NewReader(r)}
	q := logQuery{grep: regexp.MustCompile("wanted")}
	var out bytes.Buffer

	line := `{"time":"2026-03-01T12:00:00Z","level":"INFO","msg":"wanted entry","session_id":"a"}`
	_, err = f.WriteString(line[:30])
	require.NoError(t, err)
	tail.drain(q, &out)
	require.Zero(t, out.Len(), "partial line was printed: %q", out.String())

	other := `{"time":"2026-03-01T12:00:01Z","level":"INFO","msg":"other entry"}`
	_, err = f.WriteString(line[30:] + "\n" + other + "\n")
	require.NoError(t, err)
	tail.drain(q, &out)

	assert.Contains(t, out.String(), "wanted entry")
	assert.NotContains(t, out.String(), "other entry")
}

func TestConfigShow(t *testing.T) {
	cfgFile := filepath.Join(t.TempDir(), "config.yaml")
	content := "generator:\n  provider: openai\n  api_key: sk-secret\n"
	require.NoError(t, os.WriteFile(cfgFile, []byte(content), 0o644))

	output, err := executeCommand(rootCmd, "-c", cfgFile, "config", "show")
	require.NoError(t, err)
	assert.Contains(t, output, "# Config file: "+cfgFile)
	assert.NotContains(t, output, "sk-secret", "config show printed the API key")

	var settings map[string]map[string]any
	require.NoError(t, yaml.Unmarshal([]byte(output), &settings), output)
	assert.Equal(t, "openai", settings["generator"]["provider"])
	assert.Contains(t, settings["pipeline"], "stage_timeout", "defaults missing from config show")
}

func TestConfigSetAndReset(t *testing.T) {
	cfgFile := filepath.Join(t.TempDir(), "config.yaml")

	readFile := func() map[string]map[string]any {
		t.Helper()
		data, err := os.ReadFile(cfgFile)
		require.NoError(t, err)
		var out map[string]map[string]any
		require.NoError(t, yaml.Unmarshal(data, &out), "config file is not YAML")
		return out
	}

	_, err := executeCommand(rootCmd, "-c", cfgFile, "config", "set", "pipeline.stage_timeout", "2m")
	require.NoError(t, err)
	_, err = executeCommand(rootCmd, "-c", cfgFile, "config", "set", "pipeline.max_attempts", "5")
	require.NoError(t, err)
	got := readFile()
	assert.Equal(t, "2m", got["pipeline"]["stage_timeout"])
	assert.Equal(t, 5, got["pipeline"]["max_attempts"])

	_, err = executeCommand(rootCmd, "-c", cfgFile, "config", "reset", "pipeline.max_attempts")
	require.NoError(t, err)
	got = readFile()
	assert.NotContains(t, got["pipeline"], "max_attempts", "reset left max_attempts in the file")
	assert.Equal(t, "2m", got["pipeline"]["stage_timeout"], "reset of one key removed another")
}

func TestConfigSet_Rejects(t *testing.T) {
	cfgFile := filepath.Join(t.TempDir(), "config.yaml")

	tests := []struct {
		name string
		args []string
	}{
		{"unknown key", []string{"tui.theme", "dark"}},
		{"not an integer", []string{"transport.buffer_size", "lots"}},
		{"not a duration", []string{"pipeline.stage_timeout", "soon"}},
		{"fails validation", []string{"transport.overflow_policy", "sideways"}},
		{"unknown provider", []string{"generator.provider", "carrier-pigeon"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := append([]string{"-c", cfgFile, "config", "set"}, tt.args...)
			_, err := executeCommand(rootCmd, args...)
			assert.Error(t, err, "config set %v", tt.args)
		})
	}
	assert.NoFileExists(t, cfgFile, "rejected values were written to the config file")
}

func TestConfigInit(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	output, err := executeCommand(rootCmd, "config", "init")
	require.NoError(t, err)
	assert.Contains(t, output, "Created config file")

	_, err = executeCommand(rootCmd, "config", "init")
	assert.Error(t, err, "second config init should refuse to overwrite")
}
