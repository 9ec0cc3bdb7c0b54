package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Iron-Ham/autowriter/internal/contract"
	"github.com/Iron-Ham/autowriter/internal/errors"
	"github.com/Iron-Ham/autowriter/internal/machine"
	"github.com/Iron-Ham/autowriter/internal/testutil"
)

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func newStore(t *testing.T) (*Store, afero.Fs) {
	t.Helper()
	fs := afero.NewMemMapFs()
	s, err := New(fs, "/data", nil)
	require.NoError(t, err)
	return s, fs
}

func saveSession(t *testing.T, s *Store, id string, created time.Time, phase machine.Phase, updated time.Time) {
	t.Helper()
	require.NoError(t, s.SaveMeta(machine.Meta{ID: id, Objective: "objective " + id, CreatedAt: created}))
	if phase != "" {
		require.NoError(t, s.SaveCheckpoint(machine.Checkpoint{SessionID: id, Phase: phase, UpdatedAt: updated}))
	}
}

func TestStore_MetaAndCheckpoint(t *testing.T) {
	s, fs := newStore(t)

	meta := machine.Meta{ID: "s1", Objective: "Write a report", ReferenceMaterial: "notes", CreatedAt: epoch}
	require.NoError(t, s.SaveMeta(meta))
	assert.True(t, s.Exists("s1"))

	got, err := s.LoadMeta("s1")
	require.NoError(t, err)
	assert.Equal(t, meta, got)

	inv := contract.StageInvocation{
		SessionID: "s1", Stage: contract.StageStructure, Attempt: 1, Sequence: 2,
		Input: json.RawMessage(`{"objective":"Write a report"}`),
	}
	cp := machine.Checkpoint{
		SessionID:   "s1",
		Phase:       machine.PhaseStructuring,
		Sequence:    2,
		Inflight:    &inv,
		LastApplied: map[contract.StageID]uint64{contract.StageResearch: 1},
		UpdatedAt:   epoch.Add(time.Minute),
	}
	require.NoError(t, s.SaveCheckpoint(cp))
	loaded, err := s.LoadCheckpoint("s1")
	require.NoError(t, err)
	require.NotNil(t, loaded.Inflight)
	assert.JSONEq(t, string(inv.Input), string(loaded.Inflight.Input))
	loaded.Inflight.Input = inv.Input
	assert.Equal(t, cp, loaded)

	// No temp files are left behind by atomic writes.
	entries, err := afero.ReadDir(fs, s.SessionDir("s1"))
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp-")
	}
}

func TestStore_MissingAndCorrupted(t *testing.T) {
	s, fs := newStore(t)

	_, err := s.LoadMeta("missing")
	assert.ErrorIs(t, err, errors.ErrSessionNotFound)
	_, err = s.LoadCheckpoint("missing")
	assert.True(t, errors.Is(err, &errors.NotFoundError{}))

	require.NoError(t, s.SaveMeta(machine.Meta{ID: "s1", Objective: "x", CreatedAt: epoch}))
	require.NoError(t, afero.WriteFile(fs, filepath.Join(s.SessionDir("s1"), checkpointFile), []byte("{not json"), 0644))
	_, err = s.LoadCheckpoint("s1")
	assert.ErrorIs(t, err, errors.ErrSessionCorrupted)

	assert.Error(t, s.SaveMeta(machine.Meta{}))
}

func TestStore_Results(t *testing.T) {
	s, _ := newStore(t)
	require.NoError(t, s.SaveMeta(machine.Meta{ID: "s1", Objective: "x", CreatedAt: epoch}))

	results, err := s.ReadResults("s1")
	require.NoError(t, err)
	assert.Empty(t, results)

	research := contract.StageInvocation{SessionID: "s1", Stage: contract.StageResearch, Attempt: 1, Sequence: 1}
	structure := contract.StageInvocation{SessionID: "s1", Stage: contract.StageStructure, Attempt: 1, Sequence: 2}
	require.NoError(t, s.AppendResult(testutil.OK(research)))
	require.NoError(t, s.AppendResult(testutil.Transient(structure)))
	require.NoError(t, s.AppendResult(testutil.OK(structure)))

	results, err = s.ReadResults("s1")
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, contract.StageResearch, results[0].Stage)
	assert.True(t, results[0].OK())
	assert.IsType(t, contract.ResearchBrief{}, results[0].Payload)
	assert.True(t, results[1].Transient())
	assert.IsType(t, contract.StructurePlan{}, results[2].Payload)
}

func TestStore_TornTailIsIgnored(t *testing.T) {
	s, fs := newStore(t)
	require.NoError(t, s.SaveMeta(machine.Meta{ID: "s1", Objective: "x", CreatedAt: epoch}))

	for i := 0; i < 2; i++ {
		require.NoError(t, s.AppendMessage(contract.Message{
			SessionID: "s1", Kind: contract.KindStageStarted, Offset: uint64(i + 1), Sequence: uint64(i + 1),
			Payload: []byte(`{}`), Timestamp: epoch,
		}))
	}
	path := filepath.Join(s.SessionDir("s1"), messagesFile)
	f, err := fs.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0644)
	require.NoError(t, err)
	_, err = f.Write([]byte(`{"session_id":"s1","kind":"stage_`))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	msgs, err := s.ReadMessages("s1", 0)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)

	require.NoError(t, afero.WriteFile(fs, path, []byte("{}\nnot json\n"), 0644))
	_, err = s.ReadMessages("s1", 0)
	assert.ErrorIs(t, err, errors.ErrSessionCorrupted)
}

func TestStore_AppendAfterTornTail(t *testing.T) {
	s, fs := newStore(t)
	require.NoError(t, s.SaveMeta(machine.Meta{ID: "s1", Objective: "x", CreatedAt: epoch}))

	msg := func(offset uint64) contract.Message {
		return contract.Message{
			SessionID: "s1", Kind: contract.KindStageStarted, Offset: offset, Sequence: offset,
			Payload: []byte(`{}`), Timestamp: epoch,
		}
	}
	require.NoError(t, s.AppendMessage(msg(1)))

	path := filepath.Join(s.SessionDir("s1"), messagesFile)
	f, err := fs.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0644)
	require.NoError(t, err)
	_, err = f.Write([]byte(`{"session_id":"s1","kind":"stage_`))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.NoError(t, s.AppendMessage(msg(2)))
	require.NoError(t, s.AppendMessage(msg(3)))

	msgs, err := s.ReadMessages("s1", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	for i, m := range msgs {
		assert.Equal(t, uint64(i+1), m.Offset)
	}

	resPath := filepath.Join(s.SessionDir("s1"), resultsFile)
	require.NoError(t, afero.WriteFile(fs, resPath, []byte(`{"session_id":"s1","sta`), 0644))
	research := contract.StageInvocation{SessionID: "s1", Stage: contract.StageResearch, Attempt: 1, Sequence: 1}
	require.NoError(t, s.AppendResult(testutil.OK(research)))
	results, err := s.ReadResults("s1")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.IsType(t, contract.ResearchBrief{}, results[0].Payload)
}

func TestStore_JournalFiltersByOffset(t *testing.T) {
	s, _ := newStore(t)
	require.NoError(t, s.SaveMeta(machine.Meta{ID: "s1", Objective: "x", CreatedAt: epoch}))

	for i := 1; i <= 5; i++ {
		m := contract.MustMessage("s1", contract.KindStageStarted, contract.StageStarted{Stage: contract.StageResearch})
		m.Offset = uint64(i)
		m.Sequence = uint64(i)
		require.NoError(t, s.AppendMessage(m))
	}

	msgs, err := s.ReadMessages("s1", 3)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, uint64(4), msgs[0].Offset)
	assert.Equal(t, uint64(5), msgs[1].Offset)

	none, err := s.ReadMessages("other", 0)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestStore_Documents(t *testing.T) {
	s, _ := newStore(t)
	require.NoError(t, s.SaveMeta(machine.Meta{ID: "s1", Objective: "x", CreatedAt: epoch}))

	_, err := s.LatestDocument("s1")
	assert.True(t, errors.Is(err, &errors.NotFoundError{}))

	var sections []contract.Section
	for v := uint64(0); v <= 11; v++ {
		if v > 0 {
			sections = append(sections, contract.Section{Title: "Section", Content: "text"})
		}
		doc := contract.Document{SessionID: "s1", Title: "Report", Sections: sections, Version: v, UpdatedAt: epoch}
		require.NoError(t, s.SaveDocument(doc))
	}

	versions, err := s.DocumentVersions("s1")
	require.NoError(t, err)
	require.Len(t, versions, 12)
	assert.Equal(t, uint64(11), versions[len(versions)-1])

	latest, err := s.LatestDocument("s1")
	require.NoError(t, err)
	assert.Equal(t, uint64(11), latest.Version)
	assert.Len(t, latest.Sections, 11)

	v2, err := s.LoadDocument("s1", 2)
	require.NoError(t, err)
	assert.Len(t, v2.Sections, 2)

	_, err = s.LoadDocument("s1", 99)
	assert.True(t, errors.Is(err, &errors.NotFoundError{}))
}

func TestStore_ListSessions(t *testing.T) {
	s, fs := newStore(t)
	saveSession(t, s, "b", epoch.Add(time.Hour), machine.PhaseDrafting, epoch.Add(2*time.Hour))
	saveSession(t, s, "a", epoch, machine.PhaseFailed, epoch.Add(time.Hour))
	saveSession(t, s, "c", epoch.Add(2*time.Hour), "", time.Time{})
	require.NoError(t, fs.MkdirAll(filepath.Join(s.Root(), sessionsDir, "junk"), 0755))

	list, err := s.ListSessions()
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, []string{"a", "b", "c"}, []string{list[0].ID, list[1].ID, list[2].ID})
	assert.Equal(t, machine.PhaseFailed, list[0].Phase)
	assert.True(t, list[0].Terminal())
	assert.Equal(t, machine.PhaseCreated, list[2].Phase)
	assert.Equal(t, epoch.Add(2*time.Hour), list[2].UpdatedAt)
}

func TestStore_Prune(t *testing.T) {
	s, _ := newStore(t)
	saveSession(t, s, "old-done", epoch, machine.PhaseCompleted, epoch)
	saveSession(t, s, "old-failed", epoch, machine.PhaseFailed, epoch)
	saveSession(t, s, "old-paused", epoch, machine.PhasePaused, epoch)
	saveSession(t, s, "new-done", epoch, machine.PhaseCompleted, epoch.Add(48*time.Hour))

	pruned, err := s.Prune(epoch.Add(24 * time.Hour))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"old-done", "old-failed"}, pruned)

	assert.False(t, s.Exists("old-done"))
	assert.True(t, s.Exists("old-paused"))
	assert.True(t, s.Exists("new-done"))

	assert.ErrorIs(t, s.Delete("old-done"), errors.ErrSessionNotFound)
}

func TestStore_Lock(t *testing.T) {
	s, fs := newStore(t)

	lock, err := s.AcquireLock()
	require.NoError(t, err)
	holder, ok := s.Holder()
	require.True(t, ok)
	assert.Equal(t, os.Getpid(), holder.PID)

	_, err = s.AcquireLock()
	assert.ErrorIs(t, err, errors.ErrSessionLocked)

	require.NoError(t, lock.Release())
	require.NoError(t, lock.Release())
	_, ok = s.Holder()
	assert.False(t, ok)

	// A lock left by a dead process is reclaimed.
	orig := processAlive
	processAlive = func(pid int) bool { return pid == os.Getpid() }
	t.Cleanup(func() { processAlive = orig })

	stale := []byte(`{"pid": 4242, "hostname": "elsewhere", "started_at": "2026-01-01T00:00:00Z"}`)
	require.NoError(t, afero.WriteFile(fs, filepath.Join(s.Root(), LockFileName), stale, 0644))
	lock, err = s.AcquireLock()
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), lock.PID)
	require.NoError(t, lock.Release())
}
