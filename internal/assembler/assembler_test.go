package assembler

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Iron-Ham/autowriter/internal/contract"
	"github.com/Iron-Ham/autowriter/internal/errors"
	"github.com/Iron-Ham/autowriter/internal/testutil"
)

type memStore struct {
	mu   sync.Mutex
	docs map[string]contract.Document
	fail bool
}

func newMemStore() *memStore {
	return &memStore{docs: make(map[string]contract.Document)}
}

func key(id string, v uint64) string { return fmt.Sprintf("%s/%d", id, v) }

func (s *memStore) SaveDocument(doc contract.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("disk full")
	}
	s.docs[key(doc.SessionID, doc.Version)] = doc.Clone()
	return nil
}

func (s *memStore) LoadDocument(id string, v uint64) (contract.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[key(id, v)]
	if !ok {
		return contract.Document{}, errors.NewNotFoundError("document", key(id, v))
	}
	return doc, nil
}

func completed(t *testing.T, stage contract.StageID) contract.Message {
	t.Helper()
	inv := contract.StageInvocation{SessionID: "s1", Stage: stage, Attempt: 1, Sequence: 4}
	m, err := contract.NewMessage("s1", contract.KindStageCompleted, testutil.OK(inv))
	require.NoError(t, err)
	return m
}

func TestAssembler_AppendsDraftsInOrder(t *testing.T) {
	store := newMemStore()
	a := New(store, nil)
	doc, err := a.Create("s1", "Fleet electrification")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), doc.Version)
	assert.Empty(t, doc.Sections)

	msg := completed(t, contract.StageDrafting)
	require.True(t, a.Filter(msg))
	updates, err := a.Handle(msg)
	require.NoError(t, err)
	require.Len(t, updates, 3)

	for i, u := range updates {
		assert.Equal(t, contract.KindDocumentUpdated, u.Kind)
		var payload contract.DocumentUpdate
		require.NoError(t, u.Decode(&payload))
		assert.Equal(t, uint64(i+1), payload.Version)
		assert.Equal(t, testutil.Tasks().Tasks[i].SectionTitle, payload.Appended.Title)
		require.NotNil(t, payload.Document)
		assert.Len(t, payload.Document.Sections, i+1)
	}

	doc, err = a.Snapshot("s1")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), doc.Version)
	assert.Equal(t, "Fleet electrification", doc.Title)
	assert.Equal(t, []string{"Overview", "Costs", "Rollout"}, titles(doc))
	assert.Len(t, store.docs, 4, "every version is persisted")
}

func titles(doc contract.Document) []string {
	var out []string
	for _, s := range doc.Sections {
		out = append(out, s.Title)
	}
	return out
}

func TestAssembler_IgnoresResultsWithoutSections(t *testing.T) {
	a := New(nil, nil)
	_, err := a.Create("s1", "t")
	require.NoError(t, err)

	for _, stage := range []contract.StageID{contract.StageResearch, contract.StageStructure, contract.StagePlanning} {
		updates, err := a.Handle(completed(t, stage))
		require.NoError(t, err)
		assert.Empty(t, updates)
	}
	doc, err := a.Snapshot("s1")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), doc.Version)
	assert.False(t, a.Filter(contract.MustMessage("s1", contract.KindStageFailed, map[string]string{})))
}

func TestAssembler_SnapshotAtIsSideEffectFree(t *testing.T) {
	a := New(nil, nil)
	_, err := a.Create("s1", "t")
	require.NoError(t, err)
	_, err = a.Handle(completed(t, contract.StageDrafting))
	require.NoError(t, err)

	v1, err := a.SnapshotAt("s1", 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"Overview"}, titles(v1))

	v1.Sections[0].Title = "mutated"
	again, err := a.SnapshotAt("s1", 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"Overview"}, titles(again))

	cur, err := a.Snapshot("s1")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), cur.Version)

	_, err = a.SnapshotAt("s1", 4)
	assert.True(t, errors.Is(err, &errors.NotFoundError{}))
	_, err = a.Snapshot("missing")
	assert.Error(t, err)
}

func TestAssembler_ResetKeepsHistoryInStore(t *testing.T) {
	store := newMemStore()
	a := New(store, nil)
	_, err := a.Create("s1", "t")
	require.NoError(t, err)
	_, err = a.Handle(completed(t, contract.StageDrafting))
	require.NoError(t, err)

	msg, err := a.Reset("s1")
	require.NoError(t, err)
	var update contract.DocumentUpdate
	require.NoError(t, msg.Decode(&update))
	assert.Equal(t, uint64(4), update.Version)
	assert.Empty(t, update.Document.Sections)

	_, err = a.Append("s1", contract.Section{Title: "Fresh", Content: "x"})
	require.NoError(t, err)

	v5, err := a.SnapshotAt("s1", 5)
	require.NoError(t, err)
	assert.Equal(t, []string{"Fresh"}, titles(v5))

	v2, err := a.SnapshotAt("s1", 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"Overview", "Costs"}, titles(v2))
}

func TestAssembler_Load(t *testing.T) {
	a := New(nil, nil)
	a.Load(contract.Document{
		SessionID: "s1",
		Title:     "t",
		Sections:  []contract.Section{{Title: "A"}, {Title: "B"}},
		Version:   2,
	})

	_, err := a.Append("s1", contract.Section{Title: "C"})
	require.NoError(t, err)
	doc, err := a.Snapshot("s1")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), doc.Version)
	assert.Equal(t, []string{"A", "B", "C"}, titles(doc))

	v1, err := a.SnapshotAt("s1", 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"A"}, titles(v1))

	_, err = a.Create("s1", "again")
	assert.Error(t, err)
	a.Remove("s1")
	_, err = a.Create("s1", "again")
	assert.NoError(t, err)
}

func TestAssembler_PersistFailureStillUpdates(t *testing.T) {
	store := newMemStore()
	a := New(store, nil)
	_, err := a.Create("s1", "t")
	require.NoError(t, err)

	store.fail = true
	updates, err := a.Handle(completed(t, contract.StageDrafting))
	require.NoError(t, err)
	assert.Len(t, updates, 3)
}
