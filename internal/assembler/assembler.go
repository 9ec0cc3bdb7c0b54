// Package assembler builds each session's document incrementally from
// accepted drafting results.
//
// A Document is append-only: every appended section produces a new version
// and a document_updated message carrying the full snapshot. Because
// versions only ever add one section, version v of a document is the first
// v-base sections, where base is the version at which the section list was
// last empty. Older versions are read back from the store.
package assembler

import (
	"fmt"
	"sync"
	"time"

	"github.com/Iron-Ham/autowriter/internal/contract"
	"github.com/Iron-Ham/autowriter/internal/errors"
	"github.com/Iron-Ham/autowriter/internal/logging"
)

// Store persists document snapshots.
type Store interface {
	SaveDocument(doc contract.Document) error
	LoadDocument(sessionID string, version uint64) (contract.Document, error)
}

type entry struct {
	title    string
	sections []contract.Section
	times    []time.Time
	version  uint64
	base     uint64
	baseTime time.Time
}

func (e *entry) snapshot(sessionID string, version uint64) contract.Document {
	n := int(version - e.base)
	doc := contract.Document{
		SessionID: sessionID,
		Title:     e.title,
		Sections:  append(make([]contract.Section, 0, n), e.sections[:n]...),
		Version:   version,
		UpdatedAt: e.baseTime,
	}
	if n > 0 {
		doc.UpdatedAt = e.times[n-1]
	}
	return doc
}

// Assembler owns the documents of every live session. It is safe for
// concurrent use.
type Assembler struct {
	mu     sync.Mutex
	docs   map[string]*entry
	store  Store
	logger *logging.Logger
	now    func() time.Time
}

// New creates an Assembler. store may be nil, in which case nothing is
// persisted and only in-memory versions can be read.
func New(store Store, logger *logging.Logger) *Assembler {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Assembler{
		docs:   make(map[string]*entry),
		store:  store,
		logger: logger.WithComponent("assembler"),
		now:    time.Now,
	}
}

// Create starts an empty document at version 0.
func (a *Assembler) Create(sessionID, title string) (contract.Document, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.docs[sessionID]; ok {
		return contract.Document{}, errors.NewAlreadyExistsError("document", sessionID)
	}
	e := &entry{title: title, baseTime: a.now()}
	a.docs[sessionID] = e
	doc := e.snapshot(sessionID, 0)
	a.persist(doc)
	return doc, nil
}

// Load adopts a persisted snapshot as the session's current document.
func (a *Assembler) Load(doc contract.Document) {
	a.mu.Lock()
	defer a.mu.Unlock()

	e := &entry{
		title:    doc.Title,
		sections: append([]contract.Section(nil), doc.Sections...),
		version:  doc.Version,
		baseTime: doc.UpdatedAt,
	}
	if n := uint64(len(doc.Sections)); n <= doc.Version {
		e.base = doc.Version - n
	}
	e.times = make([]time.Time, len(doc.Sections))
	for i := range e.times {
		e.times[i] = doc.UpdatedAt
	}
	a.docs[doc.SessionID] = e
}

// Remove forgets a session's document.
func (a *Assembler) Remove(sessionID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.docs, sessionID)
}

// Filter selects the messages the assembler handles.
func (a *Assembler) Filter(msg contract.Message) bool {
	return msg.Kind == contract.KindStageCompleted
}

// Handle appends the sections carried by an accepted stage result, in
// order, and returns one document_updated message per append. Results
// without sections are ignored.
func (a *Assembler) Handle(msg contract.Message) ([]contract.Message, error) {
	res, err := msg.Result()
	if err != nil {
		return nil, err
	}
	src, ok := res.Payload.(contract.SectionSource)
	if !ok || !res.OK() {
		return nil, nil
	}

	sections := src.Sections()
	out := make([]contract.Message, 0, len(sections))
	for _, s := range sections {
		update, err := a.Append(msg.SessionID, s)
		if err != nil {
			return out, err
		}
		out = append(out, update)
	}
	return out, nil
}

// Append adds one section and returns the document_updated message for the
// new version.
func (a *Assembler) Append(sessionID string, section contract.Section) (contract.Message, error) {
	a.mu.Lock()
	e, ok := a.docs[sessionID]
	if !ok {
		a.mu.Unlock()
		return contract.Message{}, errors.NewNotFoundError("document", sessionID)
	}
	e.sections = append(e.sections, section)
	e.times = append(e.times, a.now())
	e.version++
	doc := e.snapshot(sessionID, e.version)
	a.mu.Unlock()

	a.persist(doc)
	return contract.NewMessage(sessionID, contract.KindDocumentUpdated, contract.DocumentUpdate{
		Version:  doc.Version,
		Appended: section,
		Document: &doc,
	})
}

// Reset starts a fresh section list at the next version, for sessions that
// restart the pipeline. Earlier versions stay readable from the store.
func (a *Assembler) Reset(sessionID string) (contract.Message, error) {
	a.mu.Lock()
	e, ok := a.docs[sessionID]
	if !ok {
		a.mu.Unlock()
		return contract.Message{}, errors.NewNotFoundError("document", sessionID)
	}
	e.version++
	e.base = e.version
	e.sections = nil
	e.times = nil
	e.baseTime = a.now()
	doc := e.snapshot(sessionID, e.version)
	a.mu.Unlock()

	a.persist(doc)
	return contract.NewMessage(sessionID, contract.KindDocumentUpdated, contract.DocumentUpdate{
		Version:  doc.Version,
		Document: &doc,
	})
}

func (a *Assembler) persist(doc contract.Document) {
	if a.store == nil {
		return
	}
	if err := a.store.SaveDocument(doc); err != nil {
		a.logger.WithSession(doc.SessionID).Error("persist document snapshot failed",
			"version", doc.Version, "error", err)
	}
}

// Snapshot returns the current document.
func (a *Assembler) Snapshot(sessionID string) (contract.Document, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	e, ok := a.docs[sessionID]
	if !ok {
		return contract.Document{}, errors.NewNotFoundError("document", sessionID)
	}
	return e.snapshot(sessionID, e.version), nil
}

// SnapshotAt returns the document as it was at version.
func (a *Assembler) SnapshotAt(sessionID string, version uint64) (contract.Document, error) {
	a.mu.Lock()
	e, ok := a.docs[sessionID]
	if !ok {
		a.mu.Unlock()
		return contract.Document{}, errors.NewNotFoundError("document", sessionID)
	}
	if version > e.version {
		a.mu.Unlock()
		return contract.Document{}, errors.NewNotFoundError("document version", versionID(sessionID, version))
	}
	if version >= e.base {
		doc := e.snapshot(sessionID, version)
		a.mu.Unlock()
		return doc, nil
	}
	a.mu.Unlock()

	if a.store == nil {
		return contract.Document{}, errors.NewNotFoundError("document version", versionID(sessionID, version))
	}
	return a.store.LoadDocument(sessionID, version)
}

func versionID(sessionID string, version uint64) string {
	return fmt.Sprintf("%s@v%d", sessionID, version)
}
