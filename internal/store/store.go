// Package store persists session state under a storage root.
//
// Every session owns a directory:
//
//	{root}/sessions/{id}/
//	  session.json        creation metadata (machine.Meta)
//	  checkpoint.json     machine state (machine.Checkpoint)
//	  results.jsonl       accepted and failed StageResults, append-only
//	  messages.jsonl      the bus journal, append-only
//	  documents/v{N}.json document snapshots
//
// Whole-file writes are atomic (temp file + rename). JSONL files are
// appended one record per line; a torn trailing line left by a crash is
// ignored on read.
package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/spf13/afero"

	"github.com/Iron-Ham/autowriter/internal/errors"
	"github.com/Iron-Ham/autowriter/internal/logging"
	"github.com/Iron-Ham/autowriter/internal/machine"
)

const (
	sessionsDir    = "sessions"
	metaFile       = "session.json"
	checkpointFile = "checkpoint.json"
	resultsFile    = "results.jsonl"
	messagesFile   = "messages.jsonl"
	documentsDir   = "documents"
)

// Store is a filesystem-backed session store. It is safe for concurrent use.
type Store struct {
	fs     afero.Fs
	root   string
	logger *logging.Logger

	// mu serializes appends so concurrent writers never interleave lines.
	mu sync.Mutex
}

// New creates a Store rooted at root on fs.
func New(fs afero.Fs, root string, logger *logging.Logger) (*Store, error) {
	if logger == nil {
		logger = logging.NopLogger()
	}
	if err := fs.MkdirAll(filepath.Join(root, sessionsDir), 0755); err != nil {
		return nil, errors.Wrapf(err, "create storage root %s", root)
	}
	return &Store{fs: fs, root: root, logger: logger.WithComponent("store")}, nil
}

// NewOS creates a Store on the operating system filesystem.
func NewOS(root string, logger *logging.Logger) (*Store, error) {
	return New(afero.NewOsFs(), root, logger)
}

// Root returns the storage root.
func (s *Store) Root() string {
	return s.root
}

// SessionDir returns the directory holding a session's files.
func (s *Store) SessionDir(id string) string {
	return filepath.Join(s.root, sessionsDir, id)
}

func (s *Store) path(id string, elem ...string) string {
	return filepath.Join(append([]string{s.SessionDir(id)}, elem...)...)
}

// Exists reports whether a session directory exists.
func (s *Store) Exists(id string) bool {
	ok, err := afero.DirExists(s.fs, s.SessionDir(id))
	return err == nil && ok
}

// SaveMeta writes a session's creation metadata, creating its directory.
func (s *Store) SaveMeta(meta machine.Meta) error {
	if meta.ID == "" {
		return errors.NewValidationError("session id is required").WithField("id")
	}
	if err := s.fs.MkdirAll(s.path(meta.ID, documentsDir), 0755); err != nil {
		return errors.Wrapf(err, "create session directory %s", meta.ID)
	}
	return s.writeJSON(s.path(meta.ID, metaFile), meta)
}

// LoadMeta reads a session's creation metadata.
func (s *Store) LoadMeta(id string) (machine.Meta, error) {
	var meta machine.Meta
	if err := s.readJSON(s.path(id, metaFile), &meta); err != nil {
		return machine.Meta{}, s.notFound(err, "session", id)
	}
	return meta, nil
}

// SaveCheckpoint writes a session's machine state.
func (s *Store) SaveCheckpoint(cp machine.Checkpoint) error {
	return s.writeJSON(s.path(cp.SessionID, checkpointFile), cp)
}

// LoadCheckpoint reads a session's machine state.
func (s *Store) LoadCheckpoint(id string) (machine.Checkpoint, error) {
	var cp machine.Checkpoint
	if err := s.readJSON(s.path(id, checkpointFile), &cp); err != nil {
		return machine.Checkpoint{}, s.notFound(err, "checkpoint", id)
	}
	return cp, nil
}

// Info summarizes a persisted session.
type Info struct {
	machine.Meta `yaml:",inline"`

	Phase     machine.Phase `json:"phase" yaml:"phase"`
	UpdatedAt time.Time     `json:"updated_at" yaml:"updated_at"`
	Failure   string        `json:"failure,omitempty" yaml:"failure,omitempty"`
}

// Terminal reports whether the session reached completed or failed.
func (i Info) Terminal() bool {
	return i.Phase.IsTerminal()
}

// ListSessions returns every readable persisted session ordered by creation
// time. Directories without valid metadata are skipped and logged.
func (s *Store) ListSessions() ([]Info, error) {
	entries, err := afero.ReadDir(s.fs, filepath.Join(s.root, sessionsDir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "list sessions")
	}

	var out []Info
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		info, err := s.Info(e.Name())
		if err != nil {
			s.logger.WithSession(e.Name()).Warn("skipping unreadable session", "error", err)
			continue
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Info summarizes one persisted session. A session without a checkpoint is
// reported in the created phase.
func (s *Store) Info(id string) (Info, error) {
	meta, err := s.LoadMeta(id)
	if err != nil {
		return Info{}, err
	}
	info := Info{Meta: meta, Phase: machine.PhaseCreated, UpdatedAt: meta.CreatedAt}
	cp, err := s.LoadCheckpoint(id)
	switch {
	case err == nil:
		info.Phase = cp.Phase
		info.UpdatedAt = cp.UpdatedAt
		if cp.Failure != nil {
			info.Failure = cp.Failure.Message
		}
	case !errors.Is(err, &errors.NotFoundError{}):
		return Info{}, err
	}
	return info, nil
}

// Delete removes a session and all of its files.
func (s *Store) Delete(id string) error {
	if !s.Exists(id) {
		return errors.NewNotFoundError("session", id).WithCause(errors.ErrSessionNotFound)
	}
	if err := s.fs.RemoveAll(s.SessionDir(id)); err != nil {
		return errors.Wrapf(err, "delete session %s", id)
	}
	return nil
}

// Prune deletes terminal sessions last updated before cutoff and returns
// their ids. Active and paused sessions are never pruned.
func (s *Store) Prune(cutoff time.Time) ([]string, error) {
	sessions, err := s.ListSessions()
	if err != nil {
		return nil, err
	}
	var pruned []string
	for _, info := range sessions {
		if !info.Terminal() || !info.UpdatedAt.Before(cutoff) {
			continue
		}
		if err := s.Delete(info.ID); err != nil {
			return pruned, err
		}
		s.logger.WithSession(info.ID).Info("session pruned",
			"phase", string(info.Phase), "updated_at", info.UpdatedAt)
		pruned = append(pruned, info.ID)
	}
	return pruned, nil
}

func (s *Store) notFound(err error, resource, id string) error {
	if os.IsNotExist(err) {
		nf := errors.NewNotFoundError(resource, id)
		if resource == "session" {
			nf = nf.WithCause(errors.ErrSessionNotFound)
		}
		return nf
	}
	return err
}

func (s *Store) writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.Wrapf(err, "marshal %s", filepath.Base(path))
	}
	return atomicWriteFile(s.fs, path, data, 0644)
}

func (s *Store) readJSON(path string, v any) error {
	data, err := afero.ReadFile(s.fs, path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return errors.NewSessionError("parse "+filepath.Base(path), errors.ErrSessionCorrupted).
			WithSessionID(filepath.Base(filepath.Dir(path)))
	}
	return nil
}

// atomicWriteFile writes data to a temporary file in the target directory,
// syncs it and renames it into place, so path is never partially written.
func atomicWriteFile(fs afero.Fs, path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := fs.MkdirAll(dir, 0755); err != nil {
		return errors.Wrapf(err, "create directory %s", dir)
	}

	tmp, err := afero.TempFile(fs, dir, ".tmp-*")
	if err != nil {
		return errors.Wrap(err, "create temp file")
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = fs.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.Wrap(err, "write temp file")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errors.Wrap(err, "sync temp file")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "close temp file")
	}
	if err := fs.Chmod(tmpPath, perm); err != nil {
		return errors.Wrap(err, "set permissions")
	}
	if err := fs.Rename(tmpPath, path); err != nil {
		return errors.Wrap(err, "rename temp file")
	}

	success = true
	return nil
}
