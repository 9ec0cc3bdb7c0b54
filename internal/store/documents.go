package store

import (
	"fmt"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/spf13/afero"

	"github.com/Iron-Ham/autowriter/internal/contract"
	"github.com/Iron-Ham/autowriter/internal/errors"
)

func documentName(version uint64) string {
	return fmt.Sprintf("v%d.json", version)
}

// SaveDocument writes one document snapshot. It implements the assembler
// store.
func (s *Store) SaveDocument(doc contract.Document) error {
	return s.writeJSON(s.path(doc.SessionID, documentsDir, documentName(doc.Version)), doc)
}

// LoadDocument reads the snapshot of one document version.
func (s *Store) LoadDocument(sessionID string, version uint64) (contract.Document, error) {
	var doc contract.Document
	if err := s.readJSON(s.path(sessionID, documentsDir, documentName(version)), &doc); err != nil {
		return contract.Document{}, s.notFound(err, "document version", fmt.Sprintf("%s@v%d", sessionID, version))
	}
	return doc, nil
}

// LatestDocument reads the highest persisted document version.
func (s *Store) LatestDocument(sessionID string) (contract.Document, error) {
	versions, err := s.DocumentVersions(sessionID)
	if err != nil {
		return contract.Document{}, err
	}
	if len(versions) == 0 {
		return contract.Document{}, errors.NewNotFoundError("document", sessionID)
	}
	return s.LoadDocument(sessionID, versions[len(versions)-1])
}

// DocumentVersions lists the persisted versions of a session's document in
// ascending order.
func (s *Store) DocumentVersions(sessionID string) ([]uint64, error) {
	entries, err := afero.ReadDir(s.fs, s.path(sessionID, documentsDir))
	if err != nil {
		return nil, s.notFound(err, "document", sessionID)
	}
	var versions []uint64
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, "v") || filepath.Ext(name) != ".json" {
			continue
		}
		v, err := strconv.ParseUint(strings.TrimSuffix(name[1:], ".json"), 10, 64)
		if err != nil {
			continue
		}
		versions = append(versions, v)
	}
	// ReadDir sorts by name, which puts v10 before v2.
	slices.Sort(versions)
	return versions, nil
}
