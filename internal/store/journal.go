package store

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"os"

	"github.com/Iron-Ham/autowriter/internal/contract"
	"github.com/Iron-Ham/autowriter/internal/errors"
	"github.com/spf13/afero"
)

// AppendResult records a StageResult in the session's result history.
func (s *Store) AppendResult(res contract.StageResult) error {
	return s.appendLine(s.path(res.SessionID, resultsFile), res)
}

// ReadResults returns the session's result history in the order it was
// recorded.
func (s *Store) ReadResults(sessionID string) ([]contract.StageResult, error) {
	var out []contract.StageResult
	err := s.readLines(s.path(sessionID, resultsFile), func(line []byte) error {
		var res contract.StageResult
		if err := json.Unmarshal(line, &res); err != nil {
			return err
		}
		out = append(out, res)
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "read results of session %s", sessionID)
	}
	return out, nil
}

// AppendMessage records a sequenced bus message. It implements the bus
// journal.
func (s *Store) AppendMessage(msg contract.Message) error {
	return s.appendLine(s.path(msg.SessionID, messagesFile), msg)
}

// ReadMessages returns the session's journaled messages with an offset
// greater than after, in offset order.
func (s *Store) ReadMessages(sessionID string, after uint64) ([]contract.Message, error) {
	var out []contract.Message
	err := s.readLines(s.path(sessionID, messagesFile), func(line []byte) error {
		var msg contract.Message
		if err := json.Unmarshal(line, &msg); err != nil {
			return err
		}
		if msg.Offset > after {
			out = append(out, msg)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "read journal of session %s", sessionID)
	}
	return out, nil
}

func (s *Store) appendLine(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "marshal record")
	}
	data = append(data, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.fs.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return errors.Wrapf(err, "open %s", path)
	}
	end, err := s.repairTail(f, path)
	if err != nil {
		f.Close()
		return err
	}
	if _, err := f.WriteAt(data, end); err != nil {
		f.Close()
		return errors.Wrapf(err, "append to %s", path)
	}
	return f.Close()
}

// repairTail cuts a record left unterminated by a crash so the next record
// starts on its own line. It returns the offset to append at.
func (s *Store) repairTail(f afero.File, path string) (int64, error) {
	info, err := f.Stat()
	if err != nil {
		return 0, errors.Wrapf(err, "stat %s", path)
	}
	size := info.Size()
	if size == 0 {
		return 0, nil
	}
	last := make([]byte, 1)
	if _, err := f.ReadAt(last, size-1); err != nil {
		return 0, errors.Wrapf(err, "read %s", path)
	}
	if last[0] == '\n' {
		return size, nil
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return 0, errors.Wrapf(err, "seek %s", path)
	}
	content, err := io.ReadAll(f)
	if err != nil {
		return 0, errors.Wrapf(err, "read %s", path)
	}
	keep := int64(bytes.LastIndexByte(content, '\n') + 1)
	if err := f.Truncate(keep); err != nil {
		return 0, errors.Wrapf(err, "truncate %s", path)
	}
	s.logger.Warn("dropped torn record before append", "path", path, "bytes", size-keep)
	return keep, nil
}

// readLines hands each newline-terminated record to decode. A missing file
// is an empty history. A final record without its newline was cut short by
// a crash and is skipped; any other malformed record means the file is
// corrupted.
func (s *Store) readLines(path string, decode func([]byte) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.fs.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	for {
		line, err := r.ReadBytes('\n')
		if err == io.EOF {
			if len(bytes.TrimSpace(line)) > 0 {
				s.logger.Warn("ignoring torn record at end of file", "path", path)
			}
			return nil
		}
		if err != nil {
			return errors.Wrapf(err, "read %s", path)
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		if err := decode(line); err != nil {
			return errors.NewSessionError("malformed record in "+path, errors.ErrSessionCorrupted).
				WithSeverity(errors.SeverityError)
		}
	}
}
