package events

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileLog appends records to a JSON-lines file and serves reads from memory.
type FileLog struct {
	path string
	mu   sync.Mutex
	recs []Record
	seq  uint64
}

func NewFileLog(path string) (*FileLog, error) {
	fl := &FileLog{path: path}
	if err := fl.load(); err != nil {
		return nil, err
	}
	return fl, nil
}

func (f *FileLog) load() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	blob, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	sc := bufio.NewScanner(bytes.NewReader(blob))
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			return fmt.Errorf("decode event log line: %w", err)
		}
		f.recs = append(f.recs, rec)
		if rec.Seq > f.seq {
			f.seq = rec.Seq
		}
	}
	return sc.Err()
}

func (f *FileLog) Append(_ context.Context, recs ...Record) ([]Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	seq := f.seq
	stamped := stamp(recs, func() uint64 { seq++; return seq }, now(nil))

	var buf bytes.Buffer
	for _, r := range stamped {
		line, err := json.Marshal(r)
		if err != nil {
			return nil, err
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}

	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return nil, err
	}
	fh, err := os.OpenFile(f.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	defer fh.Close()
	if _, err := fh.Write(buf.Bytes()); err != nil {
		return nil, err
	}
	if err := fh.Sync(); err != nil {
		return nil, err
	}

	f.seq = seq
	f.recs = append(f.recs, stamped...)
	return stamped, nil
}

func (f *FileLog) List(_ context.Context, flt Filter) ([]Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return filter(f.recs, flt), nil
}
