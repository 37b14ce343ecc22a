package supervisor

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/benaskins/troupe/internal/driver"
	"github.com/benaskins/troupe/internal/spec"
)

// Record is the persisted trace of a launched service, kept until the
// process is confirmed gone so a later invocation can find and reclaim it.
type Record struct {
	Service   string          `json:"service"`
	RunID     string          `json:"run_id"`
	Type      string          `json:"type"`
	Identity  driver.Identity `json:"identity"`
	Container string          `json:"container,omitempty"`
	Port      int             `json:"port"`
	Command   string          `json:"command,omitempty"`
	LogPath   string          `json:"log_path,omitempty"`
	StartedAt time.Time       `json:"started_at"`
}

// recordStore keeps one <service>.pid file per service in a directory.
type recordStore struct {
	dir string
	mu  sync.Mutex
}

func newRecordStore(stateDir string) *recordStore {
	return &recordStore{dir: filepath.Join(stateDir, "pids")}
}

func (rs *recordStore) path(service string) string {
	return filepath.Join(rs.dir, service+".pid")
}

func (rs *recordStore) save(rec Record) error {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if err := os.MkdirAll(rs.dir, 0700); err != nil {
		return fmt.Errorf("creating record directory: %w", err)
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding record: %w", err)
	}

	path := rs.path(rec.Service)
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("writing record: %w", err)
	}
	return os.Rename(tmpPath, path)
}

func (rs *recordStore) remove(service string) error {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if err := os.Remove(rs.path(service)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing record for %s: %w", service, err)
	}
	return nil
}

func (rs *recordStore) load(service string) (Record, bool, error) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.loadUnsafe(rs.path(service))
}

// loadUnsafe reads without locking; caller must hold rs.mu.
func (rs *recordStore) loadUnsafe(path string) (Record, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Record{}, false, nil
		}
		return Record{}, false, fmt.Errorf("reading record: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, false, fmt.Errorf("parsing record %s: %w", path, err)
	}
	return rec, true, nil
}

// all returns every readable record, oldest launch first. Unparseable files
// are reported through bad and left in place for the operator.
func (rs *recordStore) all() (recs []Record, bad []string, err error) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	entries, err := os.ReadDir(rs.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("listing records: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".pid") {
			continue
		}
		path := filepath.Join(rs.dir, e.Name())
		rec, ok, err := rs.loadUnsafe(path)
		if err != nil {
			bad = append(bad, path)
			continue
		}
		if ok {
			recs = append(recs, rec)
		}
	}
	sort.SliceStable(recs, func(i, j int) bool {
		return recs[i].StartedAt.Before(recs[j].StartedAt)
	})
	return recs, bad, nil
}

// inShutdownOrder orders records so every dependent comes before what it
// depends on. Records of services reg no longer describes come first,
// newest launch first.
func inShutdownOrder(reg *spec.Registry, recs []Record) []Record {
	byName := make(map[string]Record, len(recs))
	names := make([]string, 0, len(recs))
	for i := len(recs) - 1; i >= 0; i-- {
		byName[recs[i].Service] = recs[i]
		names = append(names, recs[i].Service)
	}
	out := make([]Record, 0, len(recs))
	for _, name := range reg.ShutdownOrder(names) {
		out = append(out, byName[name])
	}
	return out
}
