// Package printrecord persists one small JSON record per print so an agent
// restart mid-print can recover its context. Records are keyed by the print
// cookie (project id + filename) and live as individual files on disk, one
// per cookie, much like a tiny event buffer.
package printrecord

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const printIDLength = 60

const printIDAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// Record is the durable per-print state. Mutations go through the setters so
// every change lands on disk immediately.
type Record struct {
	PrintCookie        string  `json:"PrintCookie"`
	PrintID            string  `json:"PrintId"`
	StartTimeSec       int64   `json:"PrintStartTimeSec"`
	FileName           string  `json:"FileName"`
	FileSizeKBytes     int64   `json:"FileSizeKBytes"`
	EstFilamentUsageMm float64 `json:"EstFilamentUsageMm"`
	FinalDurationSec   int64   `json:"FinalPrintDurationSec"`

	store *Store
}

type Store struct {
	mu  sync.Mutex
	dir string

	now func() time.Time // stubbed in tests
}

func NewStore(stateDir string) (*Store, error) {
	dir := filepath.Join(stateDir, "PrintInfos")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating print records dir: %w", err)
	}
	return &Store{dir: dir, now: time.Now}, nil
}

// GetOrNull returns the record for the given cookie, or nil if none exists.
// Any file for a different cookie is removed while walking the directory -
// only one print can be current, so anything else is stale.
func (s *Store) GetOrNull(cookie string) *Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	files, err := os.ReadDir(s.dir)
	if err != nil {
		slog.Error("failed to list print records", "error", err)
		return nil
	}

	var found *Record
	for _, f := range files {
		full := filepath.Join(s.dir, f.Name())
		if !strings.HasSuffix(f.Name(), ".json") || strings.TrimSuffix(f.Name(), ".json") != cookie {
			os.Remove(full)
			continue
		}
		raw, err := os.ReadFile(full)
		if err != nil {
			slog.Error("failed to read print record", "error", err, "cookie", cookie)
			os.Remove(full)
			continue
		}
		rec := &Record{}
		if err := json.Unmarshal(raw, rec); err != nil {
			slog.Error("discarding unparsable print record", "error", err, "cookie", cookie)
			os.Remove(full)
			continue
		}
		rec.store = s
		found = rec
	}
	return found
}

// CreateNew starts a record for a new print and persists it.
func (s *Store) CreateNew(cookie, fileName string) *Record {
	rec := &Record{
		PrintCookie:  cookie,
		PrintID:      newPrintID(),
		StartTimeSec: s.now().Unix(),
		FileName:     fileName,
		store:        s,
	}
	s.mu.Lock()
	s.save(rec)
	s.mu.Unlock()
	return rec
}

// ClearAll removes every record on disk.
func (s *Store) ClearAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	files, err := os.ReadDir(s.dir)
	if err != nil {
		slog.Error("failed to list print records", "error", err)
		return
	}
	for _, f := range files {
		os.Remove(filepath.Join(s.dir, f.Name()))
	}
}

func (s *Store) save(rec *Record) {
	js, err := json.Marshal(rec)
	if err != nil {
		slog.Error("failed to marshal print record", "error", err, "cookie", rec.PrintCookie)
		return
	}
	tmp := filepath.Join(s.dir, ".tmp")
	fp := filepath.Join(s.dir, rec.PrintCookie+".json")
	if err := os.WriteFile(tmp, js, 0644); err != nil {
		slog.Error("failed to write print record", "error", err, "cookie", rec.PrintCookie)
		return
	}
	if err := os.Rename(tmp, fp); err != nil {
		slog.Error("failed to swap print record", "error", err, "cookie", rec.PrintCookie)
	}
}

// SetFileInfo records the source file's size and estimated filament usage.
func (r *Record) SetFileInfo(sizeKBytes int64, estFilamentMm float64) {
	r.FileSizeKBytes = sizeKBytes
	r.EstFilamentUsageMm = estFilamentMm
	r.persist()
}

// SetFinalDuration records the locally computed duration when a print ends.
func (r *Record) SetFinalDuration(sec int64) {
	r.FinalDurationSec = sec
	r.persist()
}

// CurrentDurationSec is the elapsed wall-clock time since the print started,
// or the final duration once the print has ended.
func (r *Record) CurrentDurationSec() int64 {
	if r.FinalDurationSec > 0 {
		return r.FinalDurationSec
	}
	now := time.Now
	if r.store != nil {
		now = r.store.now
	}
	return now().Unix() - r.StartTimeSec
}

func (r *Record) persist() {
	if r.store == nil {
		return // detached record (tests)
	}
	r.store.mu.Lock()
	r.store.save(r)
	r.store.mu.Unlock()
}

// The id only needs to be unique, not unguessable.
func newPrintID() string {
	b := make([]byte, printIDLength)
	for i := range b {
		b[i] = printIDAlphabet[rand.Intn(len(printIDAlphabet))]
	}
	return string(b)
}
