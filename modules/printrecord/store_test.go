package printrecord

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)
	return s
}

func TestCreateAndGet(t *testing.T) {
	s := newTestStore(t)
	start := time.Unix(1700000000, 0)
	s.now = func() time.Time { return start }

	rec := s.CreateNew("proj-cube", "cube.3mf")
	require.NotNil(t, rec)
	assert.Len(t, rec.PrintID, 60)
	assert.Equal(t, int64(1700000000), rec.StartTimeSec)

	got := s.GetOrNull("proj-cube")
	require.NotNil(t, got)
	assert.Equal(t, rec.PrintID, got.PrintID)
	assert.Equal(t, "cube.3mf", got.FileName)
}

func TestGetOrNullRemovesStaleRecords(t *testing.T) {
	s := newTestStore(t)
	s.CreateNew("old-print", "old.3mf")
	s.CreateNew("new-print", "new.3mf")

	got := s.GetOrNull("new-print")
	require.NotNil(t, got)
	assert.Equal(t, "new-print", got.PrintCookie)

	// Looking up new-print swept old-print off disk.
	assert.Nil(t, s.GetOrNull("old-print"))

	files, err := os.ReadDir(s.dir)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "new-print.json", files[0].Name())
}

func TestGetOrNullDiscardsCorruptFile(t *testing.T) {
	s := newTestStore(t)
	fp := filepath.Join(s.dir, "bad-print.json")
	require.NoError(t, os.WriteFile(fp, []byte("{not json"), 0644))

	assert.Nil(t, s.GetOrNull("bad-print"))
	_, err := os.Stat(fp)
	assert.True(t, os.IsNotExist(err))
}

func TestSettersPersist(t *testing.T) {
	s := newTestStore(t)
	rec := s.CreateNew("proj-vase", "vase.3mf")

	rec.SetFileInfo(2048, 12345.5)
	rec.SetFinalDuration(900)

	got := s.GetOrNull("proj-vase")
	require.NotNil(t, got)
	assert.Equal(t, int64(2048), got.FileSizeKBytes)
	assert.Equal(t, 12345.5, got.EstFilamentUsageMm)
	assert.Equal(t, int64(900), got.FinalDurationSec)
}

func TestCurrentDuration(t *testing.T) {
	s := newTestStore(t)
	start := time.Unix(1700000000, 0)
	s.now = func() time.Time { return start }

	rec := s.CreateNew("proj-benchy", "benchy.3mf")

	s.now = func() time.Time { return start.Add(2 * time.Minute) }
	assert.Equal(t, int64(120), rec.CurrentDurationSec())

	// Once final, duration stops tracking the clock.
	rec.SetFinalDuration(90)
	s.now = func() time.Time { return start.Add(time.Hour) }
	assert.Equal(t, int64(90), rec.CurrentDurationSec())
}

func TestClearAll(t *testing.T) {
	s := newTestStore(t)
	s.CreateNew("a", "a.3mf")
	s.CreateNew("b", "b.3mf")

	s.ClearAll()

	files, err := os.ReadDir(s.dir)
	require.NoError(t, err)
	assert.Empty(t, files)
	assert.Nil(t, s.GetOrNull("a"))
}

func TestPrintIDsAreUnique(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		id := newPrintID()
		require.Len(t, id, 60)
		assert.False(t, seen[id])
		seen[id] = true
	}
}
