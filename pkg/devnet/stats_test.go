package devnet

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/rs/zerolog"
)

func TestStatsBookSaveAndReload(t *testing.T) {
	path := StatsFilePath(t.TempDir(), "c1")

	book := newStatsBook(path, zerolog.Nop())
	stats := book.get("d1")
	stats.TotalPoll = 42
	stats.CommErrs = 3
	stats.Recovered = 1
	book.save()

	reloaded := newStatsBook(path, zerolog.Nop())
	got := reloaded.get("d1")
	assert.Equal(t, uint64(42), got.TotalPoll)
	assert.Equal(t, uint64(3), got.CommErrs)
	assert.Equal(t, uint64(1), got.Recovered)
}

func TestStatsBookIgnoresMalformedFile(t *testing.T) {
	path := StatsFilePath(t.TempDir(), "c1")
	require.NoError(t, os.WriteFile(path, []byte("not json at all"), 0o644))

	book := newStatsBook(path, zerolog.Nop())
	assert.Equal(t, uint64(0), book.get("d1").TotalPoll)
}

func TestStatsBookCheckpointInterval(t *testing.T) {
	dir := t.TempDir()
	path := StatsFilePath(dir, "c1")

	book := newStatsBook(path, zerolog.Nop())
	stats := book.get("d1")

	for i := 0; i < StatsInterval-1; i++ {
		stats.TotalPoll++
		book.note("d1")
	}
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err), "no checkpoint expected before the interval")

	stats.TotalPoll++
	book.note("d1")

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var onDisk map[string]PollingStats
	require.NoError(t, json.Unmarshal(raw, &onDisk))
	assert.Equal(t, uint64(StatsInterval), onDisk["d1"].TotalPoll)
}

func TestStatsBookWithoutPathIsInMemory(t *testing.T) {
	book := newStatsBook("", zerolog.Nop())
	book.get("d1").TotalPoll = 5
	book.note("d1")
	book.save()
	// nothing to assert on disk: persistence is simply disabled
	assert.Equal(t, uint64(5), book.get("d1").TotalPoll)
}

func TestStatsFilePath(t *testing.T) {
	assert.Equal(t, filepath.Join("/var/db", "polling_stats-c1.dat"),
		StatsFilePath("/var/db", "c1"))
}
