package devnet

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
)

// StatsInterval is the number of polls of a device between two
// checkpoints of its persisted statistics.
const StatsInterval = 1000

// PollingStats are the per-device polling counters. They are
// monotonically non-decreasing except on reset.
type PollingStats struct {
	TotalPoll uint64 `json:"total_poll"`
	CommErrs  uint64 `json:"comm_errs"`
	CrcErrs   uint64 `json:"crc_errs"`
	UnexpErrs uint64 `json:"unexp_errs"`
	Recovered uint64 `json:"recovered"`
}

// StatsFilePath returns the path of the statistics file of a
// coordinator.
func StatsFilePath(dir, cid string) string {
	return filepath.Join(dir, "polling_stats-"+cid+".dat")
}

// statsBook holds the polling statistics of the devices of one
// coordinator and manages their persistence. The file is fully
// rewritten (never appended to) at each checkpoint, through a temporary
// file so that a crash cannot leave a half written state. An empty path
// disables persistence.
type statsBook struct {
	path   string
	logger zerolog.Logger

	perDevice map[string]*PollingStats
	sinceSave map[string]int
}

func newStatsBook(path string, logger zerolog.Logger) *statsBook {
	b := &statsBook{
		path:      path,
		logger:    logger,
		perDevice: make(map[string]*PollingStats),
		sinceSave: make(map[string]int),
	}
	b.load()
	return b
}

func (b *statsBook) load() {
	if b.path == "" {
		return
	}
	raw, err := os.ReadFile(b.path)
	if err != nil {
		if !os.IsNotExist(err) {
			b.logger.Error().Err(err).Str("path", b.path).Msg("cannot read polling stats")
		}
		return
	}

	var loaded map[string]*PollingStats
	if err := json.Unmarshal(raw, &loaded); err != nil {
		b.logger.Error().Err(err).Str("path", b.path).
			Msg("malformed polling stats file ignored, counters reset")
		return
	}
	for devID, stats := range loaded {
		if stats != nil {
			b.perDevice[devID] = stats
		}
	}
	b.logger.Info().Int("devices", len(b.perDevice)).Msg("polling stats loaded")
}

// get returns the counters of a device, creating them on first use.
func (b *statsBook) get(devID string) *PollingStats {
	stats, ok := b.perDevice[devID]
	if !ok {
		stats = &PollingStats{}
		b.perDevice[devID] = stats
	}
	return stats
}

// note records one poll of the device and checkpoints the book when its
// counter reaches the persistence interval.
func (b *statsBook) note(devID string) {
	b.sinceSave[devID]++
	if b.sinceSave[devID] >= StatsInterval {
		b.sinceSave[devID] = 0
		b.save()
	}
}

// save rewrites the statistics file atomically.
func (b *statsBook) save() {
	if b.path == "" {
		return
	}

	raw, err := json.Marshal(b.perDevice)
	if err != nil {
		b.logger.Error().Err(err).Msg("cannot serialize polling stats")
		return
	}

	tmp, err := os.CreateTemp(filepath.Dir(b.path), ".polling_stats-*")
	if err != nil {
		b.logger.Error().Err(err).Msg("cannot checkpoint polling stats")
		return
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		b.logger.Error().Err(err).Msg("cannot checkpoint polling stats")
		return
	}
	if err := tmp.Close(); err != nil {
		b.logger.Error().Err(err).Msg("cannot checkpoint polling stats")
		return
	}
	if err := os.Rename(tmp.Name(), b.path); err != nil {
		b.logger.Error().Err(err).Msg("cannot checkpoint polling stats")
	}
}
