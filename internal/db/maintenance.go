package db

import (
	"context"
	"fmt"
	"os"
)

// fileSize is 0 for a missing file; the WAL only exists while a connection
// has written.
func fileSize(path string) int64 {
	fi, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return fi.Size()
}

func (m *Manager) DBSizeBytes() int64 {
	return fileSize(m.path)
}

func (m *Manager) WALSizeBytes() int64 {
	return fileSize(m.path + "-wal")
}

// CheckpointIfWALExceeds folds the WAL back into the main file once it grows
// past thresholdBytes. A WAL only shrinks on its own when the last connection
// closes, which a long-lived server never does.
func (m *Manager) CheckpointIfWALExceeds(ctx context.Context, thresholdBytes int64) (bool, error) {
	if m.WALSizeBytes() <= thresholdBytes {
		return false, nil
	}
	if _, err := m.writer.ExecContext(ctx, "PRAGMA wal_checkpoint(RESTART)"); err != nil {
		return false, fmt.Errorf("wal restart checkpoint: %w", err)
	}
	return true, nil
}
