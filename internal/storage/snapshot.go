package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Snapshot errors.
var (
	ErrSnapshotNotFound  = errors.New("snapshot not found")
	ErrSnapshotCorrupted = errors.New("snapshot integrity check failed")
	ErrSnapshotExists    = errors.New("snapshot already exists")
	ErrInvalidSnapshotID = errors.New("invalid snapshot id")
)

const maxAutoSnapshots = 5

// SnapshotInfo describes a database snapshot.
type SnapshotInfo struct {
	CreatedAt     time.Time      `json:"created_at"`
	RowCounts     map[string]int `json:"row_counts"`
	ID            string         `json:"id"`
	Description   string         `json:"description"`
	FileSize      int64          `json:"file_size"`
	SchemaVersion int            `json:"schema_version"`
	IsAuto        bool           `json:"is_auto"`
}

// Payments returns the number of payments in the snapshot.
func (i SnapshotInfo) Payments() int { return i.RowCounts["payments"] }

// Statuses returns the number of reconciliation statuses in the snapshot.
func (i SnapshotInfo) Statuses() int { return i.RowCounts["reconciliation_statuses"] }

// Batches returns the number of batches in the snapshot.
func (i SnapshotInfo) Batches() int { return i.RowCounts["reconciliation_batches"] }

// SnapshotManager copies the database file aside and back. Snapshots live in a
// "snapshots" directory next to the database.
type SnapshotManager struct {
	storage *SQLiteStorage
	dir     string
}

// NewSnapshotManager creates the snapshots directory if needed.
func (s *SQLiteStorage) NewSnapshotManager() (*SnapshotManager, error) {
	if s.dbPath == ":memory:" {
		return nil, fmt.Errorf("%w: in-memory databases cannot be snapshotted", ErrInvalidSnapshotID)
	}
	dir := filepath.Join(filepath.Dir(s.dbPath), "snapshots")
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create snapshots directory: %w", err)
	}
	return &SnapshotManager{storage: s, dir: dir}, nil
}

// Create writes a consistent copy of the database under id. An empty id is
// generated from the current time.
func (m *SnapshotManager) Create(ctx context.Context, id, description string) (*SnapshotInfo, error) {
	return m.create(ctx, id, description, false)
}

// AutoSnapshot takes a snapshot named after the operation about to run and
// prunes old automatic snapshots.
func (m *SnapshotManager) AutoSnapshot(ctx context.Context, operation string) (*SnapshotInfo, error) {
	id := fmt.Sprintf("auto-%s-%s", operation, time.Now().Format("2006-01-02-150405"))
	info, err := m.create(ctx, id, "Automatic snapshot before "+operation, true)
	if err != nil {
		return nil, fmt.Errorf("failed to create automatic snapshot: %w", err)
	}
	if err := m.pruneAuto(ctx); err != nil {
		slog.Warn("Failed to prune automatic snapshots", "error", err)
	}
	return info, nil
}

func (m *SnapshotManager) create(ctx context.Context, id, description string, auto bool) (*SnapshotInfo, error) {
	if id == "" {
		id = "snapshot-" + time.Now().Format("2006-01-02-150405")
	}
	if err := validateSnapshotID(id); err != nil {
		return nil, err
	}

	path := m.dataPath(id)
	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrSnapshotExists, id)
	}

	version, err := m.storage.SchemaVersion(ctx)
	if err != nil {
		return nil, err
	}
	counts, err := m.rowCounts(ctx)
	if err != nil {
		return nil, err
	}

	if _, err := m.storage.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return nil, fmt.Errorf("failed to checkpoint WAL: %w", err)
	}
	// VACUUM INTO takes a bound parameter, so the path needs no quoting.
	if _, err := m.storage.db.ExecContext(ctx, "VACUUM INTO ?", path); err != nil {
		return nil, fmt.Errorf("failed to write snapshot: %w", err)
	}

	stat, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat snapshot: %w", err)
	}

	info := SnapshotInfo{
		ID:            id,
		CreatedAt:     time.Now(),
		Description:   description,
		FileSize:      stat.Size(),
		RowCounts:     counts,
		SchemaVersion: version,
		IsAuto:        auto,
	}
	if err := writeJSONAtomic(m.metaPath(id), info); err != nil {
		if rmErr := os.Remove(path); rmErr != nil {
			slog.Error("Failed to remove snapshot after metadata failure", "error", rmErr)
		}
		return nil, fmt.Errorf("failed to save snapshot metadata: %w", err)
	}

	slog.Info("Created snapshot", "id", id, "size", info.FileSize, "auto", auto)
	return &info, nil
}

// List returns every snapshot, newest first. Unreadable metadata is skipped.
func (m *SnapshotManager) List(_ context.Context) ([]SnapshotInfo, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshots directory: %w", err)
	}

	snapshots := make([]SnapshotInfo, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".meta.json") {
			continue
		}
		info, err := readSnapshotInfo(filepath.Join(m.dir, entry.Name()))
		if err != nil {
			slog.Debug("Skipping unreadable snapshot metadata", "file", entry.Name(), "error", err)
			continue
		}
		snapshots = append(snapshots, *info)
	}

	sort.Slice(snapshots, func(i, j int) bool {
		return snapshots[i].CreatedAt.After(snapshots[j].CreatedAt)
	})
	return snapshots, nil
}

// Get returns one snapshot's metadata.
func (m *SnapshotManager) Get(_ context.Context, id string) (*SnapshotInfo, error) {
	if err := validateSnapshotID(id); err != nil {
		return nil, err
	}
	info, err := readSnapshotInfo(m.metaPath(id))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrSnapshotNotFound, id)
	}
	return info, err
}

// Restore replaces the live database file with a snapshot. The storage is
// closed by Restore and must be reopened by the caller.
func (m *SnapshotManager) Restore(_ context.Context, id string) error {
	if err := validateSnapshotID(id); err != nil {
		return err
	}
	path := m.dataPath(id)
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrSnapshotNotFound, id)
		}
		return fmt.Errorf("failed to access snapshot: %w", err)
	}
	if err := verifyIntegrity(path); err != nil {
		return fmt.Errorf("%w: %w", ErrSnapshotCorrupted, err)
	}

	live := m.storage.dbPath
	if err := m.storage.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	backup := live + ".restore-backup"
	if err := copyFile(live, backup); err != nil {
		return fmt.Errorf("failed to back up current database: %w", err)
	}
	if err := copyFile(path, live); err != nil {
		if restoreErr := copyFile(backup, live); restoreErr != nil {
			slog.Error("Failed to put back database after restore failure", "error", restoreErr)
		}
		return fmt.Errorf("failed to restore snapshot: %w", err)
	}

	// Stale WAL files belong to the replaced database.
	for _, suffix := range []string{"-wal", "-shm"} {
		if err := os.Remove(live + suffix); err != nil && !os.IsNotExist(err) {
			slog.Warn("Failed to remove stale WAL file", "file", live+suffix, "error", err)
		}
	}
	if err := os.Remove(backup); err != nil {
		slog.Warn("Failed to remove restore backup", "error", err)
	}

	slog.Info("Restored snapshot", "id", id)
	return nil
}

// Delete removes a snapshot and its metadata.
func (m *SnapshotManager) Delete(_ context.Context, id string) error {
	if err := validateSnapshotID(id); err != nil {
		return err
	}
	if err := os.Remove(m.dataPath(id)); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrSnapshotNotFound, id)
		}
		return fmt.Errorf("failed to remove snapshot: %w", err)
	}
	if err := os.Remove(m.metaPath(id)); err != nil && !os.IsNotExist(err) {
		slog.Debug("Failed to remove snapshot metadata", "id", id, "error", err)
	}
	return nil
}

func (m *SnapshotManager) pruneAuto(ctx context.Context) error {
	snapshots, err := m.List(ctx)
	if err != nil {
		return err
	}
	kept := 0
	for _, snap := range snapshots {
		if !snap.IsAuto {
			continue
		}
		kept++
		if kept > maxAutoSnapshots {
			if err := m.Delete(ctx, snap.ID); err != nil {
				slog.Debug("Failed to delete old automatic snapshot", "id", snap.ID, "error", err)
			}
		}
	}
	return nil
}

func (m *SnapshotManager) rowCounts(ctx context.Context) (map[string]int, error) {
	queries := map[string]string{
		"payments":                "SELECT COUNT(*) FROM payments",
		"enrollments":             "SELECT COUNT(*) FROM enrollments",
		"course_prices":           "SELECT COUNT(*) FROM course_prices",
		"reconciliation_batches":  "SELECT COUNT(*) FROM reconciliation_batches",
		"reconciliation_statuses": "SELECT COUNT(*) FROM reconciliation_statuses",
	}
	counts := make(map[string]int, len(queries))
	for table, query := range queries {
		var count int
		if err := m.storage.db.QueryRowContext(ctx, query).Scan(&count); err != nil {
			return nil, fmt.Errorf("failed to count %s: %w", table, err)
		}
		counts[table] = count
	}
	return counts, nil
}

func (m *SnapshotManager) dataPath(id string) string {
	return filepath.Join(m.dir, id+".db")
}

func (m *SnapshotManager) metaPath(id string) string {
	return filepath.Join(m.dir, id+".meta.json")
}

func validateSnapshotID(id string) error {
	if strings.TrimSpace(id) == "" || strings.ContainsAny(id, `/\`) || strings.Contains(id, "..") {
		return fmt.Errorf("%w: %q", ErrInvalidSnapshotID, id)
	}
	return nil
}

func verifyIntegrity(path string) error {
	db, err := sql.Open("sqlite3", path+"?mode=ro")
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	var result string
	if err := db.QueryRow("PRAGMA integrity_check").Scan(&result); err != nil {
		return err
	}
	if result != "ok" {
		return fmt.Errorf("integrity check: %s", result)
	}
	return nil
}

func readSnapshotInfo(path string) (*SnapshotInfo, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	var info SnapshotInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func copyFile(src, dst string) error {
	source, err := os.Open(filepath.Clean(src))
	if err != nil {
		return err
	}
	defer func() { _ = source.Close() }()

	tmp := dst + ".tmp"
	destination, err := os.Create(filepath.Clean(tmp))
	if err != nil {
		return err
	}
	if _, err := io.Copy(destination, source); err != nil {
		_ = destination.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := destination.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}
