package backup

import (
	"archive/zip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func setupReplica(t *testing.T) (dbPath, backupDir string) {
	t.Helper()
	dir := t.TempDir()
	dbPath = filepath.Join(dir, "replica.db")
	backupDir = filepath.Join(dir, "backups")
	require.NoError(t, os.WriteFile(dbPath, []byte("sqlite-fixture"), 0644))
	return dbPath, backupDir
}

func TestCreateWritesZipWithReplicaAndMetadata(t *testing.T) {
	dbPath, backupDir := setupReplica(t)
	m := NewManager(dbPath, backupDir)

	path, err := m.Create(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))
	require.NoError(t, err)
	require.FileExists(t, path)

	zr, err := zip.OpenReader(path)
	require.NoError(t, err)
	defer zr.Close()
	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	require.ElementsMatch(t, []string{"replica.db", "backup-info.txt"}, names)
}

func TestRestoreReplacesReplicaContents(t *testing.T) {
	dbPath, backupDir := setupReplica(t)
	m := NewManager(dbPath, backupDir)

	backupPath, err := m.Create(time.Now())
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(dbPath, []byte("mutated-after-backup"), 0644))

	require.NoError(t, m.Restore(backupPath))

	restored, err := os.ReadFile(dbPath)
	require.NoError(t, err)
	require.Equal(t, "sqlite-fixture", string(restored))
}

func TestRestoreFailsWhenArchiveMissing(t *testing.T) {
	dbPath, backupDir := setupReplica(t)
	m := NewManager(dbPath, backupDir)

	err := m.Restore(filepath.Join(backupDir, "does-not-exist.zip"))
	require.Error(t, err)
}

func TestPruneKeepsOnlyMostRecentBackups(t *testing.T) {
	dbPath, backupDir := setupReplica(t)
	m := NewManager(dbPath, backupDir)

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var paths []string
	for i := 0; i < 5; i++ {
		path, err := m.Create(base.Add(time.Duration(i) * time.Second))
		require.NoError(t, err)
		paths = append(paths, path)
	}

	require.NoError(t, m.Prune(2))

	remaining, err := filepath.Glob(filepath.Join(backupDir, "kioku-backup-*.zip"))
	require.NoError(t, err)
	require.Len(t, remaining, 2)
}
