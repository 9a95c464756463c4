// Package backup implements local-replica backup/restore for the
// offline-first client: until an edit reaches the server, the local
// replica is its only copy, so Manager can snapshot and restore that
// replica file as a timestamped ZIP archive.
package backup

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"
)

const replicaFileName = "replica.db"

// Manager creates and restores ZIP backups of a client's local
// replica file.
type Manager struct {
	dbPath    string
	backupDir string
}

// NewManager builds a Manager for the replica at dbPath, writing
// backups under backupDir.
func NewManager(dbPath, backupDir string) *Manager {
	return &Manager{dbPath: dbPath, backupDir: backupDir}
}

// Create writes a timestamped ZIP backup of the replica and returns
// its path.
func (m *Manager) Create(now time.Time) (string, error) {
	if err := os.MkdirAll(m.backupDir, 0755); err != nil {
		return "", fmt.Errorf("backup: create backup dir: %w", err)
	}

	backupPath := filepath.Join(m.backupDir, fmt.Sprintf("kioku-backup-%s.zip", now.Format("20060102-150405")))

	zipFile, err := os.Create(backupPath)
	if err != nil {
		return "", fmt.Errorf("backup: create backup file: %w", err)
	}
	defer zipFile.Close()

	zipWriter := zip.NewWriter(zipFile)
	defer zipWriter.Close()

	if err := addFileToZip(zipWriter, m.dbPath, replicaFileName); err != nil {
		return "", fmt.Errorf("backup: add replica to archive: %w", err)
	}

	metadata := fmt.Sprintf("Backup created: %s\nReplica: %s\n", now.Format(time.RFC3339), filepath.Base(m.dbPath))
	metadataWriter, err := zipWriter.Create("backup-info.txt")
	if err != nil {
		return "", fmt.Errorf("backup: write metadata entry: %w", err)
	}
	if _, err := metadataWriter.Write([]byte(metadata)); err != nil {
		return "", fmt.Errorf("backup: write metadata: %w", err)
	}

	return backupPath, nil
}

// Restore replaces the replica file at m.dbPath with the one inside
// backupPath. The caller must close any open *localstore.Store on
// m.dbPath before calling this — SQLite does not tolerate its
// underlying file being swapped out from under an open connection.
func (m *Manager) Restore(backupPath string) error {
	if _, err := os.Stat(backupPath); os.IsNotExist(err) {
		return fmt.Errorf("backup: file not found: %s", backupPath)
	}

	zipReader, err := zip.OpenReader(backupPath)
	if err != nil {
		return fmt.Errorf("backup: open archive: %w", err)
	}
	defer zipReader.Close()

	var replicaFile *zip.File
	for _, f := range zipReader.File {
		if f.Name == replicaFileName {
			replicaFile = f
			break
		}
	}
	if replicaFile == nil {
		return fmt.Errorf("backup: archive does not contain %s", replicaFileName)
	}

	tempPath := m.dbPath + ".restore.tmp"
	defer os.Remove(tempPath)
	if err := extractFile(replicaFile, tempPath); err != nil {
		return fmt.Errorf("backup: extract replica: %w", err)
	}

	// Best-effort: there may be no existing replica yet (first run),
	// in which case there is nothing to snapshot.
	preRestorePath := m.dbPath + ".pre-restore.backup"
	_ = copyFile(m.dbPath, preRestorePath)

	if err := os.Rename(tempPath, m.dbPath); err != nil {
		return fmt.Errorf("backup: replace replica: %w", err)
	}
	return nil
}

// Prune deletes the oldest backups, by file modification time, so
// that only the keep most recent remain.
func (m *Manager) Prune(keep int) error {
	files, err := filepath.Glob(filepath.Join(m.backupDir, "kioku-backup-*.zip"))
	if err != nil {
		return fmt.Errorf("backup: list backups: %w", err)
	}
	if len(files) <= keep {
		return nil
	}

	type entry struct {
		path    string
		modTime time.Time
	}
	entries := make([]entry, 0, len(files))
	for _, path := range files {
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		entries = append(entries, entry{path: path, modTime: info.ModTime()})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].modTime.Before(entries[j].modTime) })

	toDelete := len(entries) - keep
	for i := 0; i < toDelete; i++ {
		if err := os.Remove(entries[i].path); err != nil {
			return fmt.Errorf("backup: delete %s: %w", entries[i].path, err)
		}
	}
	return nil
}

func addFileToZip(zipWriter *zip.Writer, filePath, nameInZip string) error {
	file, err := os.Open(filePath)
	if err != nil {
		return err
	}
	defer file.Close()

	writer, err := zipWriter.Create(nameInZip)
	if err != nil {
		return err
	}
	_, err = io.Copy(writer, file)
	return err
}

func extractFile(zipFile *zip.File, destPath string) error {
	reader, err := zipFile.Open()
	if err != nil {
		return err
	}
	defer reader.Close()

	writer, err := os.Create(destPath)
	if err != nil {
		return err
	}
	defer writer.Close()

	_, err = io.Copy(writer, reader)
	return err
}

func copyFile(src, dst string) error {
	sourceFile, err := os.Open(src)
	if err != nil {
		return err
	}
	defer sourceFile.Close()

	destFile, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer destFile.Close()

	_, err = io.Copy(destFile, sourceFile)
	return err
}
