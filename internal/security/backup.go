package security

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Klingon-tech/orignode/internal/log"
	"github.com/Klingon-tech/orignode/internal/metrics"
	"github.com/Klingon-tech/orignode/internal/wallet"
)

const (
	backupExt     = ".bak"
	backupVersion = 1

	// DefaultKeepBackups is how many backup files are retained.
	DefaultKeepBackups = 10
)

// ErrBackupNotFound is returned by Restore for an unknown backup id.
var ErrBackupNotFound = errors.New("backup not found")

// BackupInfo describes one backup file.
type BackupInfo struct {
	ID        string    `json:"id"`
	Path      string    `json:"path"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
}

type backupPayload struct {
	Version   int              `json:"version"`
	ID        string           `json:"id"`
	CreatedAt int64            `json:"created_at"`
	Wallets   []*wallet.Record `json:"wallets"`
}

// KeyBackup writes encrypted snapshots of wallet records to a directory.
// Backup ids are time-ordered UUIDs, so file names sort by age.
type KeyBackup struct {
	dir     string
	kdf     wallet.KDFParams
	keep    int
	metrics *metrics.SecurityMetrics
	monitor *Monitor
}

// NewKeyBackup creates dir if needed. keep <= 0 uses DefaultKeepBackups.
func NewKeyBackup(dir string, kdf wallet.KDFParams, keep int, m *metrics.SecurityMetrics, monitor *Monitor) (*KeyBackup, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create backup dir: %w", err)
	}
	if keep <= 0 {
		keep = DefaultKeepBackups
	}
	return &KeyBackup{dir: dir, kdf: kdf, keep: keep, metrics: m, monitor: monitor}, nil
}

// Dir returns the backup directory.
func (k *KeyBackup) Dir() string { return k.dir }

// Backup seals records under passphrase into a new file and prunes old
// backups beyond the retention count.
func (k *KeyBackup) Backup(records []*wallet.Record, passphrase string) (*BackupInfo, error) {
	info, err := k.write(records, passphrase)
	if err != nil {
		k.metrics.Backup("failure")
		if k.monitor != nil {
			k.monitor.Record(KindBackupFailure, "key_backup", err.Error())
		}
		return nil, err
	}
	k.metrics.Backup("success")
	log.Security.Info().Str("id", info.ID).Int("wallets", len(records)).Msg("Key backup written")

	if err := k.prune(); err != nil {
		log.Security.Warn().Err(err).Msg("Failed to prune old key backups")
	}
	return info, nil
}

func (k *KeyBackup) write(records []*wallet.Record, passphrase string) (*BackupInfo, error) {
	if passphrase == "" {
		return nil, wallet.ErrEmptyPassphrase
	}
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("backup id: %w", err)
	}
	now := time.Now()
	plain, err := json.Marshal(backupPayload{
		Version:   backupVersion,
		ID:        id.String(),
		CreatedAt: now.Unix(),
		Wallets:   records,
	})
	if err != nil {
		return nil, fmt.Errorf("encode backup: %w", err)
	}
	sealed, err := wallet.Seal(plain, []byte(passphrase), k.kdf)
	if err != nil {
		return nil, fmt.Errorf("seal backup: %w", err)
	}

	path := filepath.Join(k.dir, id.String()+backupExt)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, sealed, 0600); err != nil {
		return nil, fmt.Errorf("write backup: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return nil, fmt.Errorf("rename backup: %w", err)
	}
	return &BackupInfo{ID: id.String(), Path: path, Size: int64(len(sealed)), CreatedAt: now}, nil
}

// List returns the backups on disk, oldest first.
func (k *KeyBackup) List() ([]BackupInfo, error) {
	entries, err := os.ReadDir(k.dir)
	if err != nil {
		return nil, fmt.Errorf("read backup dir: %w", err)
	}
	var out []BackupInfo
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, backupExt) {
			continue
		}
		id := strings.TrimSuffix(name, backupExt)
		if _, err := uuid.Parse(id); err != nil {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, BackupInfo{
			ID:        id,
			Path:      filepath.Join(k.dir, name),
			Size:      fi.Size(),
			CreatedAt: fi.ModTime(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Restore opens the backup with id and returns its wallet records.
func (k *KeyBackup) Restore(id, passphrase string) ([]*wallet.Record, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrBackupNotFound
	}
	sealed, err := os.ReadFile(filepath.Join(k.dir, id+backupExt))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrBackupNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read backup: %w", err)
	}
	plain, err := wallet.Open(sealed, []byte(passphrase))
	if err != nil {
		return nil, err
	}
	var p backupPayload
	if err := json.Unmarshal(plain, &p); err != nil {
		return nil, fmt.Errorf("decode backup: %w", err)
	}
	if p.Version != backupVersion {
		return nil, fmt.Errorf("backup %s: unsupported version %d", id, p.Version)
	}
	return p.Wallets, nil
}

func (k *KeyBackup) prune() error {
	list, err := k.List()
	if err != nil {
		return err
	}
	var errs []error
	for len(list) > k.keep {
		if err := os.Remove(list[0].Path); err != nil {
			errs = append(errs, err)
		}
		list = list[1:]
	}
	return errors.Join(errs...)
}
