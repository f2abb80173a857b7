// Package security is the node's security subsystem: an event monitor with
// threshold alerts, TOTP second factors and encrypted wallet key backups.
package security

import (
	"fmt"

	"github.com/Klingon-tech/orignode/internal/log"
	"github.com/Klingon-tech/orignode/internal/metrics"
	"github.com/Klingon-tech/orignode/internal/storage"
	"github.com/Klingon-tech/orignode/internal/wallet"
)

// Config configures Init.
type Config struct {
	// DB holds MFA records under the "sec/" prefix.
	DB          storage.DB
	BackupDir   string
	KDF         wallet.KDFParams
	KeepBackups int
	Thresholds  map[string]Threshold
	Metrics     *metrics.SecurityMetrics
}

// WalletSource lists the wallet records to back up.
type WalletSource interface {
	Wallets() ([]*wallet.Record, error)
}

// Subsystem bundles the security components.
type Subsystem struct {
	Monitor *Monitor
	MFA     *MFA
	Backups *KeyBackup
}

// Init builds the subsystem.
func Init(cfg Config) (*Subsystem, error) {
	if cfg.DB == nil {
		return nil, fmt.Errorf("security: no database")
	}
	if cfg.BackupDir == "" {
		return nil, fmt.Errorf("security: no backup directory")
	}
	if cfg.KDF.Iterations == 0 {
		cfg.KDF = wallet.DefaultKDF()
	}

	mon := NewMonitor(cfg.Thresholds, cfg.Metrics)
	backups, err := NewKeyBackup(cfg.BackupDir, cfg.KDF, cfg.KeepBackups, cfg.Metrics, mon)
	if err != nil {
		return nil, err
	}
	s := &Subsystem{
		Monitor: mon,
		MFA:     NewMFA(storage.NewPrefixDB(cfg.DB, []byte("sec/")), mon),
		Backups: backups,
	}
	log.Security.Info().Str("backup_dir", cfg.BackupDir).Msg("Security subsystem initialized")
	return s, nil
}

// BackupWallets snapshots every wallet in src under passphrase.
func (s *Subsystem) BackupWallets(src WalletSource, passphrase string) (*BackupInfo, error) {
	records, err := src.Wallets()
	if err != nil {
		return nil, fmt.Errorf("list wallets: %w", err)
	}
	return s.Backups.Backup(records, passphrase)
}

// Record logs a security event.
func (s *Subsystem) Record(kind, source, detail string) {
	s.Monitor.Record(kind, source, detail)
}

// EnrollMFA creates a secret for userID and returns it with its
// provisioning URI.
func (s *Subsystem) EnrollMFA(userID, account string) (secret, uri string, err error) {
	secret, err = s.MFA.Enroll(userID)
	if err != nil {
		return "", "", err
	}
	uri, err = s.MFA.ProvisioningURI(userID, account)
	if err != nil {
		return "", "", err
	}
	s.Monitor.Record("mfa_enrolled", userID, "")
	return secret, uri, nil
}

// VerifyMFA checks a TOTP or backup code.
func (s *Subsystem) VerifyMFA(userID, code string) (bool, error) {
	return s.MFA.Verify(userID, code)
}

// ResetMFA removes userID's second factor.
func (s *Subsystem) ResetMFA(userID string) error {
	if err := s.MFA.Reset(userID); err != nil {
		return err
	}
	s.Monitor.Record("mfa_reset", userID, "")
	return nil
}

// BackupCodes issues a fresh set of backup codes for userID.
func (s *Subsystem) BackupCodes(userID string) ([]string, error) {
	return s.MFA.GenerateBackupCodes(userID, DefaultBackupCodes)
}
