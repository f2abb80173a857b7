package security

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/base32"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/Klingon-tech/orignode/internal/storage"
	"github.com/Klingon-tech/orignode/pkg/crypto"
)

// TOTP parameters (RFC 6238 defaults understood by every authenticator).
const (
	totpDigits = 6
	totpPeriod = 30
	totpSkew   = 1
	secretSize = 20

	DefaultBackupCodes = 10
	backupCodeBytes    = 5
)

// DefaultIssuer labels provisioning URIs.
const DefaultIssuer = "orignode"

var (
	// ErrNotEnrolled is returned for users without a second factor.
	ErrNotEnrolled = errors.New("mfa not enrolled")
	// ErrEmptyUser is returned when no user id is given.
	ErrEmptyUser = errors.New("user id must not be empty")
)

var b32 = base32.StdEncoding.WithPadding(base32.NoPadding)

var prefixMFA = []byte("mfa/")

type mfaRecord struct {
	Secret      string   `json:"secret"`
	BackupCodes []string `json:"backup_codes,omitempty"`
	LastCounter uint64   `json:"last_counter"`
	CreatedAt   int64    `json:"created_at"`
}

// MFA manages per-user TOTP secrets and one-time backup codes.
type MFA struct {
	db      storage.DB
	monitor *Monitor
	issuer  string
	now     func() time.Time

	mu sync.Mutex
}

// NewMFA stores its records in db. monitor may be nil.
func NewMFA(db storage.DB, monitor *Monitor) *MFA {
	return &MFA{db: db, monitor: monitor, issuer: DefaultIssuer, now: time.Now}
}

func mfaKey(userID string) []byte {
	return append(append([]byte{}, prefixMFA...), userID...)
}

func (m *MFA) load(userID string) (*mfaRecord, error) {
	data, err := m.db.Get(mfaKey(userID))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotEnrolled
	}
	if err != nil {
		return nil, fmt.Errorf("read mfa record: %w", err)
	}
	var rec mfaRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode mfa record: %w", err)
	}
	return &rec, nil
}

func (m *MFA) store(userID string, rec *mfaRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode mfa record: %w", err)
	}
	if err := m.db.Put(mfaKey(userID), data); err != nil {
		return fmt.Errorf("store mfa record: %w", err)
	}
	return nil
}

// Enroll generates a new secret for userID, replacing any previous one and
// its backup codes. The base32 secret is returned for the authenticator.
func (m *MFA) Enroll(userID string) (string, error) {
	if userID == "" {
		return "", ErrEmptyUser
	}
	raw := make([]byte, secretSize)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	secret := b32.EncodeToString(raw)

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.store(userID, &mfaRecord{Secret: secret, CreatedAt: m.now().Unix()}); err != nil {
		return "", err
	}
	return secret, nil
}

// Enrolled reports whether userID has a secret.
func (m *MFA) Enrolled(userID string) (bool, error) {
	return m.db.Has(mfaKey(userID))
}

// ProvisioningURI returns the otpauth:// URI for userID, shown to the
// authenticator as account.
func (m *MFA) ProvisioningURI(userID, account string) (string, error) {
	rec, err := m.load(userID)
	if err != nil {
		return "", err
	}
	if account == "" {
		account = userID
	}
	q := url.Values{}
	q.Set("secret", rec.Secret)
	q.Set("issuer", m.issuer)
	q.Set("algorithm", "SHA1")
	q.Set("digits", fmt.Sprint(totpDigits))
	q.Set("period", fmt.Sprint(totpPeriod))
	u := url.URL{
		Scheme:   "otpauth",
		Host:     "totp",
		Path:     "/" + m.issuer + ":" + account,
		RawQuery: q.Encode(),
	}
	return u.String(), nil
}

// Verify checks a TOTP code, allowing one period of clock drift either way,
// or consumes a backup code. A TOTP code is accepted once.
func (m *MFA) Verify(userID, code string) (bool, error) {
	code = strings.ReplaceAll(strings.TrimSpace(code), " ", "")

	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.load(userID)
	if err != nil {
		return false, err
	}

	ok, err := m.check(rec, code)
	if err != nil {
		return false, err
	}
	if ok {
		if err := m.store(userID, rec); err != nil {
			return false, err
		}
		return true, nil
	}
	if m.monitor != nil {
		m.monitor.Record(KindMFAFailure, userID, "")
	}
	return false, nil
}

// check mutates rec when a code is accepted.
func (m *MFA) check(rec *mfaRecord, code string) (bool, error) {
	if len(code) == totpDigits {
		secret, err := b32.DecodeString(strings.ToUpper(rec.Secret))
		if err != nil {
			return false, fmt.Errorf("decode secret: %w", err)
		}
		now := uint64(m.now().Unix()) / totpPeriod
		for d := -totpSkew; d <= totpSkew; d++ {
			counter := now + uint64(d)
			if counter <= rec.LastCounter {
				continue
			}
			if subtle.ConstantTimeCompare([]byte(hotp(secret, counter)), []byte(code)) == 1 {
				rec.LastCounter = counter
				return true, nil
			}
		}
		return false, nil
	}

	hashed := crypto.HashHex([]byte(strings.ToLower(code)))
	for i, stored := range rec.BackupCodes {
		if subtle.ConstantTimeCompare([]byte(stored), []byte(hashed)) == 1 {
			rec.BackupCodes = append(rec.BackupCodes[:i], rec.BackupCodes[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

// Reset removes userID's secret and backup codes.
func (m *MFA) Reset(userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.db.Delete(mfaKey(userID)); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("delete mfa record: %w", err)
	}
	return nil
}

// GenerateBackupCodes replaces userID's backup codes with count fresh ones.
// Only their hashes are stored.
func (m *MFA) GenerateBackupCodes(userID string, count int) ([]string, error) {
	if count <= 0 {
		count = DefaultBackupCodes
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.load(userID)
	if err != nil {
		return nil, err
	}
	codes := make([]string, count)
	hashes := make([]string, count)
	buf := make([]byte, backupCodeBytes)
	for i := range codes {
		if _, err := rand.Read(buf); err != nil {
			return nil, fmt.Errorf("generate backup code: %w", err)
		}
		codes[i] = hex.EncodeToString(buf)
		hashes[i] = crypto.HashHex([]byte(codes[i]))
	}
	rec.BackupCodes = hashes
	if err := m.store(userID, rec); err != nil {
		return nil, err
	}
	return codes, nil
}

// hotp computes an RFC 4226 one-time password.
func hotp(secret []byte, counter uint64) string {
	mac := hmac.New(sha1.New, secret)
	mac.Write(binary.BigEndian.AppendUint64(nil, counter))
	sum := mac.Sum(nil)

	off := sum[len(sum)-1] & 0x0f
	bin := binary.BigEndian.Uint32(sum[off:off+4]) & 0x7fffffff
	mod := uint32(1)
	for i := 0; i < totpDigits; i++ {
		mod *= 10
	}
	return fmt.Sprintf("%0*d", totpDigits, bin%mod)
}
