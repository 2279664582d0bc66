// Package vault encrypts SSH private keys and server passwords at rest.
//
// A single 256-bit AES key is derived per process from the master secret via
// PBKDF2-HMAC-SHA256 and held only in memory. Every record is sealed with
// AES-GCM under a fresh 96-bit nonce; the 128-bit authentication tag is
// stored alongside the ciphertext and verified on every decrypt, so a
// tampered record or a wrong master key can never yield garbage plaintext.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/crypto/ssh"
	"gorm.io/gorm"

	"github.com/minhtuancn/server-monitor-sub002/internal/database"
	"github.com/minhtuancn/server-monitor-sub002/internal/logutil"
)

const (
	// kdfIterations is the PBKDF2 iteration count for master key derivation.
	kdfIterations = 120_000
	keySize       = 32 // AES-256
	nonceSize     = 12 // 96-bit GCM nonce
	tagSize       = 16 // 128-bit GCM tag

	saltSettingKey = "vault_kdf_salt"
)

var (
	// ErrInvalidKeyMaterial is returned when imported key material does not
	// parse as a supported SSH private key.
	ErrInvalidKeyMaterial = errors.New("invalid key material")
	// ErrIntegrity is returned when the GCM authentication tag does not
	// verify. Callers surface this as a generic authentication failure and
	// must not distinguish tampering from a wrong master key.
	ErrIntegrity = errors.New("vault integrity check failed")
	// ErrNotFound is returned for unknown or tombstoned credential ids.
	ErrNotFound = errors.New("credential not found")
)

// Vault owns all ciphertext columns; no other component reads or writes them.
type Vault struct {
	db  *gorm.DB
	key []byte // derived AES-256 key, in-memory only
}

// New derives the vault key from the master secret and returns a ready Vault.
// The random KDF salt is created once and persisted in the settings table.
func New(db *gorm.DB, masterSecret string) (*Vault, error) {
	if masterSecret == "" {
		return nil, errors.New("vault: master secret is not set")
	}

	salt, err := loadOrCreateSalt(db)
	if err != nil {
		return nil, err
	}

	key := pbkdf2.Key([]byte(masterSecret), salt, kdfIterations, keySize, sha256.New)
	return &Vault{db: db, key: key}, nil
}

func loadOrCreateSalt(db *gorm.DB) ([]byte, error) {
	encoded, err := database.GetSetting(db, saltSettingKey)
	if err != nil {
		salt := make([]byte, 16)
		if _, err := rand.Read(salt); err != nil {
			return nil, fmt.Errorf("generate kdf salt: %w", err)
		}
		if err := database.SetSetting(db, saltSettingKey, base64.StdEncoding.EncodeToString(salt)); err != nil {
			return nil, fmt.Errorf("save kdf salt: %w", err)
		}
		return salt, nil
	}

	salt, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode kdf salt: %w", err)
	}
	return salt, nil
}

// Create imports a PEM private key as a new credential and returns the stored
// record. The plaintext is sealed immediately and only metadata is kept in
// the clear. Key rotation is a new record; credentials are never updated.
func (v *Vault) Create(name, description string, privateKeyPEM []byte, actor string) (*database.Credential, error) {
	signer, err := ssh.ParsePrivateKey(privateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKeyMaterial, err)
	}

	pub := signer.PublicKey()
	ciphertext, nonce, tag, err := v.seal(privateKeyPEM)
	if err != nil {
		return nil, err
	}

	cred := &database.Credential{
		ID:          uuid.New().String(),
		Name:        name,
		Description: description,
		PublicKey:   strings.TrimSpace(string(ssh.MarshalAuthorizedKey(pub))),
		Ciphertext:  ciphertext,
		Nonce:       nonce,
		AuthTag:     tag,
		KeyType:     keyTypeOf(pub),
		Fingerprint: ssh.FingerprintSHA256(pub),
		CreatedBy:   actor,
	}

	if err := v.db.Create(cred).Error; err != nil {
		return nil, fmt.Errorf("store credential: %w", err)
	}

	log.Printf("[vault] credential %s created (name=%s type=%s fingerprint=%s)",
		cred.ID, logutil.SanitizeForLog(name), cred.KeyType, cred.Fingerprint)
	return cred, nil
}

// Metadata returns the public attributes of a credential. Ciphertext, nonce
// and tag are stripped so no reading path can reach key material.
func (v *Vault) Metadata(id string) (*database.Credential, error) {
	var cred database.Credential
	if err := v.db.First(&cred, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	cred.Ciphertext = nil
	cred.Nonce = nil
	cred.AuthTag = nil
	return &cred, nil
}

// List returns metadata for all non-tombstoned credentials.
func (v *Vault) List() ([]database.Credential, error) {
	var creds []database.Credential
	if err := v.db.Where("deleted_at IS NULL").Order("created_at").Find(&creds).Error; err != nil {
		return nil, err
	}
	for i := range creds {
		creds[i].Ciphertext = nil
		creds[i].Nonce = nil
		creds[i].AuthTag = nil
	}
	return creds, nil
}

// Decrypt returns the plaintext private key for a live credential. It is
// reachable only from the authentication resolver; no handler calls it.
// Tombstoned ids fail with ErrNotFound, tag mismatches with ErrIntegrity.
func (v *Vault) Decrypt(id string) ([]byte, error) {
	var cred database.Credential
	if err := v.db.Where("id = ? AND deleted_at IS NULL", id).First(&cred).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return v.open(cred.Ciphertext, cred.Nonce, cred.AuthTag)
}

// SoftDelete tombstones a credential. The row is kept so audit references
// remain resolvable, but any later Decrypt fails with ErrNotFound.
func (v *Vault) SoftDelete(id string) error {
	now := time.Now()
	res := v.db.Model(&database.Credential{}).
		Where("id = ? AND deleted_at IS NULL", id).
		Update("deleted_at", &now)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	log.Printf("[vault] credential %s tombstoned", id)
	return nil
}

// SealString encrypts an arbitrary secret (server passwords) with the same
// master-key machinery and returns a base64 blob of nonce||ciphertext||tag.
func (v *Vault) SealString(plaintext string) (string, error) {
	ciphertext, nonce, tag, err := v.seal([]byte(plaintext))
	if err != nil {
		return "", err
	}
	blob := make([]byte, 0, len(nonce)+len(ciphertext)+len(tag))
	blob = append(blob, nonce...)
	blob = append(blob, ciphertext...)
	blob = append(blob, tag...)
	return base64.StdEncoding.EncodeToString(blob), nil
}

// OpenString reverses SealString.
func (v *Vault) OpenString(sealed string) (string, error) {
	blob, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", fmt.Errorf("%w: malformed blob", ErrIntegrity)
	}
	if len(blob) < nonceSize+tagSize {
		return "", fmt.Errorf("%w: blob too short", ErrIntegrity)
	}
	nonce := blob[:nonceSize]
	tag := blob[len(blob)-tagSize:]
	ciphertext := blob[nonceSize : len(blob)-tagSize]
	plaintext, err := v.open(ciphertext, nonce, tag)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

func (v *Vault) seal(plaintext []byte) (ciphertext, nonce, tag []byte, err error) {
	block, err := aes.NewCipher(v.key)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("init cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("init gcm: %w", err)
	}

	nonce = make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, nil, fmt.Errorf("generate nonce: %w", err)
	}

	sealed := gcm.Seal(nil, nonce, plaintext, nil)
	ciphertext = sealed[:len(sealed)-tagSize]
	tag = sealed[len(sealed)-tagSize:]
	return ciphertext, nonce, tag, nil
}

func (v *Vault) open(ciphertext, nonce, tag []byte) ([]byte, error) {
	block, err := aes.NewCipher(v.key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}
	if len(nonce) != nonceSize {
		return nil, fmt.Errorf("%w: bad nonce length", ErrIntegrity)
	}

	sealed := make([]byte, 0, len(ciphertext)+len(tag))
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		// All-or-nothing: never return partial plaintext, never say why.
		return nil, ErrIntegrity
	}
	return plaintext, nil
}

// keyTypeOf maps an SSH public key algorithm name to a key family.
func keyTypeOf(pub ssh.PublicKey) string {
	t := pub.Type()
	switch {
	case t == ssh.KeyAlgoRSA:
		return "rsa"
	case t == ssh.KeyAlgoED25519:
		return "ed25519"
	case strings.HasPrefix(t, "ecdsa-"):
		return "ecdsa"
	default:
		return t
	}
}

// Zero overwrites a byte slice holding key material. Best effort; callers
// must not retain references past the connection attempt.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
