// Package sshauth resolves the credential to use for a target server and
// opens SSH connections with it.
//
// Credential sources are tried in a fixed priority order: vault credential,
// key file on disk, encrypted password from the server record. The resolved
// credential is ephemeral; it authenticates exactly one SSH transport and is
// scrubbed once the connection attempt finishes either way.
package sshauth

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/crypto/ssh"
	"gorm.io/gorm"

	"github.com/minhtuancn/server-monitor-sub002/internal/database"
	"github.com/minhtuancn/server-monitor-sub002/internal/vault"
)

// ErrNoCredential is returned when a server descriptor names no usable
// credential source.
var ErrNoCredential = errors.New("no credential available")

// Source identifies which descriptor field produced the credential.
type Source string

const (
	SourceVault    Source = "vault"
	SourceKeyFile  Source = "keyfile"
	SourcePassword Source = "password"
)

// Ephemeral is a short-lived, in-memory credential for one connection
// attempt. Callers must defer Scrub so key bytes do not outlive the attempt.
type Ephemeral struct {
	User         string
	Source       Source
	CredentialID *string

	method      ssh.AuthMethod
	keyMaterial []byte
}

// AuthMethod returns the SSH auth method backed by this credential.
func (e *Ephemeral) AuthMethod() ssh.AuthMethod {
	return e.method
}

// Scrub best-effort zeroes the private key bytes and drops the auth method.
func (e *Ephemeral) Scrub() {
	vault.Zero(e.keyMaterial)
	e.keyMaterial = nil
	e.method = nil
}

// Resolver picks a credential for a server descriptor. It is the only
// component allowed to call Vault.Decrypt.
type Resolver struct {
	db    *gorm.DB
	vault *vault.Vault
}

func NewResolver(db *gorm.DB, v *vault.Vault) *Resolver {
	return &Resolver{db: db, vault: v}
}

// Resolve returns an ephemeral credential for the server, first source wins:
// vault credential id, then key file path, then encrypted password.
func (r *Resolver) Resolve(srv *database.Server) (*Ephemeral, error) {
	if srv.CredentialID != nil && *srv.CredentialID != "" {
		pem, err := r.vault.Decrypt(*srv.CredentialID)
		if err != nil {
			return nil, fmt.Errorf("resolve vault credential: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(pem)
		if err != nil {
			vault.Zero(pem)
			return nil, fmt.Errorf("parse vault credential: %w", err)
		}
		return &Ephemeral{
			User:         srv.Username,
			Source:       SourceVault,
			CredentialID: srv.CredentialID,
			method:       ssh.PublicKeys(signer),
			keyMaterial:  pem,
		}, nil
	}

	if srv.KeyFilePath != "" {
		pem, err := os.ReadFile(srv.KeyFilePath)
		if err != nil {
			return nil, fmt.Errorf("read key file: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(pem)
		if err != nil {
			vault.Zero(pem)
			return nil, fmt.Errorf("parse key file: %w", err)
		}
		return &Ephemeral{
			User:        srv.Username,
			Source:      SourceKeyFile,
			method:      ssh.PublicKeys(signer),
			keyMaterial: pem,
		}, nil
	}

	if srv.EncryptedPassword != "" {
		password, err := r.vault.OpenString(srv.EncryptedPassword)
		if err != nil {
			return nil, fmt.Errorf("open server password: %w", err)
		}
		pw := []byte(password)
		return &Ephemeral{
			User:        srv.Username,
			Source:      SourcePassword,
			method:      ssh.Password(password),
			keyMaterial: pw,
		}, nil
	}

	return nil, ErrNoCredential
}
