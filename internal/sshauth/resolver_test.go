package sshauth

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/minhtuancn/server-monitor-sub002/internal/database"
	"github.com/minhtuancn/server-monitor-sub002/internal/vault"
)

func setupResolver(t *testing.T) (*Resolver, *vault.Vault, *gorm.DB) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := database.Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	v, err := vault.New(db, "resolver-test-secret")
	if err != nil {
		t.Fatalf("vault: %v", err)
	}
	return NewResolver(db, v), v, db
}

func writeKeyFile(t *testing.T) (path string, pem []byte) {
	t.Helper()
	_, priv, err := vault.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	path = filepath.Join(t.TempDir(), "id_test")
	if err := os.WriteFile(path, priv, 0600); err != nil {
		t.Fatalf("write key: %v", err)
	}
	return path, priv
}

func TestResolve_VaultCredential(t *testing.T) {
	r, v, _ := setupResolver(t)

	_, priv, err := vault.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	cred, err := v.Create("deploy", "", priv, "admin")
	if err != nil {
		t.Fatalf("create credential: %v", err)
	}

	srv := &database.Server{Username: "deploy", CredentialID: &cred.ID}
	eph, err := r.Resolve(srv)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if eph.Source != SourceVault {
		t.Errorf("source = %q, want vault", eph.Source)
	}
	if eph.User != "deploy" {
		t.Errorf("user = %q", eph.User)
	}
	if eph.CredentialID == nil || *eph.CredentialID != cred.ID {
		t.Errorf("credential id = %v", eph.CredentialID)
	}
	if eph.AuthMethod() == nil {
		t.Error("auth method is nil")
	}
}

func TestResolve_PriorityOrder(t *testing.T) {
	r, v, _ := setupResolver(t)

	_, priv, err := vault.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	cred, err := v.Create("deploy", "", priv, "admin")
	if err != nil {
		t.Fatalf("create credential: %v", err)
	}
	keyPath, _ := writeKeyFile(t)
	sealed, err := v.SealString("hunter2")
	if err != nil {
		t.Fatalf("seal: %v", err)
	}

	// All three sources set: the vault credential wins.
	srv := &database.Server{
		Username:          "root",
		CredentialID:      &cred.ID,
		KeyFilePath:       keyPath,
		EncryptedPassword: sealed,
	}
	eph, err := r.Resolve(srv)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if eph.Source != SourceVault {
		t.Errorf("source = %q, want vault", eph.Source)
	}

	// Without the credential id the key file wins over the password.
	srv.CredentialID = nil
	eph, err = r.Resolve(srv)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if eph.Source != SourceKeyFile {
		t.Errorf("source = %q, want keyfile", eph.Source)
	}

	// Password is the last resort.
	srv.KeyFilePath = ""
	eph, err = r.Resolve(srv)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if eph.Source != SourcePassword {
		t.Errorf("source = %q, want password", eph.Source)
	}
}

func TestResolve_NoCredential(t *testing.T) {
	r, _, _ := setupResolver(t)
	srv := &database.Server{Username: "root"}
	if _, err := r.Resolve(srv); !errors.Is(err, ErrNoCredential) {
		t.Errorf("error = %v, want ErrNoCredential", err)
	}
}

func TestResolve_TombstonedCredential(t *testing.T) {
	r, v, _ := setupResolver(t)

	_, priv, err := vault.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	cred, err := v.Create("deploy", "", priv, "admin")
	if err != nil {
		t.Fatalf("create credential: %v", err)
	}
	if err := v.SoftDelete(cred.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}

	srv := &database.Server{Username: "root", CredentialID: &cred.ID}
	if _, err := r.Resolve(srv); !errors.Is(err, vault.ErrNotFound) {
		t.Errorf("error = %v, want vault.ErrNotFound", err)
	}
}

func TestResolve_MissingKeyFile(t *testing.T) {
	r, _, _ := setupResolver(t)
	srv := &database.Server{Username: "root", KeyFilePath: "/nonexistent/id_rsa"}
	if _, err := r.Resolve(srv); err == nil {
		t.Fatal("expected error for missing key file")
	}
}

func TestEphemeral_ScrubZeroesKeyMaterial(t *testing.T) {
	r, _, _ := setupResolver(t)

	keyPath, _ := writeKeyFile(t)
	srv := &database.Server{Username: "root", KeyFilePath: keyPath}
	eph, err := r.Resolve(srv)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	material := eph.keyMaterial
	eph.Scrub()
	for i, b := range material {
		if b != 0 {
			t.Fatalf("byte %d of key material survived scrub", i)
		}
	}
	if eph.AuthMethod() != nil {
		t.Error("auth method survived scrub")
	}
}

func TestClassifyDialError(t *testing.T) {
	cases := []struct {
		in   string
		want error
	}{
		{"ssh: handshake failed: ssh: unable to authenticate, attempted methods [none password]", ErrAuthentication},
		{"ssh: handshake failed: no supported methods remain", ErrAuthentication},
		{"ssh: permission denied", ErrAuthentication},
		{"dial tcp 10.0.0.1:22: connect: connection refused", ErrConnection},
		{"dial tcp: i/o timeout", ErrConnection},
	}
	for _, tc := range cases {
		got := classifyDialError(errors.New(tc.in))
		if !errors.Is(got, tc.want) {
			t.Errorf("classifyDialError(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

// TestDial_ContextCancellation points the dialer at a listener that accepts
// connections but never speaks SSH, then cancels mid-handshake.
func TestDial_ContextCancellation(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer listener.Close()
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			defer conn.Close()
		}
	}()

	host, portStr, _ := net.SplitHostPort(listener.Addr().String())
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parse port: %v", err)
	}
	srv := &database.Server{Host: host, Port: port, Username: "root"}

	eph := &Ephemeral{User: "root", Source: SourcePassword, method: ssh.Password("x")}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err = Dial(ctx, srv, eph)
	if !errors.Is(err, ErrConnection) {
		t.Errorf("error = %v, want ErrConnection", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("dial returned after %s, cancellation did not abandon the attempt", elapsed)
	}
}
