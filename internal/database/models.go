package database

import "time"

// Task statuses. Transitions are owned exclusively by the task queue:
// queued -> running -> {success, failed, timeout, cancelled}, plus
// queued -> cancelled for a cancel that lands before dispatch.
const (
	TaskQueued    = "queued"
	TaskRunning   = "running"
	TaskSuccess   = "success"
	TaskFailed    = "failed"
	TaskTimeout   = "timeout"
	TaskCancelled = "cancelled"
)

// Terminal session statuses. active -> {closed, timeout, error}, terminal.
const (
	SessionActive  = "active"
	SessionClosed  = "closed"
	SessionTimeout = "timeout"
	SessionError   = "error"
)

// Credential is a named, encrypted SSH private key. The plaintext key is
// never persisted; only the AES-GCM ciphertext, nonce and tag are stored.
// Rows are tombstoned rather than removed so audit references stay valid.
type Credential struct {
	ID          string     `gorm:"primaryKey;size:36" json:"id"`
	Name        string     `gorm:"uniqueIndex;not null;size:128" json:"name"`
	Description string     `json:"description,omitempty"`
	PublicKey   string     `gorm:"type:text" json:"public_key"`
	Ciphertext  []byte     `gorm:"not null" json:"-"`
	Nonce       []byte     `gorm:"not null" json:"-"`
	AuthTag     []byte     `gorm:"not null" json:"-"`
	KeyType     string     `gorm:"size:32" json:"key_type"`
	Fingerprint string     `gorm:"size:64" json:"fingerprint"`
	CreatedBy   string     `gorm:"size:64" json:"created_by"`
	CreatedAt   time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt   *time.Time `gorm:"index" json:"deleted_at,omitempty"`
}

// Server is one entry of the target-host directory: where to connect and
// which credential source to use. Exactly one of CredentialID, KeyFilePath
// or EncryptedPassword is expected to be set; the resolver picks them in
// that priority order.
type Server struct {
	ID                uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	Name              string    `gorm:"uniqueIndex;not null;size:128" json:"name"`
	Host              string    `gorm:"not null;size:255" json:"host"`
	Port              int       `gorm:"not null;default:22" json:"port"`
	Username          string    `gorm:"not null;size:64" json:"username"`
	CredentialID      *string   `gorm:"size:36" json:"credential_id,omitempty"`
	KeyFilePath       string    `json:"key_file_path,omitempty"`
	EncryptedPassword string    `json:"-"` // sealed with the vault master key
	CreatedAt         time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// Task is one remote command execution request. The task queue owns all
// mutation until a terminal status is reached; rows are immutable after.
type Task struct {
	ID             string     `gorm:"primaryKey;size:36" json:"id"`
	ServerID       uint       `gorm:"not null;index" json:"server_id"`
	Actor          string     `gorm:"not null;size:64;index" json:"actor"`
	Command        string     `gorm:"type:text;not null" json:"command"`
	Status         string     `gorm:"not null;default:queued;index" json:"status"`
	ExitCode       *int       `json:"exit_code,omitempty"`
	Stdout         *string    `gorm:"type:text" json:"stdout,omitempty"`
	Stderr         *string    `gorm:"type:text" json:"stderr,omitempty"`
	Reason         string     `gorm:"size:255" json:"reason,omitempty"`
	TimeoutSeconds int        `gorm:"not null" json:"timeout_seconds"`
	StoreOutput    bool       `gorm:"not null;default:false" json:"store_output"`
	CreatedAt      time.Time  `gorm:"autoCreateTime" json:"created_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
}

// TerminalSession is one interactive remote-shell connection. The session
// manager owns all mutation; LastActivity is touched on every inbound frame.
type TerminalSession struct {
	ID           string     `gorm:"primaryKey;size:36" json:"id"`
	ServerID     uint       `gorm:"not null;index" json:"server_id"`
	Actor        string     `gorm:"not null;size:64;index" json:"actor"`
	CredentialID *string    `gorm:"size:36" json:"credential_id,omitempty"`
	Status       string     `gorm:"not null;default:active;index" json:"status"`
	Reason       string     `gorm:"size:255" json:"reason,omitempty"`
	StartedAt    time.Time  `gorm:"autoCreateTime" json:"started_at"`
	EndedAt      *time.Time `json:"ended_at,omitempty"`
	LastActivity time.Time  `json:"last_activity"`
}

// AuditEvent is one fire-and-forget lifecycle notification written by the
// audit emitter's database sink.
type AuditEvent struct {
	ID         uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	Actor      string    `gorm:"size:64;index" json:"actor"`
	Action     string    `gorm:"not null;size:64;index" json:"action"`
	TargetType string    `gorm:"size:32;index" json:"target_type"`
	TargetID   string    `gorm:"size:64;index" json:"target_id"`
	Metadata   string    `gorm:"type:text" json:"metadata,omitempty"`
	CreatedAt  time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}

type Setting struct {
	Key       string    `gorm:"primaryKey" json:"key"`
	Value     string    `gorm:"not null" json:"value"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
