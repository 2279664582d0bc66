package audit

import (
	"log"
	"time"

	"gorm.io/gorm"

	"github.com/minhtuancn/server-monitor-sub002/internal/database"
)

// DefaultRetentionDays is the default number of days audit events are kept.
const DefaultRetentionDays = 90

// Store is the database-backed audit sink. It also answers queries and
// enforces retention.
type Store struct {
	db            *gorm.DB
	retentionDays int
	nowFn         func() time.Time
}

// NewStore creates a Store writing to the given database. A retentionDays
// of 0 or less selects DefaultRetentionDays.
func NewStore(db *gorm.DB, retentionDays int) *Store {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}
	return &Store{db: db, retentionDays: retentionDays, nowFn: time.Now}
}

// Emit implements Sink by inserting one audit event row.
func (s *Store) Emit(ev Event) error {
	record := database.AuditEvent{
		Actor:      ev.Actor,
		Action:     ev.Action,
		TargetType: ev.TargetType,
		TargetID:   ev.TargetID,
		Metadata:   ev.Metadata,
		CreatedAt:  ev.Timestamp,
	}
	return s.db.Create(&record).Error
}

// QueryOptions filters audit event queries.
type QueryOptions struct {
	Actor      string
	Action     string
	TargetType string
	TargetID   string
	Since      *time.Time
	Until      *time.Time
	Limit      int
	Offset     int
}

// QueryResult contains audit events and pagination metadata.
type QueryResult struct {
	Entries []database.AuditEvent `json:"entries"`
	Total   int64                 `json:"total"`
	Limit   int                   `json:"limit"`
	Offset  int                   `json:"offset"`
}

// Query retrieves audit events matching the given options, newest first.
func (s *Store) Query(opts QueryOptions) (*QueryResult, error) {
	tx := s.db.Model(&database.AuditEvent{})

	if opts.Actor != "" {
		tx = tx.Where("actor = ?", opts.Actor)
	}
	if opts.Action != "" {
		tx = tx.Where("action = ?", opts.Action)
	}
	if opts.TargetType != "" {
		tx = tx.Where("target_type = ?", opts.TargetType)
	}
	if opts.TargetID != "" {
		tx = tx.Where("target_id = ?", opts.TargetID)
	}
	if opts.Since != nil {
		tx = tx.Where("created_at >= ?", *opts.Since)
	}
	if opts.Until != nil {
		tx = tx.Where("created_at <= ?", *opts.Until)
	}

	var total int64
	if err := tx.Count(&total).Error; err != nil {
		return nil, err
	}

	if opts.Limit <= 0 {
		opts.Limit = 50
	}
	if opts.Limit > 1000 {
		opts.Limit = 1000
	}

	var entries []database.AuditEvent
	if err := tx.Order("created_at DESC").Offset(opts.Offset).Limit(opts.Limit).Find(&entries).Error; err != nil {
		return nil, err
	}

	return &QueryResult{
		Entries: entries,
		Total:   total,
		Limit:   opts.Limit,
		Offset:  opts.Offset,
	}, nil
}

// PurgeOlderThan removes audit events older than the given number of days
// (or the configured retention if days <= 0). Returns rows deleted.
func (s *Store) PurgeOlderThan(days int) (int64, error) {
	if days <= 0 {
		days = s.retentionDays
	}
	cutoff := s.nowFn().AddDate(0, 0, -days)
	result := s.db.Where("created_at < ?", cutoff).Delete(&database.AuditEvent{})
	if result.Error != nil {
		log.Printf("[audit] purge failed: %v", result.Error)
		return 0, result.Error
	}
	if result.RowsAffected > 0 {
		log.Printf("[audit] purged %d events older than %d days", result.RowsAffected, days)
	}
	return result.RowsAffected, nil
}

// RetentionDays returns the configured retention period.
func (s *Store) RetentionDays() int {
	return s.retentionDays
}

// SetNowFunc sets the clock function used for testing.
func (s *Store) SetNowFunc(fn func() time.Time) {
	s.nowFn = fn
}
