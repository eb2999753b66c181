package queuehub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

// GormStore is a RecordStore backed by a relational database through gorm.
// Rows live in the queue_messages table.
type GormStore struct {
	db     *gorm.DB
	logger *zap.SugaredLogger
}

// recordModel is the queue_messages row.
type recordModel struct {
	ID           string         `gorm:"primaryKey;type:varchar(36)"`
	QueueName    string         `gorm:"type:varchar(255);not null;index"`
	MessageType  string         `gorm:"type:varchar(255);not null"`
	Payload      string         `gorm:"type:jsonb"`
	Status       string         `gorm:"type:varchar(16);not null;default:pending;index"`
	Priority     string         `gorm:"type:varchar(16);not null;default:normal"`
	RetryCount   int            `gorm:"not null;default:0"`
	MaxRetries   int            `gorm:"not null;default:3"`
	ProcessedAt  *time.Time
	ScheduledAt  *time.Time
	ErrorMessage *string        `gorm:"type:text"`
	Metadata     map[string]any `gorm:"serializer:json;type:jsonb"`
	CreatedAt    time.Time      `gorm:"index"`
	UpdatedAt    time.Time
}

func (recordModel) TableName() string {
	return "queue_messages"
}

// GormStoreOption configures a GormStore
type GormStoreOption func(*GormStore)

// WithStoreLogger sets the logger used for store failures
func WithStoreLogger(logger *zap.SugaredLogger) GormStoreOption {
	return func(s *GormStore) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewGormStore wraps an already opened gorm handle
func NewGormStore(db *gorm.DB, opts ...GormStoreOption) *GormStore {
	s := &GormStore{
		db:     db,
		logger: zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// OpenPostgresStore connects to postgres and verifies the connection.
func OpenPostgresStore(ctx context.Context, dsn string, opts ...GormStoreOption) (*GormStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("%w: postgres dsn is required", ErrInvalidArgument)
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, connectivityError("open gorm postgres", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("resolve postgres sql db handle: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := sqlDB.PingContext(pingCtx); err != nil {
		_ = sqlDB.Close()
		return nil, connectivityError("ping postgres", err)
	}
	return NewGormStore(db, opts...), nil
}

// Migrate creates or upgrades the queue_messages table
func (s *GormStore) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(&recordModel{}); err != nil {
		return fmt.Errorf("failed to migrate queue_messages: %w", err)
	}
	return nil
}

// Close closes the underlying database handle
func (s *GormStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Create inserts rec. A duplicate id fails with ErrInvalidState.
func (s *GormStore) Create(ctx context.Context, rec *Record) error {
	row := recordModelFromRecord(rec)
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return invalidState("message %s already exists", rec.ID)
		}
		return s.logError("queue_store_create_failed", err, "message_id", rec.ID, "queue", rec.QueueName)
	}
	rec.CreatedAt = row.CreatedAt
	rec.UpdatedAt = row.UpdatedAt
	return nil
}

// Get loads the record with the given id
func (s *GormStore) Get(ctx context.Context, id string) (*Record, error) {
	var row recordModel
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrMessageNotFound
		}
		return nil, s.logError("queue_store_get_failed", err, "message_id", id)
	}
	return row.toRecord(), nil
}

// Update locks the row with SELECT ... FOR UPDATE, applies fn and saves
// the result in the same transaction. An error from fn rolls back.
func (s *GormStore) Update(ctx context.Context, id string, fn func(*Record) error) (*Record, error) {
	var updated *Record
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row recordModel
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", id).
			First(&row).
			Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrMessageNotFound
			}
			return err
		}

		rec := row.toRecord()
		if err := fn(rec); err != nil {
			return err
		}
		rec.ID = id

		next := recordModelFromRecord(rec)
		next.CreatedAt = row.CreatedAt
		if err := tx.Save(&next).Error; err != nil {
			return err
		}
		updated = next.toRecord()
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidState) {
			return nil, err
		}
		return nil, s.logError("queue_store_update_failed", err, "message_id", id)
	}
	return updated, nil
}

// List returns records ordered by created_at descending
func (s *GormStore) List(ctx context.Context, filter ListFilter) ([]*Record, error) {
	filter = filter.normalized()

	tx := s.db.WithContext(ctx).Model(&recordModel{})
	if filter.Queue != "" {
		tx = tx.Where("queue_name = ?", filter.Queue)
	}
	if filter.Status != "" {
		tx = tx.Where("status = ?", string(filter.Status))
	}

	var rows []recordModel
	err := tx.Order("created_at DESC").
		Order("id DESC").
		Offset(filter.Offset).
		Limit(filter.Limit).
		Find(&rows).
		Error
	if err != nil {
		return nil, s.logError("queue_store_list_failed", err, "queue", filter.Queue, "status", filter.Status)
	}

	out := make([]*Record, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toRecord())
	}
	return out, nil
}

// Delete removes a single record
func (s *GormStore) Delete(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Where("id = ?", id).Delete(&recordModel{})
	if res.Error != nil {
		return s.logError("queue_store_delete_failed", res.Error, "message_id", id)
	}
	if res.RowsAffected == 0 {
		return ErrMessageNotFound
	}
	return nil
}

// DeleteQueue removes every record of the queue
func (s *GormStore) DeleteQueue(ctx context.Context, queue string) (int64, error) {
	res := s.db.WithContext(ctx).Where("queue_name = ?", queue).Delete(&recordModel{})
	if res.Error != nil {
		return 0, s.logError("queue_store_delete_queue_failed", res.Error, "queue", queue)
	}
	return res.RowsAffected, nil
}

type statusCountRow struct {
	QueueName string
	Status    string
	Count     int64
}

// CountByStatus groups the queue's records by status
func (s *GormStore) CountByStatus(ctx context.Context, queue string) (map[Status]int64, error) {
	var rows []statusCountRow
	err := s.db.WithContext(ctx).
		Model(&recordModel{}).
		Select("status, COUNT(*) AS count").
		Where("queue_name = ?", queue).
		Group("status").
		Scan(&rows).
		Error
	if err != nil {
		return nil, s.logError("queue_store_count_failed", err, "queue", queue)
	}

	counts := make(map[Status]int64, len(rows))
	for _, r := range rows {
		counts[Status(r.Status)] = r.Count
	}
	return counts, nil
}

// CountAll groups all records by queue and status
func (s *GormStore) CountAll(ctx context.Context) (map[string]map[Status]int64, error) {
	var rows []statusCountRow
	err := s.db.WithContext(ctx).
		Model(&recordModel{}).
		Select("queue_name, status, COUNT(*) AS count").
		Group("queue_name").
		Group("status").
		Scan(&rows).
		Error
	if err != nil {
		return nil, s.logError("queue_store_count_all_failed", err)
	}

	counts := make(map[string]map[Status]int64)
	for _, r := range rows {
		byStatus, ok := counts[r.QueueName]
		if !ok {
			byStatus = make(map[Status]int64)
			counts[r.QueueName] = byStatus
		}
		byStatus[Status(r.Status)] = r.Count
	}
	return counts, nil
}

func (s *GormStore) logError(event string, err error, keysAndValues ...any) error {
	s.logger.Errorw(event, append(keysAndValues, "error", err)...)
	return fmt.Errorf("%s: %w", event, err)
}

func recordModelFromRecord(rec *Record) recordModel {
	row := recordModel{
		ID:          rec.ID,
		QueueName:   rec.QueueName,
		MessageType: rec.MessageType,
		Payload:     string(rec.Payload),
		Status:      string(rec.Status),
		Priority:    string(rec.Priority),
		RetryCount:  rec.RetryCount,
		MaxRetries:  rec.MaxRetries,
		ProcessedAt: rec.ProcessedAt,
		ScheduledAt: rec.ScheduledAt,
		Metadata:    rec.Metadata,
		CreatedAt:   rec.CreatedAt,
		UpdatedAt:   rec.UpdatedAt,
	}
	if row.Payload == "" {
		row.Payload = "null"
	}
	if rec.ErrorMessage != "" {
		msg := rec.ErrorMessage
		row.ErrorMessage = &msg
	}
	return row
}

func (m recordModel) toRecord() *Record {
	rec := &Record{
		ID:          m.ID,
		QueueName:   m.QueueName,
		MessageType: m.MessageType,
		Payload:     json.RawMessage(m.Payload),
		Status:      Status(m.Status),
		Priority:    Priority(m.Priority),
		RetryCount:  m.RetryCount,
		MaxRetries:  m.MaxRetries,
		ProcessedAt: m.ProcessedAt,
		ScheduledAt: m.ScheduledAt,
		Metadata:    m.Metadata,
		CreatedAt:   m.CreatedAt,
		UpdatedAt:   m.UpdatedAt,
	}
	if m.ErrorMessage != nil {
		rec.ErrorMessage = *m.ErrorMessage
	}
	return rec
}
