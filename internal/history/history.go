// Package history archives terminal jobs in SQLite so they survive Queen restarts.
package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/hivecompute/hive/core/mesh/common"
	"github.com/hivecompute/hive/internal/utils"
)

// JobRecord is the archived row of one terminal job.
type JobRecord struct {
	ID           string    `gorm:"primaryKey;size:64" json:"id"`
	CID          string    `gorm:"index;size:128" json:"cid"`
	PeerID       string    `gorm:"index;size:128" json:"peer_id,omitempty"`
	State        string    `gorm:"size:16;index" json:"state"`
	FailureCause string    `gorm:"size:32" json:"failure_cause,omitempty"`
	ErrorCode    string    `gorm:"size:32" json:"error_code,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
	RetryCount   int       `json:"retry_count"`
	Tokens       int       `json:"tokens"`
	Prompt       string    `json:"prompt"`
	Result       string    `json:"result,omitempty"`
	Payload      string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
	CompletedAt  time.Time `gorm:"index" json:"completed_at"`
}

// TableName pins the table name.
func (JobRecord) TableName() string {
	return "job_history"
}

// Filter narrows List.
type Filter struct {
	CID    string
	PeerID string
	State  string
	Limit  int
}

// Archive is a gorm-backed job archive.
type Archive struct {
	db     *gorm.DB
	logger *zap.Logger
}

// Open opens (or creates) the archive at path. ":memory:" is accepted for tests.
func Open(path string, log *zap.Logger) (*Archive, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, common.ErrIO("open history", err)
	}
	// Every pooled connection to ":memory:" would see its own empty database.
	if path == ":memory:" {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, common.ErrIO("open history", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}
	return New(db, log)
}

// New wraps an existing connection and migrates the schema.
func New(db *gorm.DB, log *zap.Logger) (*Archive, error) {
	if err := db.AutoMigrate(&JobRecord{}); err != nil {
		return nil, fmt.Errorf("failed to auto migrate: %w", err)
	}
	return &Archive{db: db, logger: utils.Component(log, "history")}, nil
}

// Archive stores a terminal job. Archiving the same job twice keeps the latest copy.
func (a *Archive) Archive(ctx context.Context, job common.Job) error {
	if !job.State.IsTerminal() {
		return common.ErrInvalidArgument("only terminal jobs are archived").
			WithContext("job_id", job.ID).
			WithContext("state", job.State.String())
	}
	rec := toRecord(job)
	if err := a.db.WithContext(ctx).Save(&rec).Error; err != nil {
		a.logger.Warn("failed to archive job", zap.String("job_id", job.ID), zap.Error(err))
		return common.ErrIO("archive job", err).WithContext("job_id", job.ID)
	}
	return nil
}

// Get returns one archived job.
func (a *Archive) Get(ctx context.Context, jobID string) (JobRecord, error) {
	var rec JobRecord
	err := a.db.WithContext(ctx).First(&rec, "id = ?", jobID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return rec, common.ErrNotFound("job", jobID)
	}
	if err != nil {
		return rec, common.ErrIO("read history", err)
	}
	return rec, nil
}

// List returns archived jobs, most recently completed first.
func (a *Archive) List(ctx context.Context, f Filter) ([]JobRecord, error) {
	q := a.db.WithContext(ctx).Model(&JobRecord{})
	if f.CID != "" {
		q = q.Where("cid = ?", f.CID)
	}
	if f.PeerID != "" {
		q = q.Where("peer_id = ?", f.PeerID)
	}
	if f.State != "" {
		q = q.Where("state = ?", f.State)
	}
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	var out []JobRecord
	if err := q.Order("completed_at DESC").Limit(limit).Find(&out).Error; err != nil {
		return nil, common.ErrIO("list history", err)
	}
	return out, nil
}

// Stats counts archived jobs by terminal state.
func (a *Archive) Stats(ctx context.Context) (map[string]int64, error) {
	var rows []struct {
		State string
		Count int64
	}
	err := a.db.WithContext(ctx).Model(&JobRecord{}).
		Select("state, count(*) as count").
		Group("state").
		Scan(&rows).Error
	if err != nil {
		return nil, common.ErrIO("history stats", err)
	}
	out := make(map[string]int64, len(rows))
	for _, r := range rows {
		out[r.State] = r.Count
	}
	return out, nil
}

// Close closes the underlying connection.
func (a *Archive) Close() error {
	sqlDB, err := a.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func toRecord(job common.Job) JobRecord {
	rec := JobRecord{
		ID:           job.ID,
		CID:          job.CID,
		PeerID:       job.PeerID,
		State:        job.State.String(),
		FailureCause: string(job.FailureCause),
		RetryCount:   job.RetryCount,
		Tokens:       job.Tokens,
		Prompt:       job.Payload.Prompt,
		Result:       job.Result,
		CreatedAt:    job.CreatedAt,
		CompletedAt:  job.CompletedAt,
	}
	if rec.CompletedAt.IsZero() {
		rec.CompletedAt = job.UpdatedAt
	}
	if job.Error != nil {
		rec.ErrorCode = job.Error.Code
		rec.ErrorMessage = job.Error.Message
	}
	if raw, err := json.Marshal(job.Payload); err == nil {
		rec.Payload = string(raw)
	}
	return rec
}
