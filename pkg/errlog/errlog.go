package errlog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ErrorLog is a persisted diagnostic entry. Rows are only ever inserted.
type ErrorLog struct {
	ID   uint      `gorm:"primarykey"`
	Time time.Time `gorm:"index"`
	Msg  datatypes.JSON
}

// Sink is a best-effort durable error log. Append never fails the caller; a
// nil *Sink only writes to the process log.
type Sink struct {
	logger *slog.Logger
	db     *gorm.DB
}

func NewSink(logger *slog.Logger, db *gorm.DB, migrate bool) (*Sink, error) {
	if migrate {
		if err := db.AutoMigrate(&ErrorLog{}); err != nil {
			return nil, fmt.Errorf("failed to migrate error log table: %w", err)
		}
	}

	return &Sink{
		logger: logger.With("module", "errlog"),
		db:     db,
	}, nil
}

// Append records msg with its structured fields.
func (s *Sink) Append(ctx context.Context, msg string, fields map[string]any) {
	payload := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		payload[k] = v
	}
	payload["msg"] = msg

	if s == nil {
		slog.Error(msg, "fields", payload)
		return
	}

	s.logger.Error(msg, "fields", payload)

	raw, err := json.Marshal(payload)
	if err != nil {
		s.logger.Error("failed to marshal error log entry", "err", err)
		sinkFailures.Inc()
		return
	}

	entry := &ErrorLog{
		Time: time.Now().UTC(),
		Msg:  datatypes.JSON(raw),
	}

	if err := s.db.WithContext(ctx).Create(entry).Error; err != nil {
		s.logger.Error("failed to persist error log entry", "err", err)
		sinkFailures.Inc()
		return
	}

	entriesWritten.Inc()
}
