// Package archive persists a record of finished rooms before the janitor
// reclaims them. Purely operational history; the session core never reads it.
package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// FinishedRoom is one archived room.
type FinishedRoom struct {
	ID          uint   `gorm:"primaryKey"`
	Code        string `gorm:"size:8;index"`
	GameID      string `gorm:"size:64;index"`
	Mode        string `gorm:"size:16"`
	PlayerCount int
	Results     string `gorm:"type:jsonb"`
	FinishedAt  time.Time
}

type Archive struct {
	db     *gorm.DB
	logger *zap.Logger
}

// Open connects to postgres and ensures the schema exists.
func Open(dsn string, logger *zap.Logger) (*Archive, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("archive: open: %w", err)
	}
	if err := db.AutoMigrate(&FinishedRoom{}); err != nil {
		return nil, fmt.Errorf("archive: migrate: %w", err)
	}
	return &Archive{db: db, logger: logger}, nil
}

// Record stores one finished room. Results is stored as JSON; a nil map
// becomes an empty object.
func (a *Archive) Record(ctx context.Context, code, gameID, mode string, playerCount int, results map[string]any) error {
	if results == nil {
		results = map[string]any{}
	}
	raw, err := json.Marshal(results)
	if err != nil {
		return fmt.Errorf("archive: encode results: %w", err)
	}
	rec := FinishedRoom{
		Code:        code,
		GameID:      gameID,
		Mode:        mode,
		PlayerCount: playerCount,
		Results:     string(raw),
		FinishedAt:  time.Now().UTC(),
	}
	if err := a.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return fmt.Errorf("archive: insert: %w", err)
	}
	a.logger.Info("archived finished room",
		zap.String("code", code), zap.String("game", gameID))
	return nil
}
