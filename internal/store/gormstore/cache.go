package gormstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/autoscope/expertise/internal/analyzer"
)

// ResultCache implements analyzer.Cache on the analysis_cache table.
type ResultCache struct {
	db *gorm.DB
}

// NewResultCache returns a ResultCache backed by gorm.DB.
func NewResultCache(db *gorm.DB) *ResultCache {
	return &ResultCache{db: db}
}

func (c *ResultCache) Lookup(ctx context.Context, fingerprint string) (json.RawMessage, bool, error) {
	var row CachedAnalysis
	err := c.db.WithContext(ctx).
		Where("fingerprint = ?", fingerprint).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return json.RawMessage(row.Result), true, nil
}

func (c *ResultCache) Store(ctx context.Context, fingerprint string, reportType analyzer.ReportType, result json.RawMessage) error {
	row := CachedAnalysis{
		Fingerprint: fingerprint,
		ReportType:  reportType.String(),
		Result:      datatypes.JSON(result),
		CreatedAt:   time.Now().UTC(),
	}
	// Concurrent workers may finish identical inputs; first write wins.
	return c.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&row).Error
}
