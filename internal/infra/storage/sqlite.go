package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"trade_go/internal/domain"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Journal persists terminal orders and individual fills to SQLite, so a
// paper or live session leaves an auditable trail across restarts.
type Journal struct {
	db *gorm.DB
}

// NewJournal opens (or creates) the journal database at path.
func NewJournal(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	// Pure-Go SQLite driver, no cgo.
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open journal database: %w", err)
	}

	if err := db.AutoMigrate(&domain.OrderRecord{}, &domain.FillRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate journal schema: %w", err)
	}

	return &Journal{db: db}, nil
}

// SaveOrder writes one terminal order row.
func (j *Journal) SaveOrder(o *domain.Order) error {
	rec := domain.OrderRecord{
		OrderID:   o.ID,
		GroupName: o.GroupName,
		Symbol:    o.Symbol,
		Side:      o.Side,
		Type:      o.Type,
		Amount:    o.Amount.String(),
		Price:     o.Price.String(),
		Filled:    o.Filled.String(),
		State:     o.State,
		External:  o.External,
		OpenedAt:  o.OpenTS,
		ClosedAt:  o.CloseTS,
	}
	return j.db.Create(&rec).Error
}

// SaveFill writes one execution row.
func (j *Journal) SaveFill(o *domain.Order, e domain.OrderEvent) error {
	rec := domain.FillRecord{
		OrderID:   e.ID,
		GroupName: o.GroupName,
		Symbol:    o.Symbol,
		Price:     e.Price.String(),
		Size:      e.Size.String(),
		Fee:       e.Fee.String(),
		TradeTS:   e.TS,
	}
	return j.db.Create(&rec).Error
}

// OrdersSince returns terminal orders recorded at or after ts, newest first.
func (j *Journal) OrdersSince(ts time.Time) ([]domain.OrderRecord, error) {
	var recs []domain.OrderRecord
	err := j.db.Where("created_at >= ?", ts).Order("id desc").Find(&recs).Error
	return recs, err
}

// FillsForOrder returns the fills recorded for one venue order id.
func (j *Journal) FillsForOrder(orderID string) ([]domain.FillRecord, error) {
	var recs []domain.FillRecord
	err := j.db.Where("order_id = ?", orderID).Order("id asc").Find(&recs).Error
	return recs, err
}

// GroupFills returns every fill recorded for a group, oldest first.
func (j *Journal) GroupFills(group string) ([]domain.FillRecord, error) {
	var recs []domain.FillRecord
	err := j.db.Where("group_name = ?", group).Order("id asc").Find(&recs).Error
	return recs, err
}
