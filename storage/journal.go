package storage

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ═══════════════════════════════════════════════════════════════════════════════
// TRADE JOURNAL - Cycle, order and risk-state persistence
// ═══════════════════════════════════════════════════════════════════════════════

type Journal struct {
	db *gorm.DB
}

// Models

// CycleRecord is one BUILD/UNWIND round trip, one row per cycle
type CycleRecord struct {
	ID         string `gorm:"primaryKey"`
	Pattern    string
	Outcome    string `gorm:"index"` // completed, aborted, denied, failed
	FailReason string

	TickerA     string
	DirectionA  string
	QtyA        decimal.Decimal `gorm:"type:decimal(20,8)"`
	EntryPriceA decimal.Decimal `gorm:"type:decimal(20,8)"`
	ExitPriceA  decimal.Decimal `gorm:"type:decimal(20,8)"`
	EntryTierA  string
	ExitTierA   string

	TickerB     string
	DirectionB  string
	QtyB        decimal.Decimal `gorm:"type:decimal(20,8)"`
	EntryPriceB decimal.Decimal `gorm:"type:decimal(20,8)"`
	ExitPriceB  decimal.Decimal `gorm:"type:decimal(20,8)"`
	EntryTierB  string
	ExitTierB   string

	Fees       decimal.Decimal `gorm:"type:decimal(20,8)"`
	PnL        decimal.Decimal `gorm:"column:pnl;type:decimal(20,8)"`
	Volume     decimal.Decimal `gorm:"type:decimal(20,2)"`
	DurationMs int64

	StartedAt time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// OrderRecord is one order placement, several per cycle
type OrderRecord struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	CycleID   string `gorm:"index"`
	Ticker    string `gorm:"index"`
	Side      string
	Tier      string
	Price     decimal.Decimal `gorm:"type:decimal(20,8)"`
	Qty       decimal.Decimal `gorm:"type:decimal(20,8)"`
	FilledQty decimal.Decimal `gorm:"type:decimal(20,8)"`
	AvgPrice  decimal.Decimal `gorm:"type:decimal(20,8)"`
	FeeBps    decimal.Decimal `gorm:"type:decimal(10,4)"`
	State     string
	LatencyMs int64
	CreatedAt time.Time
}

// RiskStateRecord persists governor state across restarts, one row per day
type RiskStateRecord struct {
	Date         string          `gorm:"primaryKey"` // YYYY-MM-DD
	RealizedPnL  decimal.Decimal `gorm:"type:decimal(20,8)"`
	DailyPnL     decimal.Decimal `gorm:"type:decimal(20,8)"`
	Volume       decimal.Decimal `gorm:"type:decimal(20,2)"`
	TradeCount   int
	LastCyclePnL decimal.Decimal `gorm:"type:decimal(20,8)"`
	Halted       bool
	HaltReason   string
	UpdatedAt    time.Time
}

// New opens the journal. A postgres:// DSN selects PostgreSQL,
// anything else is treated as a SQLite path.
func New(dsn string) (*Journal, error) {
	var db *gorm.DB
	var err error

	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		db, err = gorm.Open(postgres.Open(dsn), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, err
		}
		log.Info().Msg("Journal connected (PostgreSQL)")
	} else {
		if dir := filepath.Dir(dsn); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, err
			}
		}
		db, err = gorm.Open(sqlite.Open(dsn), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, err
		}
		log.Info().Str("path", dsn).Msg("Journal initialized (SQLite)")
	}

	if err := db.AutoMigrate(&CycleRecord{}, &OrderRecord{}, &RiskStateRecord{}); err != nil {
		return nil, err
	}

	return &Journal{db: db}, nil
}

// Cycle operations

func (j *Journal) SaveCycle(rec *CycleRecord) error {
	return j.db.Save(rec).Error
}

func (j *Journal) GetCycle(id string) (*CycleRecord, error) {
	var rec CycleRecord
	err := j.db.First(&rec, "id = ?", id).Error
	return &rec, err
}

func (j *Journal) RecentCycles(limit int) ([]CycleRecord, error) {
	var recs []CycleRecord
	err := j.db.Order("started_at DESC").Limit(limit).Find(&recs).Error
	return recs, err
}

// Order operations

func (j *Journal) SaveOrder(rec *OrderRecord) error {
	return j.db.Create(rec).Error
}

func (j *Journal) OrdersForCycle(cycleID string) ([]OrderRecord, error) {
	var recs []OrderRecord
	err := j.db.Where("cycle_id = ?", cycleID).Order("created_at ASC").Find(&recs).Error
	return recs, err
}

// Risk state operations

func (j *Journal) SaveRiskState(rec *RiskStateRecord) error {
	rec.UpdatedAt = time.Now()
	return j.db.Save(rec).Error
}

// LoadLatestRiskState returns the most recent snapshot, nil when none exists
func (j *Journal) LoadLatestRiskState() (*RiskStateRecord, error) {
	var rec RiskStateRecord
	err := j.db.Order("updated_at DESC").First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// Stats aggregates journal totals for the ops surface

func (j *Journal) Stats() (map[string]interface{}, error) {
	stats := make(map[string]interface{})

	var total int64
	j.db.Model(&CycleRecord{}).Count(&total)
	stats["total_cycles"] = total

	var completed int64
	j.db.Model(&CycleRecord{}).Where("outcome = ?", "completed").Count(&completed)
	stats["completed_cycles"] = completed

	var pnlResult struct {
		Total decimal.Decimal
	}
	j.db.Model(&CycleRecord{}).Select("COALESCE(SUM(pnl), 0) as total").Scan(&pnlResult)
	stats["total_pnl"] = pnlResult.Total

	var volResult struct {
		Total decimal.Decimal
	}
	j.db.Model(&CycleRecord{}).Select("COALESCE(SUM(volume), 0) as total").Scan(&volResult)
	stats["total_volume"] = volResult.Total

	return stats, nil
}

// Close releases the underlying connection
func (j *Journal) Close() error {
	sqlDB, err := j.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
