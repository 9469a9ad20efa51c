// Package storage persists executed trades, detected opportunities and risk
// events so a restarted process (or an operator with a SQL prompt) can see
// what the bot has done. The live trading path only appends here; nothing in
// detection or execution reads the database.
package storage

import (
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

// OpportunityRecord is one detected arbitrage opportunity.
type OpportunityRecord struct {
	ID           uint   `gorm:"primaryKey;autoIncrement"`
	BuyExchange  string `gorm:"index"`
	SellExchange string `gorm:"index"`
	BuyMarket    string
	SellMarket   string
	BuyPrice     decimal.Decimal `gorm:"type:decimal(10,6)"`
	SellPrice    decimal.Decimal `gorm:"type:decimal(10,6)"`
	ProfitBPS    decimal.Decimal `gorm:"type:decimal(10,2)"`
	Qty          decimal.Decimal `gorm:"type:decimal(20,6)"`
	ExpectedPnL  decimal.Decimal `gorm:"type:decimal(20,6)"`
	Executed     bool
	CreatedAt    time.Time
}

// TradeRecord is one dual-leg trade attempt and its outcome.
type TradeRecord struct {
	ID           string `gorm:"primaryKey"`
	BuyExchange  string `gorm:"index"`
	SellExchange string `gorm:"index"`
	BuyMarket    string
	SellMarket   string
	BuyPrice     decimal.Decimal `gorm:"type:decimal(10,6)"`
	SellPrice    decimal.Decimal `gorm:"type:decimal(10,6)"`
	Qty          decimal.Decimal `gorm:"type:decimal(20,6)"`
	BuyOrderID   string
	SellOrderID  string
	State        string `gorm:"index"` // BOTH_FILLED, ONE_SIDED, BOTH_FAILED
	DryRun       bool
	PnL          decimal.Decimal `gorm:"type:decimal(20,6)"`
	ErrorMessage string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// RiskEvent is a panic trigger, panic clear or limit refusal worth keeping.
type RiskEvent struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	Kind      string `gorm:"index"` // "panic", "panic_cleared", "limit_refusal"
	Reason    string
	CreatedAt time.Time
}

// Store wraps the gorm handle.
type Store struct {
	db *gorm.DB
}

// New opens the database. A postgres:// DSN selects PostgreSQL; anything else
// is treated as a SQLite file path (directories are created as needed).
func New(dsn string) (*Store, error) {
	var db *gorm.DB
	var err error

	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		db, err = gorm.Open(postgres.Open(dsn), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, err
		}
		log.Info().Msg("Database connected (PostgreSQL)")
	} else {
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			return nil, err
		}
		db, err = gorm.Open(sqlite.Open(dsn), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, err
		}
		log.Info().Str("path", dsn).Msg("Database initialized (SQLite)")
	}

	if err := db.AutoMigrate(&OpportunityRecord{}, &TradeRecord{}, &RiskEvent{}); err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// SaveOpportunity appends one detected opportunity.
func (s *Store) SaveOpportunity(rec *OpportunityRecord) error {
	return s.db.Create(rec).Error
}

// SaveTrade inserts or updates one trade attempt.
func (s *Store) SaveTrade(rec *TradeRecord) error {
	return s.db.Save(rec).Error
}

// SaveRiskEvent appends one risk event.
func (s *Store) SaveRiskEvent(rec *RiskEvent) error {
	return s.db.Create(rec).Error
}

// RecentTrades returns the latest trade attempts, newest first.
func (s *Store) RecentTrades(limit int) ([]TradeRecord, error) {
	var trades []TradeRecord
	err := s.db.Order("created_at DESC").Limit(limit).Find(&trades).Error
	return trades, err
}

// RecentOpportunities returns the latest detected opportunities, newest first.
func (s *Store) RecentOpportunities(limit int) ([]OpportunityRecord, error) {
	var opps []OpportunityRecord
	err := s.db.Order("created_at DESC").Limit(limit).Find(&opps).Error
	return opps, err
}

// TotalPnL sums realized PnL over every non-dry-run trade.
func (s *Store) TotalPnL() (decimal.Decimal, error) {
	var result struct {
		Total decimal.Decimal
	}
	err := s.db.Model(&TradeRecord{}).
		Select("COALESCE(SUM(pn_l), 0) as total").
		Where("dry_run = ?", false).
		Scan(&result).Error
	return result.Total, err
}
