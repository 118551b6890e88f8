package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"grid-maker-go/inventory"
	"grid-maker-go/order"
)

// Checkpoint 引擎在停机与定期保存的本地状态；启动时与交易所快照对账，交易所为准。
type Checkpoint struct {
	Symbol   string
	Position inventory.Position
	Orders   []order.LiveOrder
	FillIDs  []string
	SavedAt  time.Time
}

type positionRecord struct {
	Symbol      string `gorm:"primaryKey"`
	NetSize     float64
	AvgCost     float64
	RealizedPnL float64
	SavedAt     time.Time
}

func (positionRecord) TableName() string { return "positions" }

type orderRecord struct {
	ID         string `gorm:"primaryKey"`
	Symbol     string `gorm:"index"`
	ClientID   string
	Side       string
	LevelIndex int
	Price      float64
	Size       float64
	Filled     float64
	Status     string
	CreatedAt  time.Time
}

func (orderRecord) TableName() string { return "orders" }

type fillRecord struct {
	Symbol string `gorm:"primaryKey"`
	FillID string `gorm:"primaryKey"`
	Seq    int
}

func (fillRecord) TableName() string { return "fill_ids" }

// Store 基于 SQLite 的检查点存储，每个 symbol 一份。
type Store struct {
	db *gorm.DB
}

// Open 打开（必要时创建）数据库文件并迁移表结构。
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open checkpoint db: %w", err)
	}
	if err := db.AutoMigrate(&positionRecord{}, &orderRecord{}, &fillRecord{}); err != nil {
		return nil, fmt.Errorf("migrate checkpoint db: %w", err)
	}
	return &Store{db: db}, nil
}

// Save 在一个事务内整体替换该 symbol 的检查点。
func (s *Store) Save(ctx context.Context, cp Checkpoint) error {
	if cp.Symbol == "" {
		return errors.New("checkpoint symbol is empty")
	}
	if cp.SavedAt.IsZero() {
		cp.SavedAt = time.Now().UTC()
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		pos := positionRecord{
			Symbol:      cp.Symbol,
			NetSize:     cp.Position.NetSize,
			AvgCost:     cp.Position.AvgCost,
			RealizedPnL: cp.Position.RealizedPnL,
			SavedAt:     cp.SavedAt,
		}
		if err := tx.Save(&pos).Error; err != nil {
			return fmt.Errorf("save position: %w", err)
		}
		if err := tx.Where("symbol = ?", cp.Symbol).Delete(&orderRecord{}).Error; err != nil {
			return fmt.Errorf("clear orders: %w", err)
		}
		if len(cp.Orders) > 0 {
			rows := make([]orderRecord, 0, len(cp.Orders))
			for _, o := range cp.Orders {
				rows = append(rows, orderRecord{
					ID:         o.ID,
					Symbol:     cp.Symbol,
					ClientID:   o.ClientID,
					Side:       string(o.Side),
					LevelIndex: o.Index,
					Price:      o.Price,
					Size:       o.Size,
					Filled:     o.Filled,
					Status:     string(o.Status),
					CreatedAt:  o.CreatedAt,
				})
			}
			if err := tx.CreateInBatches(rows, 200).Error; err != nil {
				return fmt.Errorf("save orders: %w", err)
			}
		}
		if err := tx.Where("symbol = ?", cp.Symbol).Delete(&fillRecord{}).Error; err != nil {
			return fmt.Errorf("clear fill ids: %w", err)
		}
		if len(cp.FillIDs) > 0 {
			rows := make([]fillRecord, 0, len(cp.FillIDs))
			for i, id := range cp.FillIDs {
				rows = append(rows, fillRecord{Symbol: cp.Symbol, FillID: id, Seq: i})
			}
			if err := tx.CreateInBatches(rows, 500).Error; err != nil {
				return fmt.Errorf("save fill ids: %w", err)
			}
		}
		return nil
	})
}

// Load 读取检查点；不存在时 ok=false。
func (s *Store) Load(ctx context.Context, symbol string) (Checkpoint, bool, error) {
	db := s.db.WithContext(ctx)
	var pos positionRecord
	err := db.First(&pos, "symbol = ?", symbol).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Checkpoint{}, false, nil
	}
	if err != nil {
		return Checkpoint{}, false, fmt.Errorf("load position: %w", err)
	}
	cp := Checkpoint{
		Symbol: symbol,
		Position: inventory.Position{
			NetSize:     pos.NetSize,
			AvgCost:     pos.AvgCost,
			RealizedPnL: pos.RealizedPnL,
		},
		SavedAt: pos.SavedAt,
	}

	var orders []orderRecord
	if err := db.Where("symbol = ?", symbol).Order("side, level_index, id").Find(&orders).Error; err != nil {
		return Checkpoint{}, false, fmt.Errorf("load orders: %w", err)
	}
	for _, r := range orders {
		cp.Orders = append(cp.Orders, order.LiveOrder{
			ID:        r.ID,
			ClientID:  r.ClientID,
			Side:      order.Side(r.Side),
			Index:     r.LevelIndex,
			Price:     r.Price,
			Size:      r.Size,
			Filled:    r.Filled,
			Status:    order.Status(r.Status),
			CreatedAt: r.CreatedAt,
		})
	}

	var fills []fillRecord
	if err := db.Where("symbol = ?", symbol).Order("seq").Find(&fills).Error; err != nil {
		return Checkpoint{}, false, fmt.Errorf("load fill ids: %w", err)
	}
	for _, f := range fills {
		cp.FillIDs = append(cp.FillIDs, f.FillID)
	}
	return cp, true, nil
}

// Close 关闭底层连接
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
