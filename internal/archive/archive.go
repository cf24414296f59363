package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// Entity labels used in snapshots
const (
	EntityBatch   = "ledger.batch"
	EntityListing = "marketplace.listing"
	EntityAuction = "marketplace.auction"
	EntityRequest = "verification.request"
)

// Snapshot is a durable record of an entity that reached a state worth
// keeping after process restarts: terminal batches, settled auctions,
// filled or released listings, resolved verification requests.
type Snapshot struct {
	ID         int64          `gorm:"primary_key;autoIncrement"`
	Entity     string         `gorm:"not null;index"`
	EntityID   int64          `gorm:"not null;index"`
	State      datatypes.JSON `gorm:"default:'{}'"`
	ArchivedAt time.Time      `gorm:"autoCreateTime"`
}

func (Snapshot) TableName() string { return "registry_snapshots" }

// Archiver persists entity snapshots through gorm
type Archiver struct {
	db     *gorm.DB
	logger *zap.Logger
}

// Open connects to Postgres and prepares the snapshot schema
func Open(databaseURL string, logger *zap.Logger) (*Archiver, error) {
	db, err := gorm.Open(postgres.Open(databaseURL), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to open archive database: %w", err)
	}
	if err := db.AutoMigrate(&Snapshot{}); err != nil {
		return nil, fmt.Errorf("failed to migrate archive schema: %w", err)
	}
	return &Archiver{db: db, logger: logger}, nil
}

// Save archives one entity state. Callers pass any JSON-encodable
// snapshot of the entity at the moment it reached a durable state.
func (a *Archiver) Save(ctx context.Context, entity string, entityID int64, state interface{}) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode %s %d: %w", entity, entityID, err)
	}
	snapshot := Snapshot{
		Entity:   entity,
		EntityID: entityID,
		State:    datatypes.JSON(raw),
	}
	if err := a.db.WithContext(ctx).Create(&snapshot).Error; err != nil {
		return fmt.Errorf("failed to archive %s %d: %w", entity, entityID, err)
	}
	return nil
}

// History returns archived states of one entity, oldest first
func (a *Archiver) History(ctx context.Context, entity string, entityID int64) ([]Snapshot, error) {
	var snapshots []Snapshot
	err := a.db.WithContext(ctx).
		Where("entity = ? AND entity_id = ?", entity, entityID).
		Order("archived_at ASC").
		Find(&snapshots).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load history for %s %d: %w", entity, entityID, err)
	}
	return snapshots, nil
}
