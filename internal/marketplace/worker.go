package marketplace

import (
	"context"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"carbon-exchange/registry/registry-backend/internal/archive"
)

// SettlementWorker periodically finalizes ended auctions and expires
// lapsed listings. The core never settles on its own clock; this
// worker is the caller that drives time-based transitions.
type SettlementWorker struct {
	service  Service
	archiver *archive.Archiver // nil disables snapshots
	logger   *zap.Logger
	cron     *cron.Cron
}

// SettlementWorkerConfig configuration for the settlement worker
type SettlementWorkerConfig struct {
	// Schedule is a cron expression; every minute by default.
	Schedule string
}

// DefaultSettlementWorkerConfig returns default configuration
func DefaultSettlementWorkerConfig() SettlementWorkerConfig {
	return SettlementWorkerConfig{Schedule: "* * * * *"}
}

// NewSettlementWorker creates a new settlement worker
func NewSettlementWorker(service Service, archiver *archive.Archiver, logger *zap.Logger, config SettlementWorkerConfig) (*SettlementWorker, error) {
	w := &SettlementWorker{
		service:  service,
		archiver: archiver,
		logger:   logger,
		cron:     cron.New(),
	}
	if config.Schedule == "" {
		config.Schedule = DefaultSettlementWorkerConfig().Schedule
	}
	if _, err := w.cron.AddFunc(config.Schedule, w.RunOnce); err != nil {
		return nil, err
	}
	return w, nil
}

// Start begins the settlement schedule
func (w *SettlementWorker) Start() {
	w.logger.Info("Starting settlement worker")
	w.cron.Start()
}

// Stop halts the schedule and waits for a running pass to finish
func (w *SettlementWorker) Stop() {
	ctx := w.cron.Stop()
	<-ctx.Done()
	w.logger.Info("Settlement worker stopped")
}

// RunOnce performs a single settlement pass
func (w *SettlementWorker) RunOnce() {
	ctx := context.Background()

	for _, auction := range w.service.EndedUnfinalizedAuctions(ctx) {
		settlement, err := w.service.FinalizeAuction(ctx, auction.ID)
		if err != nil {
			// A concurrent caller may have finalized it already.
			w.logger.Warn("Failed to finalize auction",
				zap.Int64("auction_id", auction.ID), zap.Error(err))
			continue
		}
		w.logger.Info("Finalized auction",
			zap.Int64("auction_id", auction.ID),
			zap.Int64("sale_price", settlement.SalePrice),
			zap.Int64("quantity_sold", settlement.QuantitySold))

		if w.archiver != nil {
			if err := w.archiver.Save(ctx, archive.EntityAuction, auction.ID, settlement); err != nil {
				w.logger.Warn("Failed to archive auction settlement",
					zap.Int64("auction_id", auction.ID), zap.Error(err))
			}
		}
	}

	for _, listing := range w.service.ExpiredActiveListings(ctx) {
		if err := w.service.ExpireListing(ctx, listing.ID); err != nil {
			w.logger.Warn("Failed to expire listing",
				zap.Int64("listing_id", listing.ID), zap.Error(err))
			continue
		}
		w.logger.Info("Expired listing",
			zap.Int64("listing_id", listing.ID),
			zap.Int64("returned_quantity", listing.Quantity))

		if w.archiver != nil {
			if err := w.archiver.Save(ctx, archive.EntityListing, listing.ID, listing); err != nil {
				w.logger.Warn("Failed to archive expired listing",
					zap.Int64("listing_id", listing.ID), zap.Error(err))
			}
		}
	}
}
