package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/erp/charityfund/internal/domain/charity"
	"github.com/erp/charityfund/internal/infrastructure/persistence/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormQuotaGate implements charity.QuotaGate on the charity_entries and
// charity_admissions tables.
//
// The decision is a conditional increment: the entry is created with count 0
// if missing, then incremented only while count < limit. The row lock held
// by the UPDATE serializes concurrent admissions for the same party, so at
// most limit calls ever succeed per party, across processes. Each admitted
// sales order is recorded in charity_admissions in the same transaction; an
// order already recorded is reported as a repeat and does not increment.
type GormQuotaGate struct {
	db    *gorm.DB
	tx    *GormTxManager
	limit int
}

// NewGormQuotaGate creates a gate admitting at most limit orders per party
func NewGormQuotaGate(db *gorm.DB, limit int) *GormQuotaGate {
	return &GormQuotaGate{
		db:    db,
		tx:    NewGormTxManager(db),
		limit: limit,
	}
}

// Limit returns the per-party admission limit
func (g *GormQuotaGate) Limit() int {
	return g.limit
}

// Admit records one admission of salesOrder for soldToParty if the party's
// count is below the limit. It joins the transaction carried by ctx. Store
// failures wrap charity.ErrStore and never admit.
func (g *GormQuotaGate) Admit(ctx context.Context, soldToParty, salesOrder string) (charity.Admission, error) {
	var admission charity.Admission

	err := g.tx.Transaction(ctx, func(ctx context.Context) error {
		db := DBFromContext(ctx, g.db)
		now := time.Now()

		seed := &models.CharityEntryModel{
			SoldToParty: soldToParty,
			Count:       0,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := db.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "sold_to_party"}},
			DoNothing: true,
		}).Create(seed).Error; err != nil {
			return fmt.Errorf("seed entry: %w", err)
		}

		record := db.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "sold_to_party"}, {Name: "sales_order"}},
			DoNothing: true,
		}).Create(&models.CharityAdmissionModel{
			SoldToParty: soldToParty,
			SalesOrder:  salesOrder,
			CreatedAt:   now,
		})
		if record.Error != nil {
			return fmt.Errorf("record admission: %w", record.Error)
		}

		if record.RowsAffected == 0 {
			admission.Allowed = true
			admission.Repeat = true
		} else {
			result := db.Model(&models.CharityEntryModel{}).
				Where("sold_to_party = ? AND count < ?", soldToParty, g.limit).
				Updates(map[string]any{
					"count":      gorm.Expr("count + 1"),
					"updated_at": now,
				})
			if result.Error != nil {
				return fmt.Errorf("increment entry: %w", result.Error)
			}
			admission.Allowed = result.RowsAffected == 1

			if !admission.Allowed {
				if err := db.Where("sold_to_party = ? AND sales_order = ?", soldToParty, salesOrder).
					Delete(&models.CharityAdmissionModel{}).Error; err != nil {
					return fmt.Errorf("discard admission: %w", err)
				}
			}
		}

		var entry models.CharityEntryModel
		if err := db.Select("count").
			Where("sold_to_party = ?", soldToParty).
			Take(&entry).Error; err != nil {
			return fmt.Errorf("read entry: %w", err)
		}
		admission.Count = entry.Count
		return nil
	})
	if err != nil {
		return charity.Admission{}, fmt.Errorf("%w: admit %q for %q: %w", charity.ErrStore, salesOrder, soldToParty, err)
	}

	return admission, nil
}

var _ charity.QuotaGate = (*GormQuotaGate)(nil)
