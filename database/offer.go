package database

import (
	"context"
	"database/sql"
	"time"

	"github.com/giftfleet/giftfleet/internal/apierror"
	"github.com/giftfleet/giftfleet/model"
)

// ReplaceCatalog installs a new shop rotation in one transaction: every
// previously active offer is marked inactive, then the new rotation is
// inserted under the sync id. Old offers are never deleted so historical
// orders keep resolving their item names.
func (d Datasource) ReplaceCatalog(ctx context.Context, syncID string, offers []model.CatalogOffer) error {
	tx, err := d.Conn.BeginTx(ctx, nil)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to begin catalog transaction", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	_, err = tx.ExecContext(ctx, `
		UPDATE catalog_offers SET active = FALSE WHERE active = TRUE
	`)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retire previous catalog rotation", err)
	}

	now := time.Now()
	for _, offer := range offers {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO catalog_offers (offer_id, item_id, display_name, giftable, price, active, sync_id, created_at)
			VALUES ($1, $2, $3, $4, $5, TRUE, $6, $7)
		`, offer.OfferID, offer.ItemID, offer.DisplayName, offer.Giftable, offer.Price, syncID, now)
		if err != nil {
			return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to insert catalog offer", err)
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO catalog_syncs (sync_id, offer_count, synced_at)
		VALUES ($1, $2, $3)
	`, syncID, len(offers), now)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to record catalog sync", err)
	}

	if err = tx.Commit(); err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to commit catalog transaction", err)
	}
	return nil
}

func (d Datasource) GetActiveOffers(ctx context.Context) ([]model.CatalogOffer, error) {
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT offer_id, item_id, display_name, giftable, price, active, sync_id, created_at
		FROM catalog_offers
		WHERE active = TRUE
		ORDER BY display_name ASC
	`)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve catalog offers", err)
	}
	defer rows.Close()

	offers := []model.CatalogOffer{}
	for rows.Next() {
		offer := model.CatalogOffer{}
		err = rows.Scan(&offer.OfferID, &offer.ItemID, &offer.DisplayName, &offer.Giftable, &offer.Price, &offer.Active, &offer.SyncID, &offer.CreatedAt)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan catalog offer", err)
		}
		offers = append(offers, offer)
	}

	if err = rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Error occurred while iterating over catalog offers", err)
	}
	return offers, nil
}

// GetOfferByID returns the most recent row for an offer id, active or not,
// so completed orders can still name the item they shipped.
func (d Datasource) GetOfferByID(ctx context.Context, offerID string) (*model.CatalogOffer, error) {
	offer := model.CatalogOffer{}

	row := d.Conn.QueryRowContext(ctx, `
		SELECT offer_id, item_id, display_name, giftable, price, active, sync_id, created_at
		FROM catalog_offers
		WHERE offer_id = $1
		ORDER BY created_at DESC
		LIMIT 1
	`, offerID)

	err := row.Scan(&offer.OfferID, &offer.ItemID, &offer.DisplayName, &offer.Giftable, &offer.Price, &offer.Active, &offer.SyncID, &offer.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, "Offer not found", err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve offer", err)
	}
	return &offer, nil
}

func (d Datasource) LatestCatalogSync(ctx context.Context) (*model.CatalogSnapshot, error) {
	snapshot := model.CatalogSnapshot{}

	row := d.Conn.QueryRowContext(ctx, `
		SELECT sync_id, synced_at
		FROM catalog_syncs
		ORDER BY synced_at DESC
		LIMIT 1
	`)

	err := row.Scan(&snapshot.SyncID, &snapshot.SyncedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, "No catalog sync recorded", err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve catalog sync", err)
	}

	offers, err := d.GetActiveOffers(ctx)
	if err != nil {
		return nil, err
	}
	snapshot.Offers = offers
	return &snapshot, nil
}
