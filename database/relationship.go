package database

import (
	"context"
	"database/sql"
	"time"

	"github.com/giftfleet/giftfleet/internal/apierror"
	"github.com/giftfleet/giftfleet/model"
	"github.com/lib/pq"
)

const relationshipColumns = `relationship_id, account_id, recipient_id, COALESCE(recipient_name, ''), state, COALESCE(established_at, '0001-01-01'), COALESCE(eligible_at, '0001-01-01'), created_at, updated_at`

func (d Datasource) RecordRelationship(ctx context.Context, rel *model.Relationship) error {
	if rel.RelationshipID == "" {
		rel.RelationshipID = model.GenerateUUIDWithSuffix("rel")
	}
	rel.CreatedAt = time.Now()
	rel.UpdatedAt = rel.CreatedAt
	if rel.State == "" {
		rel.State = model.RelationshipPending
	}

	_, err := d.Conn.ExecContext(ctx, `
		INSERT INTO relationships (relationship_id, account_id, recipient_id, recipient_name, state, established_at, eligible_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, '0001-01-01'::timestamp), NULLIF($7, '0001-01-01'::timestamp), $8, $9)
	`, rel.RelationshipID, rel.AccountID, rel.RecipientID, rel.RecipientName, rel.State, rel.EstablishedAt, rel.EligibleAt, rel.CreatedAt, rel.UpdatedAt)

	if err != nil {
		pqErr, ok := err.(*pq.Error)
		if ok {
			switch pqErr.Code.Name() {
			case "unique_violation":
				return apierror.NewAPIError(apierror.ErrConflict, "Relationship already exists for this account and recipient", err)
			case "foreign_key_violation":
				return apierror.NewAPIError(apierror.ErrBadRequest, "Account does not exist", err)
			default:
				return apierror.NewAPIError(apierror.ErrInternalServer, "Database error occurred", err)
			}
		}
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to record relationship", err)
	}
	return nil
}

func (d Datasource) GetRelationship(ctx context.Context, accountID, recipientID string) (*model.Relationship, error) {
	rel := model.Relationship{}

	row := d.Conn.QueryRowContext(ctx, `
		SELECT `+relationshipColumns+`
		FROM relationships
		WHERE account_id = $1 AND recipient_id = $2
	`, accountID, recipientID)

	err := row.Scan(&rel.RelationshipID, &rel.AccountID, &rel.RecipientID, &rel.RecipientName, &rel.State, &rel.EstablishedAt, &rel.EligibleAt, &rel.CreatedAt, &rel.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, "Relationship not found", err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve relationship", err)
	}

	return &rel, nil
}

func (d Datasource) GetRelationshipsByAccount(ctx context.Context, accountID string) ([]model.Relationship, error) {
	return d.queryRelationships(ctx, `
		SELECT `+relationshipColumns+`
		FROM relationships
		WHERE account_id = $1
		ORDER BY created_at ASC
	`, accountID)
}

// GetReadyRelationships returns ACCEPTED relationships for a recipient whose
// cooldown has already elapsed, ordered so higher priority bots come first.
func (d Datasource) GetReadyRelationships(ctx context.Context, recipientID string, now time.Time) ([]model.Relationship, error) {
	return d.queryRelationships(ctx, `
		SELECT r.relationship_id, r.account_id, r.recipient_id, COALESCE(r.recipient_name, ''), r.state, COALESCE(r.established_at, '0001-01-01'), COALESCE(r.eligible_at, '0001-01-01'), r.created_at, r.updated_at
		FROM relationships r
		JOIN accounts a ON a.account_id = r.account_id
		WHERE r.recipient_id = $1 AND r.state = $2 AND r.eligible_at <= $3 AND a.active = TRUE
		ORDER BY a.priority DESC, r.eligible_at ASC
	`, recipientID, model.RelationshipAccepted, now)
}

func (d Datasource) queryRelationships(ctx context.Context, query string, args ...interface{}) ([]model.Relationship, error) {
	rows, err := d.Conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve relationships", err)
	}
	defer rows.Close()

	relationships := []model.Relationship{}

	for rows.Next() {
		rel := model.Relationship{}
		err = rows.Scan(&rel.RelationshipID, &rel.AccountID, &rel.RecipientID, &rel.RecipientName, &rel.State, &rel.EstablishedAt, &rel.EligibleAt, &rel.CreatedAt, &rel.UpdatedAt)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan relationship data", err)
		}
		relationships = append(relationships, rel)
	}

	if err = rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Error occurred while iterating over relationships", err)
	}

	return relationships, nil
}

func (d Datasource) UpdateRelationshipState(ctx context.Context, relationshipID, state string, establishedAt, eligibleAt time.Time) error {
	result, err := d.Conn.ExecContext(ctx, `
		UPDATE relationships
		SET state = $2, established_at = NULLIF($3, '0001-01-01'::timestamp), eligible_at = NULLIF($4, '0001-01-01'::timestamp), updated_at = NOW()
		WHERE relationship_id = $1
	`, relationshipID, state, establishedAt, eligibleAt)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to update relationship state", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to check update result", err)
	}
	if rowsAffected == 0 {
		return apierror.NewAPIError(apierror.ErrNotFound, "Relationship not found", nil)
	}
	return nil
}

// UpdateRelationshipRecipient repairs a relationship keyed on a stale
// recipient identifier after a reconciliation pass resolves the stable ID.
func (d Datasource) UpdateRelationshipRecipient(ctx context.Context, relationshipID, recipientID string) error {
	result, err := d.Conn.ExecContext(ctx, `
		UPDATE relationships
		SET recipient_id = $2, updated_at = NOW()
		WHERE relationship_id = $1
	`, relationshipID, recipientID)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to update relationship recipient", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to check update result", err)
	}
	if rowsAffected == 0 {
		return apierror.NewAPIError(apierror.ErrNotFound, "Relationship not found", nil)
	}
	return nil
}
