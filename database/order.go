package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/giftfleet/giftfleet/internal/apierror"
	"github.com/giftfleet/giftfleet/model"
	"github.com/lib/pq"
)

const orderColumns = `order_id, reference, recipient_id, COALESCE(recipient_name, ''), item_query, COALESCE(offer_id, ''), amount, status, friendship_done, gift_sent, review_required, attempts, max_attempts, reassignments, COALESCE(expires_at, '0001-01-01'), created_at, updated_at`

func (d Datasource) RecordOrder(ctx context.Context, ord *model.Order) error {
	if ord.OrderID == "" {
		ord.OrderID = model.GenerateUUIDWithSuffix("ord")
	}
	ord.CreatedAt = time.Now()
	ord.UpdatedAt = ord.CreatedAt
	if ord.Status == "" {
		ord.Status = model.StatusPendingPayment
	}

	_, err := d.Conn.ExecContext(ctx, `
		INSERT INTO orders (order_id, reference, recipient_id, recipient_name, item_query, offer_id, amount, status, max_attempts, expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8, $9, NULLIF($10, '0001-01-01'::timestamp), $11, $12)
	`, ord.OrderID, ord.Reference, ord.RecipientID, ord.RecipientName, ord.ItemQuery, ord.OfferID, ord.Amount, ord.Status, ord.MaxAttempts, ord.ExpiresAt, ord.CreatedAt, ord.UpdatedAt)

	if err != nil {
		pqErr, ok := err.(*pq.Error)
		if ok {
			switch pqErr.Code.Name() {
			case "unique_violation":
				return apierror.NewAPIError(apierror.ErrConflict, "Order with this reference already exists", err)
			default:
				return apierror.NewAPIError(apierror.ErrInternalServer, "Database error occurred", err)
			}
		}
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to record order", err)
	}
	return nil
}

func (d Datasource) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	ord, err := d.scanOrder(d.Conn.QueryRowContext(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE order_id = $1
	`, id))
	if err != nil {
		return nil, err
	}

	progress, err := d.getOrderProgress(ctx, ord.OrderID)
	if err != nil {
		return nil, err
	}
	ord.Progress = progress
	return ord, nil
}

func (d Datasource) GetOrderByReference(ctx context.Context, reference string) (*model.Order, error) {
	ord, err := d.scanOrder(d.Conn.QueryRowContext(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE reference = $1
	`, reference))
	if err != nil {
		return nil, err
	}

	progress, err := d.getOrderProgress(ctx, ord.OrderID)
	if err != nil {
		return nil, err
	}
	ord.Progress = progress
	return ord, nil
}

func (d Datasource) GetOrdersByStatus(ctx context.Context, status string) ([]model.Order, error) {
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE status = $1
		ORDER BY created_at ASC
	`, status)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve orders", err)
	}
	defer rows.Close()

	orders := []model.Order{}
	for rows.Next() {
		ord := model.Order{}
		err = rows.Scan(&ord.OrderID, &ord.Reference, &ord.RecipientID, &ord.RecipientName, &ord.ItemQuery, &ord.OfferID, &ord.Amount, &ord.Status, &ord.FriendshipDone, &ord.GiftSent, &ord.ReviewRequired, &ord.Attempts, &ord.MaxAttempts, &ord.Reassignments, &ord.ExpiresAt, &ord.CreatedAt, &ord.UpdatedAt)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan order data", err)
		}
		orders = append(orders, ord)
	}

	if err = rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Error occurred while iterating over orders", err)
	}
	return orders, nil
}

func (d Datasource) scanOrder(row *sql.Row) (*model.Order, error) {
	ord := model.Order{}
	err := row.Scan(&ord.OrderID, &ord.Reference, &ord.RecipientID, &ord.RecipientName, &ord.ItemQuery, &ord.OfferID, &ord.Amount, &ord.Status, &ord.FriendshipDone, &ord.GiftSent, &ord.ReviewRequired, &ord.Attempts, &ord.MaxAttempts, &ord.Reassignments, &ord.ExpiresAt, &ord.CreatedAt, &ord.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, "Order not found", err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve order", err)
	}
	return &ord, nil
}

func (d Datasource) getOrderProgress(ctx context.Context, orderID string) ([]model.ProgressEntry, error) {
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT stage, description, created_at
		FROM order_progress
		WHERE order_id = $1
		ORDER BY id ASC
	`, orderID)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve order progress", err)
	}
	defer rows.Close()

	progress := []model.ProgressEntry{}
	for rows.Next() {
		entry := model.ProgressEntry{}
		err = rows.Scan(&entry.Stage, &entry.Description, &entry.Timestamp)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan progress entry", err)
		}
		progress = append(progress, entry)
	}

	if err = rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Error occurred while iterating over progress entries", err)
	}
	return progress, nil
}

// UpdateOrderStatus moves an order between lifecycle states with an optimistic
// guard: the update only lands if the row still holds fromStatus, so two
// workers racing on the same order cannot both win.
func (d Datasource) UpdateOrderStatus(ctx context.Context, id, fromStatus, toStatus string) error {
	result, err := d.Conn.ExecContext(ctx, `
		UPDATE orders
		SET status = $3, updated_at = NOW()
		WHERE order_id = $1 AND status = $2
	`, id, fromStatus, toStatus)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to update order status", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to check update result", err)
	}
	if rowsAffected == 0 {
		return apierror.NewAPIError(apierror.ErrConflict, fmt.Sprintf("Order is no longer in status %s", fromStatus), nil)
	}
	return nil
}

func (d Datasource) SetOrderOffer(ctx context.Context, id, offerID string, amount int64) error {
	result, err := d.Conn.ExecContext(ctx, `
		UPDATE orders
		SET offer_id = $2, amount = $3, updated_at = NOW()
		WHERE order_id = $1
	`, id, offerID, amount)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to set order offer", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to check update result", err)
	}
	if rowsAffected == 0 {
		return apierror.NewAPIError(apierror.ErrNotFound, "Order not found", nil)
	}
	return nil
}

// SetOrderRecipient repairs the recipient identifier on an order, typically
// after a display name lookup found the stored id stale.
func (d Datasource) SetOrderRecipient(ctx context.Context, id, recipientID string) error {
	result, err := d.Conn.ExecContext(ctx, `
		UPDATE orders
		SET recipient_id = $2, updated_at = NOW()
		WHERE order_id = $1
	`, id, recipientID)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to set order recipient", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to check update result", err)
	}
	if rowsAffected == 0 {
		return apierror.NewAPIError(apierror.ErrNotFound, "Order not found", nil)
	}
	return nil
}

func (d Datasource) MarkFriendshipDone(ctx context.Context, id string) error {
	return d.setOrderFlag(ctx, id, "friendship_done")
}

func (d Datasource) MarkGiftSent(ctx context.Context, id string) error {
	return d.setOrderFlag(ctx, id, "gift_sent")
}

func (d Datasource) setOrderFlag(ctx context.Context, id, column string) error {
	result, err := d.Conn.ExecContext(ctx, fmt.Sprintf(`
		UPDATE orders
		SET %s = TRUE, updated_at = NOW()
		WHERE order_id = $1
	`, column), id)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to update order flag", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to check update result", err)
	}
	if rowsAffected == 0 {
		return apierror.NewAPIError(apierror.ErrNotFound, "Order not found", nil)
	}
	return nil
}

func (d Datasource) IncrementOrderAttempts(ctx context.Context, id string) (int, error) {
	var attempts int
	err := d.Conn.QueryRowContext(ctx, `
		UPDATE orders
		SET attempts = attempts + 1, updated_at = NOW()
		WHERE order_id = $1
		RETURNING attempts
	`, id).Scan(&attempts)
	if err != nil {
		if err == sql.ErrNoRows {
			return 0, apierror.NewAPIError(apierror.ErrNotFound, "Order not found", err)
		}
		return 0, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to increment order attempts", err)
	}
	return attempts, nil
}

func (d Datasource) IncrementOrderReassignments(ctx context.Context, id string) (int, error) {
	var reassignments int
	err := d.Conn.QueryRowContext(ctx, `
		UPDATE orders
		SET reassignments = reassignments + 1, updated_at = NOW()
		WHERE order_id = $1
		RETURNING reassignments
	`, id).Scan(&reassignments)
	if err != nil {
		if err == sql.ErrNoRows {
			return 0, apierror.NewAPIError(apierror.ErrNotFound, "Order not found", err)
		}
		return 0, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to increment order reassignments", err)
	}
	return reassignments, nil
}

// FlagOrderForReview marks the order for operator attention and records why
// in the progress trail. The status is left untouched; a human decides the
// outcome.
func (d Datasource) FlagOrderForReview(ctx context.Context, id, reason string) error {
	result, err := d.Conn.ExecContext(ctx, `
		UPDATE orders
		SET review_required = TRUE, updated_at = NOW()
		WHERE order_id = $1
	`, id)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to flag order for review", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to check update result", err)
	}
	if rowsAffected == 0 {
		return apierror.NewAPIError(apierror.ErrNotFound, "Order not found", nil)
	}

	return d.AppendOrderProgress(ctx, id, model.StageOrder, "flagged for review: "+reason)
}

// ResetOrderForRetry moves a FAILED order back to QUEUED with a fresh attempt
// budget. Reassignment history is kept so previously burned bots stay visible.
func (d Datasource) ResetOrderForRetry(ctx context.Context, id string) error {
	result, err := d.Conn.ExecContext(ctx, `
		UPDATE orders
		SET status = $2, attempts = 0, review_required = FALSE, updated_at = NOW()
		WHERE order_id = $1 AND status = $3
	`, id, model.StatusQueued, model.StatusFailed)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to reset order for retry", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to check update result", err)
	}
	if rowsAffected == 0 {
		return apierror.NewAPIError(apierror.ErrConflict, "Only failed orders can be retried", nil)
	}
	return nil
}

func (d Datasource) AppendOrderProgress(ctx context.Context, id, stage, description string) error {
	_, err := d.Conn.ExecContext(ctx, `
		INSERT INTO order_progress (order_id, stage, description, created_at)
		VALUES ($1, $2, $3, $4)
	`, id, stage, description, time.Now())
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to append order progress", err)
	}
	return nil
}

func (d Datasource) RecordGiftJob(ctx context.Context, job *model.GiftJob) error {
	if job.GiftJobID == "" {
		job.GiftJobID = model.GenerateUUIDWithSuffix("gift")
	}
	job.CreatedAt = time.Now()
	job.UpdatedAt = job.CreatedAt
	if job.Status == "" {
		job.Status = model.GiftJobQueued
	}

	attemptedJSON, err := json.Marshal(job.AttemptedAccounts)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to marshal attempted accounts", err)
	}

	_, err = d.Conn.ExecContext(ctx, `
		INSERT INTO gift_jobs (gift_job_id, order_id, account_id, recipient_id, offer_id, price, status, retry_count, last_error, attempted_accounts, balance_before, sent_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9, ''), $10, $11, NULLIF($12, '0001-01-01'::timestamp), $13, $14)
	`, job.GiftJobID, job.OrderID, job.AccountID, job.RecipientID, job.OfferID, job.Price, job.Status, job.RetryCount, job.LastError, attemptedJSON, job.BalanceBefore, job.SentAt, job.CreatedAt, job.UpdatedAt)

	if err != nil {
		pqErr, ok := err.(*pq.Error)
		if ok {
			switch pqErr.Code.Name() {
			case "unique_violation":
				return apierror.NewAPIError(apierror.ErrConflict, "Order already has an open gift job", err)
			case "foreign_key_violation":
				return apierror.NewAPIError(apierror.ErrBadRequest, "Order does not exist", err)
			default:
				return apierror.NewAPIError(apierror.ErrInternalServer, "Database error occurred", err)
			}
		}
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to record gift job", err)
	}
	return nil
}

const giftJobColumns = `gift_job_id, order_id, account_id, recipient_id, offer_id, price, status, retry_count, COALESCE(last_error, ''), attempted_accounts, balance_before, COALESCE(sent_at, '0001-01-01'), created_at, updated_at`

func (d Datasource) GetGiftJob(ctx context.Context, id string) (*model.GiftJob, error) {
	return d.scanGiftJob(d.Conn.QueryRowContext(ctx, `
		SELECT `+giftJobColumns+`
		FROM gift_jobs
		WHERE gift_job_id = $1
	`, id))
}

// GetActiveGiftJob returns the single non-terminal gift job for an order, or
// a not-found error when every job has settled.
func (d Datasource) GetActiveGiftJob(ctx context.Context, orderID string) (*model.GiftJob, error) {
	return d.scanGiftJob(d.Conn.QueryRowContext(ctx, `
		SELECT `+giftJobColumns+`
		FROM gift_jobs
		WHERE order_id = $1 AND status NOT IN ($2, $3)
	`, orderID, model.GiftJobDelivered, model.GiftJobFailed))
}

func (d Datasource) scanGiftJob(row *sql.Row) (*model.GiftJob, error) {
	job := model.GiftJob{}
	var attemptedJSON []byte
	err := row.Scan(&job.GiftJobID, &job.OrderID, &job.AccountID, &job.RecipientID, &job.OfferID, &job.Price, &job.Status, &job.RetryCount, &job.LastError, &attemptedJSON, &job.BalanceBefore, &job.SentAt, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, "Gift job not found", err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve gift job", err)
	}

	if attemptedJSON != nil {
		err = json.Unmarshal(attemptedJSON, &job.AttemptedAccounts)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to unmarshal attempted accounts", err)
		}
	}
	return &job, nil
}

func (d Datasource) UpdateGiftJob(ctx context.Context, job *model.GiftJob) error {
	attemptedJSON, err := json.Marshal(job.AttemptedAccounts)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to marshal attempted accounts", err)
	}

	job.UpdatedAt = time.Now()
	result, err := d.Conn.ExecContext(ctx, `
		UPDATE gift_jobs
		SET account_id = $2, status = $3, retry_count = $4, last_error = NULLIF($5, ''), attempted_accounts = $6, balance_before = $7, sent_at = NULLIF($8, '0001-01-01'::timestamp), updated_at = $9
		WHERE gift_job_id = $1
	`, job.GiftJobID, job.AccountID, job.Status, job.RetryCount, job.LastError, attemptedJSON, job.BalanceBefore, job.SentAt, job.UpdatedAt)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to update gift job", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to check update result", err)
	}
	if rowsAffected == 0 {
		return apierror.NewAPIError(apierror.ErrNotFound, "Gift job not found", nil)
	}
	return nil
}
