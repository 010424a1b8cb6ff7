package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/giftfleet/giftfleet/internal/apierror"
	"github.com/giftfleet/giftfleet/model"
	"github.com/lib/pq"
)

func (d Datasource) CreateAccount(ctx context.Context, account model.Account) (model.Account, error) {
	metaDataJSON, err := json.Marshal(account.MetaData)
	if err != nil {
		return model.Account{}, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to marshal metadata", err)
	}

	account.AccountID = model.GenerateUUIDWithSuffix("bot")
	account.CreatedAt = time.Now()
	if account.Status == "" {
		account.Status = model.AccountStatusOffline
	}

	_, err = d.Conn.ExecContext(ctx, `
		INSERT INTO accounts (account_id, display_name, credentials, status, error_count, daily_quota, priority, active, created_at, meta_data)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, account.AccountID, account.DisplayName, account.Credentials, account.Status, account.ErrorCount, account.DailyQuota, account.Priority, account.Active, account.CreatedAt, metaDataJSON)

	if err != nil {
		pqErr, ok := err.(*pq.Error)
		if ok {
			switch pqErr.Code.Name() {
			case "unique_violation":
				return model.Account{}, apierror.NewAPIError(apierror.ErrConflict, "Account with this ID already exists", err)
			default:
				return model.Account{}, apierror.NewAPIError(apierror.ErrInternalServer, "Database error occurred", err)
			}
		}
		return model.Account{}, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to create account", err)
	}

	return account, nil
}

func (d Datasource) GetAccountByID(ctx context.Context, id string) (*model.Account, error) {
	account := model.Account{}

	row := d.Conn.QueryRowContext(ctx, `
		SELECT account_id, display_name, credentials, status, COALESCE(last_heartbeat, '0001-01-01'), error_count, daily_quota, priority, active, created_at, meta_data
		FROM accounts
		WHERE account_id = $1
	`, id)

	var metaDataJSON []byte
	err := row.Scan(&account.AccountID, &account.DisplayName, &account.Credentials, &account.Status, &account.LastHeartbeat, &account.ErrorCount, &account.DailyQuota, &account.Priority, &account.Active, &account.CreatedAt, &metaDataJSON)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, "Account not found", err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve account", err)
	}

	if metaDataJSON != nil {
		err = json.Unmarshal(metaDataJSON, &account.MetaData)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to unmarshal metadata", err)
		}
	}

	return &account, nil
}

func (d Datasource) GetAllAccounts(ctx context.Context) ([]model.Account, error) {
	return d.queryAccounts(ctx, `
		SELECT account_id, display_name, credentials, status, COALESCE(last_heartbeat, '0001-01-01'), error_count, daily_quota, priority, active, created_at, meta_data
		FROM accounts
		ORDER BY priority DESC, created_at ASC
	`)
}

func (d Datasource) GetActiveAccounts(ctx context.Context) ([]model.Account, error) {
	return d.queryAccounts(ctx, `
		SELECT account_id, display_name, credentials, status, COALESCE(last_heartbeat, '0001-01-01'), error_count, daily_quota, priority, active, created_at, meta_data
		FROM accounts
		WHERE active = TRUE
		ORDER BY priority DESC, created_at ASC
	`)
}

func (d Datasource) queryAccounts(ctx context.Context, query string, args ...interface{}) ([]model.Account, error) {
	rows, err := d.Conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve accounts", err)
	}
	defer rows.Close()

	accounts := []model.Account{}

	for rows.Next() {
		account := model.Account{}
		var metaDataJSON []byte
		err = rows.Scan(&account.AccountID, &account.DisplayName, &account.Credentials, &account.Status, &account.LastHeartbeat, &account.ErrorCount, &account.DailyQuota, &account.Priority, &account.Active, &account.CreatedAt, &metaDataJSON)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan account data", err)
		}

		if metaDataJSON != nil {
			err = json.Unmarshal(metaDataJSON, &account.MetaData)
			if err != nil {
				return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to unmarshal metadata", err)
			}
		}

		accounts = append(accounts, account)
	}

	if err = rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Error occurred while iterating over accounts", err)
	}

	return accounts, nil
}

func (d Datasource) UpdateAccountStatus(ctx context.Context, id, status string, errorCount int, heartbeat time.Time) error {
	result, err := d.Conn.ExecContext(ctx, `
		UPDATE accounts
		SET status = $2, error_count = $3, last_heartbeat = $4
		WHERE account_id = $1
	`, id, status, errorCount, heartbeat)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to update account status", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to check update result", err)
	}
	if rowsAffected == 0 {
		return apierror.NewAPIError(apierror.ErrNotFound, "Account not found", nil)
	}
	return nil
}

func (d Datasource) UpdateAccountCredentials(ctx context.Context, id, credentials string) error {
	result, err := d.Conn.ExecContext(ctx, `
		UPDATE accounts
		SET credentials = $2, error_count = 0
		WHERE account_id = $1
	`, id, credentials)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to update account credentials", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to check update result", err)
	}
	if rowsAffected == 0 {
		return apierror.NewAPIError(apierror.ErrNotFound, "Account not found", nil)
	}
	return nil
}

func (d Datasource) DeactivateAccount(ctx context.Context, id string) error {
	result, err := d.Conn.ExecContext(ctx, `
		UPDATE accounts
		SET active = FALSE, status = $2
		WHERE account_id = $1
	`, id, model.AccountStatusOffline)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to deactivate account", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to check update result", err)
	}
	if rowsAffected == 0 {
		return apierror.NewAPIError(apierror.ErrNotFound, "Account not found", nil)
	}
	return nil
}

// CountGiftsSince counts gifts an account has sent inside a trailing window.
// The count covers SENT and DELIVERED jobs; a FAILED attempt never consumes
// quota.
func (d Datasource) CountGiftsSince(ctx context.Context, accountID string, since time.Time) (int, error) {
	var count int
	err := d.Conn.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM gift_jobs
		WHERE account_id = $1 AND status IN ($2, $3) AND sent_at >= $4
	`, accountID, model.GiftJobSent, model.GiftJobDelivered, since).Scan(&count)
	if err != nil {
		return 0, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to count sent gifts", err)
	}
	return count, nil
}
