/*
Copyright 2024 Giftfleet Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package giftfleet

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/giftfleet/giftfleet/config"
	"github.com/giftfleet/giftfleet/database"
	"github.com/giftfleet/giftfleet/model"
)

// mockSession is a scriptable Session; unset hooks behave as successful no-ops.
type mockSession struct {
	accountID           string
	sendFriendRequest   func(ctx context.Context, recipientID string) error
	getFriends          func(ctx context.Context) ([]Friend, error)
	lookupByDisplayName func(ctx context.Context, name string) (string, error)
	removeFriend        func(ctx context.Context, recipientID string) error
	sendGift            func(ctx context.Context, recipientID, offerID string) error
	getBalance          func(ctx context.Context) (int64, error)
	getCatalog          func(ctx context.Context) ([]model.CatalogOffer, error)
	closed              bool
}

func (m *mockSession) AccountID() string {
	return m.accountID
}

func (m *mockSession) SendFriendRequest(ctx context.Context, recipientID string) error {
	if m.sendFriendRequest != nil {
		return m.sendFriendRequest(ctx, recipientID)
	}
	return nil
}

func (m *mockSession) GetFriends(ctx context.Context) ([]Friend, error) {
	if m.getFriends != nil {
		return m.getFriends(ctx)
	}
	return []Friend{}, nil
}

func (m *mockSession) LookupByDisplayName(ctx context.Context, name string) (string, error) {
	if m.lookupByDisplayName != nil {
		return m.lookupByDisplayName(ctx, name)
	}
	return "", ErrRecipientNotFound
}

func (m *mockSession) RemoveFriend(ctx context.Context, recipientID string) error {
	if m.removeFriend != nil {
		return m.removeFriend(ctx, recipientID)
	}
	return nil
}

func (m *mockSession) SendGift(ctx context.Context, recipientID, offerID string) error {
	if m.sendGift != nil {
		return m.sendGift(ctx, recipientID, offerID)
	}
	return nil
}

func (m *mockSession) GetBalance(ctx context.Context) (int64, error) {
	if m.getBalance != nil {
		return m.getBalance(ctx)
	}
	return 0, nil
}

func (m *mockSession) GetCatalog(ctx context.Context) ([]model.CatalogOffer, error) {
	if m.getCatalog != nil {
		return m.getCatalog(ctx)
	}
	return []model.CatalogOffer{}, nil
}

func (m *mockSession) Close() error {
	m.closed = true
	return nil
}

// stubCache is an in-process replacement for the redis cache so tests control
// exactly when the catalog snapshot is served from cache versus the database.
type stubCache struct {
	items map[string]*model.CatalogSnapshot
}

func newStubCache() *stubCache {
	return &stubCache{items: make(map[string]*model.CatalogSnapshot)}
}

func (c *stubCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	if snapshot, ok := value.(*model.CatalogSnapshot); ok {
		copied := *snapshot
		c.items[key] = &copied
	}
	return nil
}

func (c *stubCache) Get(ctx context.Context, key string, data interface{}) error {
	snapshot, ok := c.items[key]
	if !ok {
		return nil
	}
	if out, ok := data.(*model.CatalogSnapshot); ok {
		*out = *snapshot
	}
	return nil
}

func (c *stubCache) Delete(ctx context.Context, key string) error {
	delete(c.items, key)
	return nil
}

func testConfig(redisDNS string) *config.Configuration {
	return &config.Configuration{
		ProjectName: "Giftfleet Test",
		DataSource:  config.DataSourceConfig{Dns: "postgres://test"},
		Redis:       config.RedisConfig{Dns: redisDNS},
		Queue: config.QueueConfig{
			FriendshipQueue:   "new:friendship",
			DispatchQueue:     "new:gift_dispatch",
			VerificationQueue: "new:verification",
			WebhookQueue:      "new:webhook",
			MonitoringPort:    "5003",
			MaxRetryAttempts:  5,
		},
		Gifting: config.GiftingConfig{
			FriendCooldownHours:  48,
			DailyGiftQuota:       5,
			ErrorThreshold:       5,
			ReassignmentLimit:    3,
			RotationHourUTC:      0,
			MaxSuggestions:       5,
			VerificationPolls:    10,
			VerificationDeadline: 60,
			OrderExpiryHours:     72,
			EncryptionKey:        "test-encryption-key",
		},
	}
}

// newTestFleet wires a Giftfleet against sqlmock and miniredis. Passing a nil
// factory installs one that mints blank mock sessions for any account.
func newTestFleet(t *testing.T, sessions SessionFactory) (*Giftfleet, sqlmock.Sqlmock, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	config.MockConfig(testConfig(mr.Addr()))

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	if sessions == nil {
		sessions = func(ctx context.Context, accountID, credentials string) (Session, error) {
			return &mockSession{accountID: accountID}, nil
		}
	}

	fleet, err := NewGiftfleet(&database.Datasource{Conn: db}, sessions)
	require.NoError(t, err)
	fleet.cache = newStubCache()
	return fleet, mock, mr
}

var accountColumns = []string{"account_id", "display_name", "credentials", "status", "last_heartbeat", "error_count", "daily_quota", "priority", "active", "created_at", "meta_data"}

func accountRows(accounts ...model.Account) *sqlmock.Rows {
	rows := sqlmock.NewRows(accountColumns)
	for _, a := range accounts {
		rows.AddRow(a.AccountID, a.DisplayName, a.Credentials, a.Status, a.LastHeartbeat, a.ErrorCount, a.DailyQuota, a.Priority, a.Active, a.CreatedAt, nil)
	}
	return rows
}

func onlineAccount(id string) model.Account {
	return model.Account{
		AccountID:     id,
		DisplayName:   "bot " + id,
		Credentials:   "sealed",
		Status:        model.AccountStatusOnline,
		LastHeartbeat: time.Now(),
		DailyQuota:    5,
		Priority:      1,
		Active:        true,
		CreatedAt:     time.Now(),
	}
}

var orderColumns = []string{"order_id", "reference", "recipient_id", "recipient_name", "item_query", "offer_id", "amount", "status", "friendship_done", "gift_sent", "review_required", "attempts", "max_attempts", "reassignments", "expires_at", "created_at", "updated_at"}

func orderRows(orders ...model.Order) *sqlmock.Rows {
	rows := sqlmock.NewRows(orderColumns)
	for _, o := range orders {
		rows.AddRow(o.OrderID, o.Reference, o.RecipientID, o.RecipientName, o.ItemQuery, o.OfferID, o.Amount.String(), o.Status, o.FriendshipDone, o.GiftSent, o.ReviewRequired, o.Attempts, o.MaxAttempts, o.Reassignments, o.ExpiresAt, o.CreatedAt, o.UpdatedAt)
	}
	return rows
}

func emptyProgressRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"stage", "description", "created_at"})
}

// expectGetOrder covers the two queries behind a single GetOrder call.
func expectGetOrder(mock sqlmock.Sqlmock, order model.Order) {
	mock.ExpectQuery("SELECT .* FROM orders WHERE order_id =").
		WithArgs(order.OrderID).
		WillReturnRows(orderRows(order))
	mock.ExpectQuery("SELECT stage, description, created_at FROM order_progress").
		WithArgs(order.OrderID).
		WillReturnRows(emptyProgressRows())
}

var relationshipColumnNames = []string{"relationship_id", "account_id", "recipient_id", "recipient_name", "state", "established_at", "eligible_at", "created_at", "updated_at"}

func relationshipRows(rels ...model.Relationship) *sqlmock.Rows {
	rows := sqlmock.NewRows(relationshipColumnNames)
	for _, r := range rels {
		rows.AddRow(r.RelationshipID, r.AccountID, r.RecipientID, r.RecipientName, r.State, r.EstablishedAt, r.EligibleAt, r.CreatedAt, r.UpdatedAt)
	}
	return rows
}

var giftJobColumnNames = []string{"gift_job_id", "order_id", "account_id", "recipient_id", "offer_id", "price", "status", "retry_count", "last_error", "attempted_accounts", "balance_before", "sent_at", "created_at", "updated_at"}

func giftJobRows(jobs ...model.GiftJob) *sqlmock.Rows {
	rows := sqlmock.NewRows(giftJobColumnNames)
	for _, j := range jobs {
		rows.AddRow(j.GiftJobID, j.OrderID, j.AccountID, j.RecipientID, j.OfferID, j.Price, j.Status, j.RetryCount, j.LastError, nil, j.BalanceBefore, j.SentAt, j.CreatedAt, j.UpdatedAt)
	}
	return rows
}

var offerColumnNames = []string{"offer_id", "item_id", "display_name", "giftable", "price", "active", "sync_id", "created_at"}

func offerRows(offers ...model.CatalogOffer) *sqlmock.Rows {
	rows := sqlmock.NewRows(offerColumnNames)
	for _, o := range offers {
		rows.AddRow(o.OfferID, o.ItemID, o.DisplayName, o.Giftable, o.Price, o.Active, o.SyncID, o.CreatedAt)
	}
	return rows
}
