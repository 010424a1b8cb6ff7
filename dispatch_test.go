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
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giftfleet/giftfleet/model"
)

func processingOrder(id string) model.Order {
	order := queuedOrder(id)
	order.Status = model.StatusProcessing
	order.OfferID = "offer_1"
	order.FriendshipDone = true
	return order
}

func giftableOffer() model.CatalogOffer {
	return model.CatalogOffer{
		OfferID:     "offer_1",
		ItemID:      "EID_TinyTremors",
		DisplayName: "Tiny Tremors",
		Giftable:    true,
		Price:       1000,
		Active:      true,
		SyncID:      "sync_1",
		CreatedAt:   time.Now(),
	}
}

// expectDispatchSelection covers bot selection for a recipient with one
// gift-ready relationship on bot_1.
func expectDispatchSelection(mock sqlmock.Sqlmock, giftsUsed int) {
	mock.ExpectQuery("FROM relationships r JOIN accounts a").
		WithArgs("rec_1", model.RelationshipAccepted, sqlmock.AnyArg()).
		WillReturnRows(relationshipRows(acceptedRelationship("rel_1", "bot_1", "rec_1")))
	mock.ExpectQuery("SELECT .* FROM accounts WHERE account_id =").
		WithArgs("bot_1").
		WillReturnRows(accountRows(onlineAccount("bot_1")))
	mock.ExpectQuery("SELECT COUNT.* FROM gift_jobs").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(giftsUsed))
}

func TestDispatchSendsGiftAndQueuesVerification(t *testing.T) {
	fleet, mock, _ := newTestFleet(t, nil)
	order := processingOrder("ord_1")

	var gifted bool
	fleet.pool.sessions["bot_1"] = &mockSession{
		accountID: "bot_1",
		getBalance: func(ctx context.Context) (int64, error) {
			return 5000, nil
		},
		sendGift: func(ctx context.Context, recipientID, offerID string) error {
			gifted = true
			assert.Equal(t, "rec_1", recipientID)
			assert.Equal(t, "offer_1", offerID)
			return nil
		},
	}

	expectGetOrder(mock, order)
	mock.ExpectQuery("SELECT .* FROM gift_jobs WHERE order_id = \\$1 AND status NOT IN").
		WithArgs("ord_1", model.GiftJobDelivered, model.GiftJobFailed).
		WillReturnRows(giftJobRows())
	mock.ExpectQuery("SELECT .* FROM catalog_offers WHERE offer_id =").
		WithArgs("offer_1").
		WillReturnRows(offerRows(giftableOffer()))
	mock.ExpectQuery("UPDATE orders SET attempts = attempts \\+ 1").
		WithArgs("ord_1").
		WillReturnRows(sqlmock.NewRows([]string{"attempts"}).AddRow(1))
	expectDispatchSelection(mock, 0)
	mock.ExpectExec("INSERT INTO gift_jobs").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE accounts SET status =").
		WithArgs("bot_1", model.AccountStatusOnline, 0, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE gift_jobs SET account_id =").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE orders SET gift_sent = TRUE").
		WithArgs("ord_1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO order_progress").
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := fleet.ProcessGiftDispatch(context.Background(), "ord_1")
	require.NoError(t, err)
	assert.True(t, gifted)

	queued, err := fleet.Queue().GetOrderFromQueue("new:verification", "ord_1")
	require.NoError(t, err)
	assert.Equal(t, "ord_1", queued)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDispatchSkipsWhenGiftAlreadySent(t *testing.T) {
	fleet, mock, _ := newTestFleet(t, nil)
	order := processingOrder("ord_1")

	sent := model.GiftJob{
		GiftJobID:     "gift_1",
		OrderID:       "ord_1",
		AccountID:     "bot_1",
		RecipientID:   "rec_1",
		OfferID:       "offer_1",
		Price:         1000,
		Status:        model.GiftJobSent,
		BalanceBefore: 5000,
		SentAt:        time.Now(),
		CreatedAt:     time.Now(),
		UpdatedAt:     time.Now(),
	}

	expectGetOrder(mock, order)
	mock.ExpectQuery("SELECT .* FROM gift_jobs WHERE order_id = \\$1 AND status NOT IN").
		WithArgs("ord_1", model.GiftJobDelivered, model.GiftJobFailed).
		WillReturnRows(giftJobRows(sent))

	// A gift that went out before a crash must never be sent twice.
	err := fleet.ProcessGiftDispatch(context.Background(), "ord_1")
	require.NoError(t, err)

	queued, err := fleet.Queue().GetOrderFromQueue("new:verification", "ord_1")
	require.NoError(t, err)
	assert.Equal(t, "ord_1", queued)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDispatchInsufficientBalanceBurnsBot(t *testing.T) {
	fleet, mock, _ := newTestFleet(t, nil)
	order := processingOrder("ord_1")

	fleet.pool.sessions["bot_1"] = &mockSession{
		accountID: "bot_1",
		getBalance: func(ctx context.Context) (int64, error) {
			return 100, nil
		},
	}

	expectGetOrder(mock, order)
	mock.ExpectQuery("SELECT .* FROM gift_jobs WHERE order_id = \\$1 AND status NOT IN").
		WillReturnRows(giftJobRows())
	mock.ExpectQuery("SELECT .* FROM catalog_offers WHERE offer_id =").
		WithArgs("offer_1").
		WillReturnRows(offerRows(giftableOffer()))
	mock.ExpectQuery("UPDATE orders SET attempts = attempts \\+ 1").
		WillReturnRows(sqlmock.NewRows([]string{"attempts"}).AddRow(1))
	expectDispatchSelection(mock, 0)
	mock.ExpectExec("INSERT INTO gift_jobs").
		WillReturnResult(sqlmock.NewResult(1, 1))
	// The bot is burned for this job and the order re-queued for reassignment.
	mock.ExpectExec("UPDATE gift_jobs SET account_id =").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO order_progress").
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := fleet.ProcessGiftDispatch(context.Background(), "ord_1")
	require.NoError(t, err)

	queued, err := fleet.Queue().GetOrderFromQueue("new:gift_dispatch", "ord_1")
	require.NoError(t, err)
	assert.Equal(t, "ord_1", queued)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDispatchFailsOrderWhenAttemptBudgetExhausted(t *testing.T) {
	fleet, mock, _ := newTestFleet(t, nil)
	order := processingOrder("ord_1")

	expectGetOrder(mock, order)
	mock.ExpectQuery("SELECT .* FROM gift_jobs WHERE order_id = \\$1 AND status NOT IN").
		WillReturnRows(giftJobRows())
	mock.ExpectQuery("SELECT .* FROM catalog_offers WHERE offer_id =").
		WithArgs("offer_1").
		WillReturnRows(offerRows(giftableOffer()))
	mock.ExpectQuery("UPDATE orders SET attempts = attempts \\+ 1").
		WillReturnRows(sqlmock.NewRows([]string{"attempts"}).AddRow(6))
	mock.ExpectExec("UPDATE orders SET status = \\$3").
		WithArgs("ord_1", model.StatusProcessing, model.StatusFailed).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO order_progress").
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := fleet.ProcessGiftDispatch(context.Background(), "ord_1")
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDispatchParksOrderWhenNoReadyBot(t *testing.T) {
	fleet, mock, mr := newTestFleet(t, nil)
	order := processingOrder("ord_1")

	expectGetOrder(mock, order)
	mock.ExpectQuery("SELECT .* FROM gift_jobs WHERE order_id = \\$1 AND status NOT IN").
		WillReturnRows(giftJobRows())
	mock.ExpectQuery("SELECT .* FROM catalog_offers WHERE offer_id =").
		WithArgs("offer_1").
		WillReturnRows(offerRows(giftableOffer()))
	mock.ExpectQuery("UPDATE orders SET attempts = attempts \\+ 1").
		WillReturnRows(sqlmock.NewRows([]string{"attempts"}).AddRow(1))
	mock.ExpectQuery("FROM relationships r JOIN accounts a").
		WillReturnRows(relationshipRows())
	mock.ExpectExec("INSERT INTO order_progress").
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := fleet.ProcessGiftDispatch(context.Background(), "ord_1")
	require.NoError(t, err)

	members, err := mr.Members(backlogSetKey)
	require.NoError(t, err)
	assert.Equal(t, []string{"ord_1"}, members)

	assert.NoError(t, mock.ExpectationsWereMet())
}

// Orders parked for capacity resume on their own once the trailing 24h gift
// count drops below the quota, and the backlog count follows them out.
func TestDispatchBacklogClearsWhenQuotaFrees(t *testing.T) {
	fleet, mock, mr := newTestFleet(t, nil)
	order := processingOrder("ord_1")

	fleet.pool.sessions["bot_1"] = &mockSession{
		accountID: "bot_1",
		getBalance: func(ctx context.Context) (int64, error) {
			return 5000, nil
		},
	}

	// First pass: the only gift-ready bot already spent its quota.
	expectGetOrder(mock, order)
	mock.ExpectQuery("SELECT .* FROM gift_jobs WHERE order_id = \\$1 AND status NOT IN").
		WillReturnRows(giftJobRows())
	mock.ExpectQuery("SELECT .* FROM catalog_offers WHERE offer_id =").
		WithArgs("offer_1").
		WillReturnRows(offerRows(giftableOffer()))
	mock.ExpectQuery("UPDATE orders SET attempts = attempts \\+ 1").
		WillReturnRows(sqlmock.NewRows([]string{"attempts"}).AddRow(1))
	expectDispatchSelection(mock, 5)
	mock.ExpectExec("INSERT INTO order_progress").
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := fleet.ProcessGiftDispatch(context.Background(), "ord_1")
	require.NoError(t, err)

	members, err := mr.Members(backlogSetKey)
	require.NoError(t, err)
	assert.Equal(t, []string{"ord_1"}, members)

	// Second pass: the 24h window slid and a slot opened; the parked order
	// goes through with no operator intervention.
	expectGetOrder(mock, order)
	mock.ExpectQuery("SELECT .* FROM gift_jobs WHERE order_id = \\$1 AND status NOT IN").
		WillReturnRows(giftJobRows())
	mock.ExpectQuery("SELECT .* FROM catalog_offers WHERE offer_id =").
		WithArgs("offer_1").
		WillReturnRows(offerRows(giftableOffer()))
	mock.ExpectQuery("UPDATE orders SET attempts = attempts \\+ 1").
		WillReturnRows(sqlmock.NewRows([]string{"attempts"}).AddRow(2))
	expectDispatchSelection(mock, 4)
	mock.ExpectExec("INSERT INTO gift_jobs").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE accounts SET status =").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE gift_jobs SET account_id =").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE orders SET gift_sent = TRUE").
		WithArgs("ord_1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO order_progress").
		WillReturnResult(sqlmock.NewResult(1, 1))

	err = fleet.ProcessGiftDispatch(context.Background(), "ord_1")
	require.NoError(t, err)
	assert.False(t, mr.Exists(backlogSetKey))

	queued, err := fleet.Queue().GetOrderFromQueue("new:verification", "ord_1")
	require.NoError(t, err)
	assert.Equal(t, "ord_1", queued)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDispatchTerminalSendFailureSettlesOrder(t *testing.T) {
	fleet, mock, _ := newTestFleet(t, nil)
	order := processingOrder("ord_1")

	fleet.pool.sessions["bot_1"] = &mockSession{
		accountID: "bot_1",
		getBalance: func(ctx context.Context) (int64, error) {
			return 5000, nil
		},
		sendGift: func(ctx context.Context, recipientID, offerID string) error {
			return ErrOfferNotGiftable
		},
	}

	expectGetOrder(mock, order)
	mock.ExpectQuery("SELECT .* FROM gift_jobs WHERE order_id = \\$1 AND status NOT IN").
		WillReturnRows(giftJobRows())
	mock.ExpectQuery("SELECT .* FROM catalog_offers WHERE offer_id =").
		WithArgs("offer_1").
		WillReturnRows(offerRows(giftableOffer()))
	mock.ExpectQuery("UPDATE orders SET attempts = attempts \\+ 1").
		WillReturnRows(sqlmock.NewRows([]string{"attempts"}).AddRow(1))
	expectDispatchSelection(mock, 0)
	mock.ExpectExec("INSERT INTO gift_jobs").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE gift_jobs SET account_id =").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE orders SET status = \\$3").
		WithArgs("ord_1", model.StatusProcessing, model.StatusFailed).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO order_progress").
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := fleet.ProcessGiftDispatch(context.Background(), "ord_1")
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDispatchSessionDeathBurnsBotAndReassigns(t *testing.T) {
	fleet, mock, _ := newTestFleet(t, nil)
	order := processingOrder("ord_1")

	session := &mockSession{
		accountID: "bot_1",
		getBalance: func(ctx context.Context) (int64, error) {
			return 5000, nil
		},
		sendGift: func(ctx context.Context, recipientID, offerID string) error {
			return ErrSessionDead
		},
	}
	fleet.pool.sessions["bot_1"] = session

	expectGetOrder(mock, order)
	mock.ExpectQuery("SELECT .* FROM gift_jobs WHERE order_id = \\$1 AND status NOT IN").
		WillReturnRows(giftJobRows())
	mock.ExpectQuery("SELECT .* FROM catalog_offers WHERE offer_id =").
		WithArgs("offer_1").
		WillReturnRows(offerRows(giftableOffer()))
	mock.ExpectQuery("UPDATE orders SET attempts = attempts \\+ 1").
		WillReturnRows(sqlmock.NewRows([]string{"attempts"}).AddRow(1))
	expectDispatchSelection(mock, 0)
	mock.ExpectExec("INSERT INTO gift_jobs").
		WillReturnResult(sqlmock.NewResult(1, 1))
	// The dead bot is burned for this job so the next selection lands elsewhere.
	mock.ExpectExec("UPDATE gift_jobs SET account_id =").
		WithArgs(sqlmock.AnyArg(), "bot_1", model.GiftJobQueued, 1, "session died during send", []byte(`["bot_1"]`), int64(5000), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO order_progress").
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := fleet.ProcessGiftDispatch(context.Background(), "ord_1")
	require.NoError(t, err)

	// The dead session must leave the pool so the next acquire logs in fresh.
	assert.True(t, session.closed)
	_, cached := fleet.pool.sessions["bot_1"]
	assert.False(t, cached)

	queued, err := fleet.Queue().GetOrderFromQueue("new:gift_dispatch", "ord_1")
	require.NoError(t, err)
	assert.Equal(t, "ord_1", queued)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDispatchRepairsStaleRecipientViaLookup(t *testing.T) {
	fleet, mock, _ := newTestFleet(t, nil)
	order := processingOrder("ord_1")

	fleet.pool.sessions["bot_1"] = &mockSession{
		accountID: "bot_1",
		getBalance: func(ctx context.Context) (int64, error) {
			return 5000, nil
		},
		sendGift: func(ctx context.Context, recipientID, offerID string) error {
			return ErrRecipientNotFound
		},
		lookupByDisplayName: func(ctx context.Context, name string) (string, error) {
			assert.Equal(t, "Recipient One", name)
			return "rec_2", nil
		},
	}

	expectGetOrder(mock, order)
	mock.ExpectQuery("SELECT .* FROM gift_jobs WHERE order_id = \\$1 AND status NOT IN").
		WillReturnRows(giftJobRows())
	mock.ExpectQuery("SELECT .* FROM catalog_offers WHERE offer_id =").
		WithArgs("offer_1").
		WillReturnRows(offerRows(giftableOffer()))
	mock.ExpectQuery("UPDATE orders SET attempts = attempts \\+ 1").
		WillReturnRows(sqlmock.NewRows([]string{"attempts"}).AddRow(1))
	expectDispatchSelection(mock, 0)
	mock.ExpectExec("INSERT INTO gift_jobs").
		WillReturnResult(sqlmock.NewResult(1, 1))
	// The display name still resolves, so the stale identifier is repaired
	// in place and the order re-queued instead of settled.
	mock.ExpectExec("UPDATE orders SET recipient_id =").
		WithArgs("ord_1", "rec_2").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE gift_jobs SET account_id =").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO order_progress").
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := fleet.ProcessGiftDispatch(context.Background(), "ord_1")
	require.NoError(t, err)

	queued, err := fleet.Queue().GetOrderFromQueue("new:gift_dispatch", "ord_1")
	require.NoError(t, err)
	assert.Equal(t, "ord_1", queued)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDispatchRecipientGoneSettlesOrder(t *testing.T) {
	fleet, mock, _ := newTestFleet(t, nil)
	order := processingOrder("ord_1")

	// The default mock lookup finds nobody, so the order settles terminally.
	fleet.pool.sessions["bot_1"] = &mockSession{
		accountID: "bot_1",
		getBalance: func(ctx context.Context) (int64, error) {
			return 5000, nil
		},
		sendGift: func(ctx context.Context, recipientID, offerID string) error {
			return ErrRecipientNotFound
		},
	}

	expectGetOrder(mock, order)
	mock.ExpectQuery("SELECT .* FROM gift_jobs WHERE order_id = \\$1 AND status NOT IN").
		WillReturnRows(giftJobRows())
	mock.ExpectQuery("SELECT .* FROM catalog_offers WHERE offer_id =").
		WithArgs("offer_1").
		WillReturnRows(offerRows(giftableOffer()))
	mock.ExpectQuery("UPDATE orders SET attempts = attempts \\+ 1").
		WillReturnRows(sqlmock.NewRows([]string{"attempts"}).AddRow(1))
	expectDispatchSelection(mock, 0)
	mock.ExpectExec("INSERT INTO gift_jobs").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE gift_jobs SET account_id =").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE orders SET status = \\$3").
		WithArgs("ord_1", model.StatusProcessing, model.StatusFailed).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO order_progress").
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := fleet.ProcessGiftDispatch(context.Background(), "ord_1")
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDispatchReassignmentLimitSettlesOrder(t *testing.T) {
	fleet, mock, _ := newTestFleet(t, nil)
	order := processingOrder("ord_1")
	fleet.pool.sessions["bot_1"] = &mockSession{accountID: "bot_1"}

	// The open job belongs to a different bot that already failed it.
	open := model.GiftJob{
		GiftJobID:   "gift_1",
		OrderID:     "ord_1",
		AccountID:   "bot_2",
		RecipientID: "rec_1",
		OfferID:     "offer_1",
		Price:       1000,
		Status:      model.GiftJobQueued,
		RetryCount:  3,
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}

	expectGetOrder(mock, order)
	mock.ExpectQuery("SELECT .* FROM gift_jobs WHERE order_id = \\$1 AND status NOT IN").
		WillReturnRows(giftJobRows(open))
	mock.ExpectQuery("SELECT .* FROM catalog_offers WHERE offer_id =").
		WithArgs("offer_1").
		WillReturnRows(offerRows(giftableOffer()))
	mock.ExpectQuery("UPDATE orders SET attempts = attempts \\+ 1").
		WillReturnRows(sqlmock.NewRows([]string{"attempts"}).AddRow(4))
	expectDispatchSelection(mock, 0)
	mock.ExpectQuery("UPDATE orders SET reassignments = reassignments \\+ 1").
		WithArgs("ord_1").
		WillReturnRows(sqlmock.NewRows([]string{"reassignments"}).AddRow(4))
	mock.ExpectExec("UPDATE gift_jobs SET account_id =").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE orders SET status = \\$3").
		WithArgs("ord_1", model.StatusProcessing, model.StatusFailed).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO order_progress").
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := fleet.ProcessGiftDispatch(context.Background(), "ord_1")
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
