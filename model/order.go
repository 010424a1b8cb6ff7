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

package model

import (
	"encoding/json"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/shopspring/decimal"
)

const (
	StatusPendingPayment  = "PENDING_PAYMENT"
	StatusPaymentVerified = "PAYMENT_VERIFIED"
	StatusQueued          = "QUEUED"
	StatusProcessing      = "PROCESSING"
	StatusCompleted       = "COMPLETED"
	StatusFailed          = "FAILED"
	StatusCancelled       = "CANCELLED"
	StatusExpired         = "EXPIRED"
)

const (
	GiftJobQueued    = "QUEUED"
	GiftJobSent      = "SENT"
	GiftJobDelivered = "DELIVERED"
	GiftJobFailed    = "FAILED"
)

// Pipeline stage names used in progress entries.
const (
	StageOrder        = "order"
	StageFriendship   = "friendship"
	StageDispatch     = "gift_dispatch"
	StageVerification = "verification"
)

// statusRank orders the forward-only lifecycle. Terminal and exceptional
// states share the top rank; movement between them is governed by
// CanTransitionTo, not by rank comparison alone.
var statusRank = map[string]int{
	StatusPendingPayment:  0,
	StatusPaymentVerified: 1,
	StatusQueued:          2,
	StatusProcessing:      3,
	StatusCompleted:       4,
	StatusFailed:          4,
	StatusCancelled:       4,
	StatusExpired:         4,
}

// ProgressEntry is one line of the append-only audit trail a support agent
// reads to diagnose a stuck order.
type ProgressEntry struct {
	Stage       string    `json:"stage"`
	Description string    `json:"description"`
	Timestamp   time.Time `json:"timestamp"`
}

// Order is the authoritative per-order record. It is owned exclusively by the
// pipeline workers and the operator-intervention entry points.
type Order struct {
	OrderID        string          `json:"order_id"`
	Reference      string          `json:"reference"`
	RecipientID    string          `json:"recipient_id"`
	RecipientName  string          `json:"recipient_name"`
	ItemQuery      string          `json:"item_query"`
	OfferID        string          `json:"offer_id,omitempty"`
	Amount         decimal.Decimal `json:"amount"`
	Status         string          `json:"status"`
	FriendshipDone bool            `json:"friendship_done"`
	GiftSent       bool            `json:"gift_sent"`
	ReviewRequired bool            `json:"review_required"`
	Attempts       int             `json:"attempts"`
	MaxAttempts    int             `json:"max_attempts"`
	Reassignments  int             `json:"reassignments"`
	ExpiresAt      time.Time       `json:"expires_at"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	Progress       []ProgressEntry `json:"progress,omitempty"`
}

func (o *Order) ToJSON() ([]byte, error) {
	return json.Marshal(o)
}

// CanTransitionTo enforces the forward-only lifecycle. The two sanctioned
// exceptions: CANCELLED is reachable from any pre-PROCESSING state, and an
// operator retry moves FAILED back to QUEUED.
func (o *Order) CanTransitionTo(next string) bool {
	current, ok := statusRank[o.Status]
	if !ok {
		return false
	}
	target, ok := statusRank[next]
	if !ok {
		return false
	}

	if next == StatusCancelled {
		return current < statusRank[StatusProcessing]
	}
	if o.Status == StatusFailed && next == StatusQueued {
		return true
	}
	return target > current
}

// Expirable reports whether the order sits in a state where the expiry
// timestamp applies. A PROCESSING order is never expired out from under the
// pipeline; once money may have moved it completes or escalates instead.
func (o *Order) Expirable() bool {
	switch o.Status {
	case StatusPendingPayment, StatusPaymentVerified, StatusQueued:
		return true
	}
	return false
}

// EffectiveStatus classifies an order past its expiry timestamp as EXPIRED on
// read, so a stale row is never silently processed.
func (o *Order) EffectiveStatus(now time.Time) string {
	if o.Expirable() && !o.ExpiresAt.IsZero() && o.ExpiresAt.Before(now) {
		return StatusExpired
	}
	return o.Status
}

// PublicStatus collapses the internal lifecycle into the three states a
// customer ever sees. Retry and reassignment detail stays operator-only.
func (o *Order) PublicStatus() string {
	switch o.Status {
	case StatusCompleted:
		return "completed"
	case StatusFailed, StatusCancelled, StatusExpired:
		return "failed"
	default:
		return "processing"
	}
}

// GiftJob is one dispatch attempt bundle for an order. At most one GiftJob
// per order is non-terminal at any time.
type GiftJob struct {
	GiftJobID         string    `json:"gift_job_id"`
	OrderID           string    `json:"order_id"`
	AccountID         string    `json:"account_id"`
	RecipientID       string    `json:"recipient_id"`
	OfferID           string    `json:"offer_id"`
	Price             int64     `json:"price"`
	Status            string    `json:"status"`
	RetryCount        int       `json:"retry_count"`
	LastError         string    `json:"last_error,omitempty"`
	AttemptedAccounts []string  `json:"attempted_accounts,omitempty"`
	BalanceBefore     int64     `json:"balance_before"`
	SentAt            time.Time `json:"sent_at,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Terminal reports whether the gift job has reached a final status.
func (g *GiftJob) Terminal() bool {
	return g.Status == GiftJobDelivered || g.Status == GiftJobFailed
}

// Attempted reports whether the given account already failed this job.
func (g *GiftJob) Attempted(accountID string) bool {
	for _, id := range g.AttemptedAccounts {
		if id == accountID {
			return true
		}
	}
	return false
}

// NewOrder is the storefront-facing payload for creating an order.
type NewOrder struct {
	Reference     string          `json:"reference"`
	RecipientID   string          `json:"recipient_id"`
	RecipientName string          `json:"recipient_name"`
	ItemQuery     string          `json:"item_query"`
	Amount        decimal.Decimal `json:"amount"`
}

func (o *NewOrder) ValidateNewOrder() error {
	return validation.ValidateStruct(o,
		validation.Field(&o.Reference, validation.Required),
		validation.Field(&o.RecipientID, validation.Required),
		validation.Field(&o.ItemQuery, validation.Required),
	)
}
