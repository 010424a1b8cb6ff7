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

import "time"

const (
	RelationshipPending    = "PENDING"
	RelationshipAccepted   = "ACCEPTED"
	RelationshipWaitPeriod = "WAIT_PERIOD"
	RelationshipRemoved    = "REMOVED"
)

// Relationship is the (bot, recipient) friendship record. Records are never
// deleted, only transitioned, so the history stays readable.
//
// EligibleAt is only meaningful once State is ACCEPTED.
type Relationship struct {
	RelationshipID string    `json:"relationship_id"`
	AccountID      string    `json:"account_id"`
	RecipientID    string    `json:"recipient_id"`
	RecipientName  string    `json:"recipient_name"`
	State          string    `json:"state"`
	EstablishedAt  time.Time `json:"established_at,omitempty"`
	EligibleAt     time.Time `json:"eligible_at,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// GiftEligible reports whether a gift may be sent over this relationship.
// A PENDING relationship is never eligible regardless of elapsed time.
func (r *Relationship) GiftEligible(now time.Time) bool {
	if r.State != RelationshipAccepted {
		return false
	}
	return !r.EligibleAt.After(now)
}

// WaitRemaining returns how long until the cooldown elapses. Zero means the
// relationship is either ready or not in a state where waiting applies.
func (r *Relationship) WaitRemaining(now time.Time) time.Duration {
	if r.State != RelationshipAccepted {
		return 0
	}
	if wait := r.EligibleAt.Sub(now); wait > 0 {
		return wait
	}
	return 0
}

// CurrentState is the reporting view of the stored state: an ACCEPTED
// relationship still inside its cooldown surfaces as WAIT_PERIOD.
func (r *Relationship) CurrentState(now time.Time) string {
	if r.State == RelationshipAccepted && r.EligibleAt.After(now) {
		return RelationshipWaitPeriod
	}
	return r.State
}
