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
	"errors"

	"github.com/giftfleet/giftfleet/model"
)

// Sentinel failures surfaced by platform sessions. Workers map these onto the
// retry taxonomy: a dead session re-authenticates, a rate limit backs off,
// a missing recipient is terminal for the order.
var (
	ErrSessionDead        = errors.New("session is no longer authenticated")
	ErrRateLimited        = errors.New("platform rate limit hit")
	ErrRecipientNotFound  = errors.New("recipient not found on platform")
	ErrAlreadyFriends     = errors.New("recipient is already a friend")
	ErrFriendRequestOpen  = errors.New("friend request already pending")
	ErrInsufficientFunds  = errors.New("account balance below offer price")
	ErrGiftLimitReached   = errors.New("platform gift limit reached for account")
	ErrOfferNotGiftable   = errors.New("offer cannot be gifted")
	ErrRecipientDeclined  = errors.New("recipient declined or blocked the request")
	ErrCredentialsInvalid = errors.New("credentials rejected by platform")
)

// Friend is a platform-side friend list entry as the session sees it.
type Friend struct {
	RecipientID string `json:"recipient_id"`
	DisplayName string `json:"display_name"`
	Accepted    bool   `json:"accepted"`
}

// Session is one authenticated connection to the gifting platform on behalf
// of a bot account. Implementations own token refresh internally; callers
// only ever see ErrSessionDead once refresh is no longer possible.
//
// All calls honor context cancellation. The pool caches one session per
// account and shares it across workers and the heartbeat loop, so
// implementations must be safe for concurrent use.
type Session interface {
	// AccountID identifies the bot account this session authenticates.
	AccountID() string

	// SendFriendRequest asks the platform to befriend the recipient.
	SendFriendRequest(ctx context.Context, recipientID string) error

	// GetFriends returns the session's current platform friend list.
	GetFriends(ctx context.Context) ([]Friend, error)

	// LookupByDisplayName resolves a recipient display name to the stable
	// platform identifier.
	LookupByDisplayName(ctx context.Context, name string) (string, error)

	// RemoveFriend drops the recipient from the friend list.
	RemoveFriend(ctx context.Context, recipientID string) error

	// SendGift purchases and gifts the offer to the recipient.
	SendGift(ctx context.Context, recipientID, offerID string) error

	// GetBalance returns the account's current platform currency balance.
	GetBalance(ctx context.Context) (int64, error)

	// GetCatalog fetches the current shop rotation.
	GetCatalog(ctx context.Context) ([]model.CatalogOffer, error)

	// Close releases the session.
	Close() error
}

// SessionFactory mints sessions from a decrypted credential bundle. The
// default factory talks to the real platform; tests install their own.
type SessionFactory func(ctx context.Context, accountID, credentials string) (Session, error)
