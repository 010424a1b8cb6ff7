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

// CatalogOffer is one redeemable entry in the rotating shop. The OfferID is
// the token actually redeemable; ItemID identifies the underlying item.
// Offers absent from a new sync are marked inactive, never deleted, so
// historical orders still resolve their original item names.
type CatalogOffer struct {
	OfferID     string    `json:"offer_id"`
	ItemID      string    `json:"item_id"`
	DisplayName string    `json:"display_name"`
	Giftable    bool      `json:"giftable"`
	Price       int64     `json:"price"`
	Active      bool      `json:"active"`
	SyncID      string    `json:"sync_id"`
	CreatedAt   time.Time `json:"created_at"`
}

// CatalogSnapshot is the current rotation's offer set plus sync bookkeeping.
type CatalogSnapshot struct {
	SyncID   string         `json:"sync_id"`
	SyncedAt time.Time      `json:"synced_at"`
	Offers   []CatalogOffer `json:"offers"`
}

// ResolvedOffer is the outcome of a catalog lookup: the best match plus
// ranked alternatives for non-strict queries.
type ResolvedOffer struct {
	Offer        CatalogOffer   `json:"offer"`
	Exact        bool           `json:"exact"`
	Alternatives []CatalogOffer `json:"alternatives,omitempty"`
}
