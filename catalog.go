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
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/texttheater/golang-levenshtein/levenshtein"

	"github.com/giftfleet/giftfleet/config"
	"github.com/giftfleet/giftfleet/internal/apierror"
	"github.com/giftfleet/giftfleet/model"
)

const (
	catalogCacheKey = "giftfleet:catalog:current"
	catalogLockKey  = "giftfleet:catalog:refresh"

	// Strict queries name the underlying item id instead of a display name.
	strictQueryPrefix = "EID_"

	// How long a second caller waits for an in-flight refresh before giving
	// up and serving whatever rotation is installed.
	refreshWaitTimeout = 2 * time.Second

	// Fuzzy queries further than this from every name are treated as no
	// match rather than landing on an arbitrary nearest offer.
	maxResolveDistance = 3
)

// Catalog is the cached view of the shop's current rotation. The shop rotates
// daily; between rotations the catalog is effectively immutable, so reads are
// served from cache and only Refresh talks to the platform.
type Catalog struct {
	fleet *Giftfleet
}

func NewCatalog(fleet *Giftfleet) *Catalog {
	return &Catalog{fleet: fleet}
}

// Refresh fetches the current rotation through any healthy bot session and
// installs it wholesale. Refresh is single-flight across all workers; a
// second caller during an active refresh waits briefly for it to finish and
// then serves whatever rotation it produced.
//
// A fetch failure or an empty upstream response leaves the previous rotation
// fully in place. A stale catalog that still resolves is better than no
// catalog.
func (c *Catalog) Refresh(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "Refreshing Catalog")
	defer span.End()

	locker := c.fleet.newLocker(catalogLockKey)
	if err := locker.Lock(ctx, 2*time.Minute); err != nil {
		// Another worker holds the refresh; wait for it to finish so callers
		// read the rotation it installs rather than racing ahead of it.
		logrus.Info("catalog refresh already in flight, waiting for it to finish")
		if err := locker.WaitLock(ctx, 2*time.Minute, refreshWaitTimeout); err != nil {
			return nil
		}
		if err := locker.Unlock(ctx); err != nil {
			logrus.Errorf("failed to release catalog refresh lock: %v", err)
		}
		return nil
	}
	defer func() {
		if err := locker.Unlock(ctx); err != nil {
			logrus.Errorf("failed to release catalog refresh lock: %v", err)
		}
	}()

	offers, err := c.fetchRotation(ctx)
	if err != nil {
		return err
	}
	if len(offers) == 0 {
		// An empty rotation from the platform counts as a failed fetch; the
		// previous rotation stays installed.
		return apierror.NewAPIError(apierror.ErrInconclusive, "Platform returned an empty rotation", nil)
	}

	syncID := model.GenerateUUIDWithSuffix("sync")
	if err := c.fleet.datasource.ReplaceCatalog(ctx, syncID, offers); err != nil {
		return err
	}

	snapshot := &model.CatalogSnapshot{
		SyncID:   syncID,
		SyncedAt: time.Now(),
		Offers:   offers,
	}
	if err := c.fleet.cache.Set(ctx, catalogCacheKey, snapshot, 25*time.Hour); err != nil {
		logrus.Errorf("failed to cache catalog snapshot: %v", err)
	}

	logrus.Infof("catalog refreshed: sync %s, %d offers", syncID, len(offers))
	return nil
}

// fetchRotation walks the eligible bots until one session returns the shop.
func (c *Catalog) fetchRotation(ctx context.Context) ([]model.CatalogOffer, error) {
	cfg, err := config.Fetch()
	if err != nil {
		return nil, err
	}

	accounts, err := c.fleet.datasource.GetActiveAccounts(ctx)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for i := range accounts {
		account := &accounts[i]
		if account.Status == model.AccountStatusError || account.ErrorCount >= cfg.Gifting.ErrorThreshold {
			continue
		}

		session, err := c.fleet.pool.Acquire(ctx, account.AccountID)
		if err != nil {
			lastErr = err
			continue
		}

		offers, err := session.GetCatalog(ctx)
		if err != nil {
			c.fleet.pool.RecordFault(ctx, account.AccountID, err)
			lastErr = err
			continue
		}

		c.fleet.pool.RecordSuccess(ctx, account.AccountID)
		return offers, nil
	}

	if lastErr == nil {
		lastErr = apierror.NewAPIError(apierror.ErrExhausted, "No bot available to fetch catalog", nil)
	}
	return nil, lastErr
}

// Snapshot returns the current rotation, preferring the cache over the
// database.
func (c *Catalog) Snapshot(ctx context.Context) (*model.CatalogSnapshot, error) {
	var cached model.CatalogSnapshot
	if err := c.fleet.cache.Get(ctx, catalogCacheKey, &cached); err == nil && cached.SyncID != "" {
		return &cached, nil
	}

	snapshot, err := c.fleet.datasource.LatestCatalogSync(ctx)
	if err != nil {
		return nil, err
	}

	if err := c.fleet.cache.Set(ctx, catalogCacheKey, snapshot, 25*time.Hour); err != nil {
		logrus.Errorf("failed to cache catalog snapshot: %v", err)
	}
	return snapshot, nil
}

// IsStale reports whether the rotation on record predates the current shop
// day, with a reason string for logs and operator output.
func (c *Catalog) IsStale(ctx context.Context, now time.Time) (bool, string) {
	snapshot, err := c.Snapshot(ctx)
	if err != nil {
		return true, "no catalog sync recorded"
	}
	if len(snapshot.Offers) == 0 {
		return true, "current rotation sync has no offers"
	}
	if snapshot.SyncedAt.Before(c.lastRotation(now)) {
		return true, "catalog predates the current rotation"
	}
	return false, ""
}

// lastRotation returns the most recent daily rotation boundary.
func (c *Catalog) lastRotation(now time.Time) time.Time {
	cfg, err := config.Fetch()
	rotationHour := 0
	if err == nil {
		rotationHour = cfg.Gifting.RotationHourUTC
	}

	utc := now.UTC()
	boundary := time.Date(utc.Year(), utc.Month(), utc.Day(), rotationHour, 0, 0, 0, time.UTC)
	if boundary.After(utc) {
		boundary = boundary.AddDate(0, 0, -1)
	}
	return boundary
}

// Resolve maps an item query onto a giftable offer in the current rotation.
//
// A strict query matches the item id exactly or fails, never falling back to
// fuzzy matching. Otherwise an exact identifier match is tried first, then
// names and identifiers are ranked by closeness to the query; a query with no
// plausible match fails rather than landing on the nearest offer.
func (c *Catalog) Resolve(ctx context.Context, query string, strict bool) (*model.ResolvedOffer, error) {
	ctx, span := tracer.Start(ctx, "Resolving Catalog Query")
	defer span.End()

	snapshot, err := c.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	if len(snapshot.Offers) == 0 {
		return nil, apierror.NewAPIError(apierror.ErrNotFound, "Catalog rotation is empty", nil)
	}

	query = strings.TrimSpace(query)
	if strict {
		return c.resolveStrict(snapshot.Offers, query)
	}
	return c.resolveFuzzy(snapshot.Offers, query)
}

func (c *Catalog) resolveStrict(offers []model.CatalogOffer, query string) (*model.ResolvedOffer, error) {
	for _, offer := range offers {
		if !strings.EqualFold(offer.ItemID, query) {
			continue
		}
		if !offer.Giftable {
			return nil, apierror.NewAPIError(apierror.ErrTerminal, "Item is not giftable", nil)
		}
		return &model.ResolvedOffer{Offer: offer, Exact: true}, nil
	}
	return nil, apierror.NewAPIError(apierror.ErrNotFound, "Item is not in the current rotation", nil)
}

func (c *Catalog) resolveFuzzy(offers []model.CatalogOffer, query string) (*model.ResolvedOffer, error) {
	cfg, err := config.Fetch()
	if err != nil {
		return nil, err
	}

	// An exact identifier match wins outright even without the strict flag.
	for _, offer := range offers {
		if !strings.EqualFold(offer.ItemID, query) {
			continue
		}
		if !offer.Giftable {
			return nil, apierror.NewAPIError(apierror.ErrTerminal, "Item is not giftable", nil)
		}
		return &model.ResolvedOffer{Offer: offer, Exact: true}, nil
	}

	type candidate struct {
		offer    model.CatalogOffer
		distance int
		exact    bool
	}

	lowered := strings.ToLower(query)
	candidates := make([]candidate, 0, len(offers))
	for _, offer := range offers {
		if !offer.Giftable {
			continue
		}
		name := strings.ToLower(offer.DisplayName)
		if name == lowered {
			candidates = append(candidates, candidate{offer: offer, distance: 0, exact: true})
			continue
		}

		// Substring hits on the name or the identifier rank ahead of pure
		// edit-distance matches.
		if strings.Contains(name, lowered) || strings.Contains(strings.ToLower(offer.ItemID), lowered) {
			candidates = append(candidates, candidate{offer: offer, distance: 1})
			continue
		}

		distance := levenshtein.DistanceForStrings([]rune(name), []rune(lowered), levenshtein.DefaultOptions)
		if distance > maxResolveDistance {
			continue
		}
		candidates = append(candidates, candidate{offer: offer, distance: 1 + distance})
	}

	if len(candidates) == 0 {
		return nil, apierror.NewAPIError(apierror.ErrNotFound, "No giftable offer matches the query", nil)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].distance < candidates[j].distance
	})

	best := candidates[0]
	resolved := &model.ResolvedOffer{Offer: best.offer, Exact: best.exact}
	for _, alt := range candidates[1:] {
		if len(resolved.Alternatives) >= cfg.Gifting.MaxSuggestions {
			break
		}
		resolved.Alternatives = append(resolved.Alternatives, alt.offer)
	}
	return resolved, nil
}
