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
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/giftfleet/giftfleet/config"
	"github.com/giftfleet/giftfleet/internal/apierror"
	"github.com/giftfleet/giftfleet/model"
)

const (
	// How long to wait before polling a pending friend request again.
	friendshipPollInterval = 5 * time.Minute

	// How long to park an order when no bot currently has capacity.
	backlogRequeueDelay = 10 * time.Minute

	// Orders currently parked waiting on fleet capacity, kept as a Redis set
	// so the count stays accurate across repeated requeues of the same order.
	backlogSetKey = "giftfleet:backlog:capacity"
)

// parkInBacklog records the order as waiting on fleet capacity. Membership is
// per order, so a requeue loop never inflates the count.
func (f *Giftfleet) parkInBacklog(ctx context.Context, orderID string) {
	if err := f.redis.SAdd(ctx, backlogSetKey, orderID).Err(); err != nil {
		logrus.Errorf("failed to record backlog entry for order %s: %v", orderID, err)
	}
}

// clearBacklog removes the order from the capacity backlog once it stops
// waiting on quota or leaves the pipeline.
func (f *Giftfleet) clearBacklog(ctx context.Context, orderID string) {
	if err := f.redis.SRem(ctx, backlogSetKey, orderID).Err(); err != nil {
		logrus.Errorf("failed to clear backlog entry for order %s: %v", orderID, err)
	}
}

// EnsureRelationship finds or creates the (bot, recipient) record and pushes
// it toward ACCEPTED. A REMOVED relationship is revived through a fresh
// request rather than replaced, so the record's history survives.
func (f *Giftfleet) EnsureRelationship(ctx context.Context, accountID, recipientID, recipientName string) (*model.Relationship, error) {
	ctx, span := tracer.Start(ctx, "Ensuring Relationship")
	defer span.End()

	rel, err := f.datasource.GetRelationship(ctx, accountID, recipientID)
	if err != nil {
		if apierror.Code(err) != apierror.ErrNotFound {
			return nil, err
		}
		rel = &model.Relationship{
			AccountID:     accountID,
			RecipientID:   recipientID,
			RecipientName: recipientName,
			State:         model.RelationshipPending,
		}
		if err := f.datasource.RecordRelationship(ctx, rel); err != nil {
			return nil, err
		}
	}

	switch rel.State {
	case model.RelationshipAccepted:
		return rel, nil
	case model.RelationshipRemoved:
		// Revive through a new request; the cooldown restarts from scratch.
		if err := f.datasource.UpdateRelationshipState(ctx, rel.RelationshipID, model.RelationshipPending, time.Time{}, time.Time{}); err != nil {
			return nil, err
		}
		rel.State = model.RelationshipPending
	}

	session, err := f.pool.Acquire(ctx, accountID)
	if err != nil {
		return nil, err
	}

	err = session.SendFriendRequest(ctx, recipientID)
	switch err {
	case nil, ErrFriendRequestOpen:
		f.pool.RecordSuccess(ctx, accountID)
	case ErrAlreadyFriends:
		// The platform already holds the friendship; adopt it with a full
		// cooldown since we cannot see when it was established.
		f.pool.RecordSuccess(ctx, accountID)
		if err := f.acceptRelationship(ctx, rel); err != nil {
			return nil, err
		}
	case ErrRecipientNotFound:
		return nil, apierror.NewAPIError(apierror.ErrTerminal, "Recipient does not exist on the platform", err)
	default:
		f.pool.RecordFault(ctx, accountID, err)
		return nil, apierror.NewAPIError(apierror.ErrTransient, "Friend request failed", err)
	}

	return rel, nil
}

// acceptRelationship moves a relationship to ACCEPTED and starts the gift
// cooldown clock from the moment acceptance was observed.
func (f *Giftfleet) acceptRelationship(ctx context.Context, rel *model.Relationship) error {
	cfg, err := config.Fetch()
	if err != nil {
		return err
	}

	now := time.Now()
	eligibleAt := now.Add(time.Duration(cfg.Gifting.FriendCooldownHours) * time.Hour)
	if err := f.datasource.UpdateRelationshipState(ctx, rel.RelationshipID, model.RelationshipAccepted, now, eligibleAt); err != nil {
		return err
	}
	rel.State = model.RelationshipAccepted
	rel.EstablishedAt = now
	rel.EligibleAt = eligibleAt
	return nil
}

// ProcessFriendship is the friendship stage worker. It drives an order toward
// having at least one gift-ready relationship, re-queueing itself with the
// appropriate delay whenever the platform makes it wait.
func (f *Giftfleet) ProcessFriendship(ctx context.Context, orderID string) error {
	ctx, span := tracer.Start(ctx, "Processing Friendship Stage")
	defer span.End()

	order, err := f.datasource.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}

	now := time.Now()
	if order.EffectiveStatus(now) == model.StatusExpired {
		return f.expireOrder(ctx, order)
	}
	if order.Status != model.StatusQueued && order.Status != model.StatusProcessing {
		logrus.Infof("order %s left the pipeline (status %s), dropping friendship task", orderID, order.Status)
		return nil
	}

	if order.Status == model.StatusQueued {
		if err := f.datasource.UpdateOrderStatus(ctx, orderID, model.StatusQueued, model.StatusProcessing); err != nil {
			// Lost the race to another worker; it owns the order now.
			if apierror.Code(err) == apierror.ErrConflict {
				return nil
			}
			return err
		}
		if err := f.datasource.AppendOrderProgress(ctx, orderID, model.StageFriendship, "friendship stage started"); err != nil {
			return err
		}
		f.emitOrderEvent(ctx, order, EventOrderProcessing)
	}

	// A relationship that is already gift-ready short-circuits the stage.
	ready, err := f.datasource.GetReadyRelationships(ctx, order.RecipientID, now)
	if err != nil {
		return err
	}
	if len(ready) > 0 {
		f.clearBacklog(ctx, orderID)
		if err := f.datasource.MarkFriendshipDone(ctx, orderID); err != nil {
			return err
		}
		description := fmt.Sprintf("friendship ready via bot %s", ready[0].AccountID)
		if err := f.datasource.AppendOrderProgress(ctx, orderID, model.StageFriendship, description); err != nil {
			return err
		}
		return f.queue.EnqueueDispatch(ctx, orderID)
	}

	return f.advanceRelationships(ctx, order)
}

// advanceRelationships inspects every candidate bot's relationship with the
// recipient and takes the cheapest step forward: wait out a cooldown, poll a
// pending request, or open a new one.
func (f *Giftfleet) advanceRelationships(ctx context.Context, order *model.Order) error {
	cfg, err := config.Fetch()
	if err != nil {
		return err
	}

	accounts, err := f.datasource.GetActiveAccounts(ctx)
	if err != nil {
		return err
	}

	now := time.Now()
	var shortestWait time.Duration
	var freshCandidate *model.Account

	for i := range accounts {
		account := &accounts[i]
		if !account.Eligible(cfg.Gifting.ErrorThreshold) && account.Status != model.AccountStatusOffline {
			continue
		}

		rel, err := f.datasource.GetRelationship(ctx, account.AccountID, order.RecipientID)
		if err != nil {
			if apierror.Code(err) != apierror.ErrNotFound {
				return err
			}
			if freshCandidate == nil {
				remaining, err := f.pool.QuotaRemaining(ctx, account)
				if err != nil {
					return err
				}
				if remaining > 0 {
					freshCandidate = account
				}
			}
			continue
		}

		switch rel.State {
		case model.RelationshipAccepted:
			if wait := rel.WaitRemaining(now); wait > 0 {
				if shortestWait == 0 || wait < shortestWait {
					shortestWait = wait
				}
			}
		case model.RelationshipPending:
			accepted, err := f.pollFriendRequest(ctx, rel)
			if err != nil {
				logrus.Warnf("friend request poll failed for order %s: %v", order.OrderID, err)
				continue
			}
			if accepted {
				wait := rel.WaitRemaining(now)
				if shortestWait == 0 || wait < shortestWait {
					shortestWait = wait
				}
				if err := f.datasource.AppendOrderProgress(ctx, order.OrderID, model.StageFriendship, fmt.Sprintf("friend request accepted by recipient, cooldown until %s", rel.EligibleAt.UTC().Format(time.RFC3339))); err != nil {
					return err
				}
			} else if shortestWait == 0 || friendshipPollInterval < shortestWait {
				shortestWait = friendshipPollInterval
			}
		case model.RelationshipRemoved:
			if freshCandidate == nil {
				freshCandidate = account
			}
		}
	}

	// A cooldown or pending request is already in motion; wake up when it
	// should have progressed. The delay lives in the queue store, so it
	// survives a restart.
	if shortestWait > 0 {
		f.clearBacklog(ctx, order.OrderID)
		if err := f.datasource.AppendOrderProgress(ctx, order.OrderID, model.StageFriendship, fmt.Sprintf("waiting %s for relationship to become gift-ready", shortestWait.Round(time.Minute))); err != nil {
			return err
		}
		return f.queue.EnqueueFriendshipAfter(ctx, order.OrderID, shortestWait)
	}

	// No relationship in motion: open one on the best available bot.
	if freshCandidate != nil {
		_, err := f.EnsureRelationship(ctx, freshCandidate.AccountID, order.RecipientID, order.RecipientName)
		if err != nil {
			if apierror.Code(err) == apierror.ErrTerminal {
				return f.failOrder(ctx, order, "recipient does not exist on the platform")
			}
			return err
		}
		f.clearBacklog(ctx, order.OrderID)
		if err := f.datasource.AppendOrderProgress(ctx, order.OrderID, model.StageFriendship, fmt.Sprintf("friend request sent from bot %s", freshCandidate.AccountID)); err != nil {
			return err
		}
		return f.queue.EnqueueFriendshipAfter(ctx, order.OrderID, friendshipPollInterval)
	}

	// The fleet has no capacity right now. Park the order and surface the
	// backlog to operators.
	f.parkInBacklog(ctx, order.OrderID)
	if err := f.datasource.AppendOrderProgress(ctx, order.OrderID, model.StageFriendship, "no bot capacity available, order parked"); err != nil {
		return err
	}
	return f.queue.EnqueueFriendshipAfter(ctx, order.OrderID, backlogRequeueDelay)
}

// pollFriendRequest checks whether a pending request was accepted, updating
// the relationship when it was.
func (f *Giftfleet) pollFriendRequest(ctx context.Context, rel *model.Relationship) (bool, error) {
	session, err := f.pool.Acquire(ctx, rel.AccountID)
	if err != nil {
		return false, err
	}

	friends, err := session.GetFriends(ctx)
	if err != nil {
		f.pool.RecordFault(ctx, rel.AccountID, err)
		return false, err
	}
	f.pool.RecordSuccess(ctx, rel.AccountID)

	for _, friend := range friends {
		if friend.RecipientID == rel.RecipientID && friend.Accepted {
			return true, f.acceptRelationship(ctx, rel)
		}
	}
	return false, nil
}

// ReconcileFriends aligns stored relationships with each bot's platform
// friend list: pending requests that were accepted move to ACCEPTED, accepted
// friendships that vanished move to REMOVED, rows keyed on a stale recipient
// identifier are rekeyed by display name, and live friendships with no local
// record are adopted.
//
// A friend list fetch failure skips the account entirely; reconciliation
// never downgrades relationships on partial information.
func (f *Giftfleet) ReconcileFriends(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "Reconciling Friend Lists")
	defer span.End()

	accounts, err := f.datasource.GetActiveAccounts(ctx)
	if err != nil {
		return err
	}

	for i := range accounts {
		account := &accounts[i]
		if account.Status == model.AccountStatusError {
			continue
		}
		if err := f.reconcileAccountFriends(ctx, account.AccountID); err != nil {
			logrus.Warnf("friend reconciliation skipped for account %s: %v", account.AccountID, err)
		}
	}
	return nil
}

func (f *Giftfleet) reconcileAccountFriends(ctx context.Context, accountID string) error {
	cfg, err := config.Fetch()
	if err != nil {
		return err
	}

	session, err := f.pool.Acquire(ctx, accountID)
	if err != nil {
		return err
	}

	friends, err := session.GetFriends(ctx)
	if err != nil {
		f.pool.RecordFault(ctx, accountID, err)
		return err
	}
	f.pool.RecordSuccess(ctx, accountID)

	byRecipient := make(map[string]Friend, len(friends))
	byName := make(map[string]Friend, len(friends))
	for _, friend := range friends {
		byRecipient[friend.RecipientID] = friend
		byName[strings.ToLower(friend.DisplayName)] = friend
	}

	relationships, err := f.datasource.GetRelationshipsByAccount(ctx, accountID)
	if err != nil {
		return err
	}

	tracked := make(map[string]bool, len(relationships))
	for i := range relationships {
		rel := &relationships[i]
		friend, present := byRecipient[rel.RecipientID]
		if !present && rel.RecipientName != "" {
			// Rows recorded before the platform exposed stable identifiers
			// are keyed on whatever the storefront sent. When the display
			// name matches a live friend, rekey the row in place.
			if match, ok := byName[strings.ToLower(rel.RecipientName)]; ok && !tracked[match.RecipientID] {
				if err := f.datasource.UpdateRelationshipRecipient(ctx, rel.RelationshipID, match.RecipientID); err != nil {
					return err
				}
				rel.RecipientID = match.RecipientID
				friend, present = match, true
			}
		}
		if present {
			tracked[friend.RecipientID] = true
		}

		switch rel.State {
		case model.RelationshipPending:
			if present && friend.Accepted {
				if err := f.acceptRelationship(ctx, rel); err != nil {
					return err
				}
			}
		case model.RelationshipAccepted:
			if !present {
				if err := f.datasource.UpdateRelationshipState(ctx, rel.RelationshipID, model.RelationshipRemoved, rel.EstablishedAt, rel.EligibleAt); err != nil {
					return err
				}
			}
		}
	}

	// Live friendships with no local record are adopted with a full cooldown;
	// the acceptance time is unknown.
	now := time.Now()
	eligibleAt := now.Add(time.Duration(cfg.Gifting.FriendCooldownHours) * time.Hour)
	for _, friend := range friends {
		if !friend.Accepted || tracked[friend.RecipientID] {
			continue
		}
		rel := &model.Relationship{
			AccountID:     accountID,
			RecipientID:   friend.RecipientID,
			RecipientName: friend.DisplayName,
			State:         model.RelationshipAccepted,
			EstablishedAt: now,
			EligibleAt:    eligibleAt,
		}
		if err := f.datasource.RecordRelationship(ctx, rel); err != nil {
			// A concurrent sweep already adopted this friendship.
			if apierror.Code(err) == apierror.ErrConflict {
				continue
			}
			return err
		}
	}
	return nil
}
