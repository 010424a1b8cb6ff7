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
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/giftfleet/giftfleet/config"
	"github.com/giftfleet/giftfleet/internal/apierror"
	"github.com/giftfleet/giftfleet/model"
)

// How soon after a send the verification stage first polls the balance.
const verificationInitialDelay = 2 * time.Minute

// ProcessGiftDispatch is the dispatch stage worker. It selects a gift-ready
// bot, performs the purchase-and-gift call and hands the order to the
// verification stage. Every failure path either reassigns to another bot,
// re-queues with backoff, or settles the order.
func (f *Giftfleet) ProcessGiftDispatch(ctx context.Context, orderID string) error {
	ctx, span := tracer.Start(ctx, "Processing Gift Dispatch Stage")
	defer span.End()

	cfg, err := config.Fetch()
	if err != nil {
		return err
	}

	order, err := f.datasource.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if order.Status != model.StatusProcessing {
		logrus.Infof("order %s left the pipeline (status %s), dropping dispatch task", orderID, order.Status)
		return nil
	}

	// Restart recovery: a job already SENT means the gift went out before a
	// crash; skip straight to verification rather than gifting twice.
	job, err := f.datasource.GetActiveGiftJob(ctx, orderID)
	if err != nil && apierror.Code(err) != apierror.ErrNotFound {
		return err
	}
	if job != nil && job.Status == model.GiftJobSent {
		return f.queue.EnqueueVerification(ctx, orderID, verificationInitialDelay)
	}

	offer, err := f.datasource.GetOfferByID(ctx, order.OfferID)
	if err != nil {
		return err
	}
	if !offer.Giftable {
		return f.failOrder(ctx, order, "offer is no longer giftable")
	}

	attempts, err := f.datasource.IncrementOrderAttempts(ctx, orderID)
	if err != nil {
		return err
	}
	if attempts > order.MaxAttempts {
		if job != nil {
			f.settleGiftJob(ctx, job, model.GiftJobFailed, "attempt budget exhausted")
		}
		return f.failOrder(ctx, order, "attempt budget exhausted")
	}

	account, session, err := f.selectDispatchBot(ctx, order, offer, job)
	if err != nil {
		if apierror.Code(err) == apierror.ErrExhausted {
			// No capacity right now; park with the backlog and try later.
			f.parkInBacklog(ctx, orderID)
			if progErr := f.datasource.AppendOrderProgress(ctx, orderID, model.StageDispatch, "no gift-ready bot with capacity, order parked"); progErr != nil {
				return progErr
			}
			return f.queue.EnqueueDispatchAfter(ctx, orderID, backlogRequeueDelay)
		}
		return err
	}
	f.clearBacklog(ctx, orderID)

	if job == nil {
		job = &model.GiftJob{
			OrderID:     orderID,
			AccountID:   account.AccountID,
			RecipientID: order.RecipientID,
			OfferID:     offer.OfferID,
			Price:       offer.Price,
		}
		if err := f.datasource.RecordGiftJob(ctx, job); err != nil {
			// A concurrent worker already opened a job for this order.
			if apierror.Code(err) == apierror.ErrConflict {
				return nil
			}
			return err
		}
	} else if job.AccountID != account.AccountID {
		reassignments, err := f.datasource.IncrementOrderReassignments(ctx, orderID)
		if err != nil {
			return err
		}
		if reassignments > cfg.Gifting.ReassignmentLimit {
			f.settleGiftJob(ctx, job, model.GiftJobFailed, "reassignment limit reached")
			return f.failOrder(ctx, order, "reassignment limit reached")
		}
		job.AccountID = account.AccountID
		if err := f.datasource.AppendOrderProgress(ctx, orderID, model.StageDispatch, fmt.Sprintf("order reassigned to bot %s", account.AccountID)); err != nil {
			return err
		}
	}

	balance, err := session.GetBalance(ctx)
	if err != nil {
		f.pool.RecordFault(ctx, account.AccountID, err)
		return f.requeueDispatch(ctx, job, fmt.Sprintf("balance check failed: %v", err))
	}
	if balance < offer.Price {
		// The bot cannot afford the offer; burn it for this job and reassign.
		return f.markAttemptedAndRequeue(ctx, job, account.AccountID, "insufficient balance")
	}
	job.BalanceBefore = balance

	sendErr := backoff.Retry(func() error {
		err := session.SendGift(ctx, order.RecipientID, offer.OfferID)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, ErrRateLimited):
			return err
		case errors.Is(err, ErrSessionDead):
			return backoff.Permanent(err)
		case errors.Is(err, ErrInsufficientFunds), errors.Is(err, ErrGiftLimitReached):
			return backoff.Permanent(err)
		case errors.Is(err, ErrOfferNotGiftable), errors.Is(err, ErrRecipientNotFound):
			return backoff.Permanent(err)
		default:
			return err
		}
	}, backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2), ctx))

	if sendErr != nil {
		return f.handleSendFailure(ctx, order, job, account.AccountID, session, sendErr)
	}

	f.pool.RecordSuccess(ctx, account.AccountID)

	now := time.Now()
	job.Status = model.GiftJobSent
	job.SentAt = now
	if err := f.datasource.UpdateGiftJob(ctx, job); err != nil {
		return err
	}
	if err := f.datasource.MarkGiftSent(ctx, orderID); err != nil {
		return err
	}
	if err := f.datasource.AppendOrderProgress(ctx, orderID, model.StageDispatch, fmt.Sprintf("gift sent by bot %s", account.AccountID)); err != nil {
		return err
	}
	return f.queue.EnqueueVerification(ctx, orderID, verificationInitialDelay)
}

// selectDispatchBot picks the highest-priority bot with a gift-ready
// relationship to the recipient, spare quota and no failed attempt on this
// job yet.
func (f *Giftfleet) selectDispatchBot(ctx context.Context, order *model.Order, offer *model.CatalogOffer, job *model.GiftJob) (*model.Account, Session, error) {
	cfg, err := config.Fetch()
	if err != nil {
		return nil, nil, err
	}

	ready, err := f.datasource.GetReadyRelationships(ctx, order.RecipientID, time.Now())
	if err != nil {
		return nil, nil, err
	}

	for _, rel := range ready {
		if job != nil && job.Attempted(rel.AccountID) {
			continue
		}

		account, err := f.datasource.GetAccountByID(ctx, rel.AccountID)
		if err != nil {
			logrus.Warnf("failed to load candidate bot %s: %v", rel.AccountID, err)
			continue
		}
		if account.Status == model.AccountStatusError || account.ErrorCount >= cfg.Gifting.ErrorThreshold {
			continue
		}

		remaining, err := f.pool.QuotaRemaining(ctx, account)
		if err != nil {
			return nil, nil, err
		}
		if remaining <= 0 {
			continue
		}

		session, err := f.pool.Acquire(ctx, account.AccountID)
		if err != nil {
			logrus.Warnf("failed to acquire session for bot %s: %v", account.AccountID, err)
			continue
		}
		return account, session, nil
	}

	return nil, nil, apierror.NewAPIError(apierror.ErrExhausted, "No gift-ready bot with spare quota", nil)
}

// handleSendFailure maps a platform send failure onto the retry taxonomy.
func (f *Giftfleet) handleSendFailure(ctx context.Context, order *model.Order, job *model.GiftJob, accountID string, session Session, sendErr error) error {
	switch {
	case errors.Is(sendErr, ErrOfferNotGiftable):
		f.settleGiftJob(ctx, job, model.GiftJobFailed, sendErr.Error())
		return f.failOrder(ctx, order, "offer cannot be gifted")

	case errors.Is(sendErr, ErrRecipientNotFound):
		return f.repairRecipientOrFail(ctx, order, job, session)

	case errors.Is(sendErr, ErrInsufficientFunds), errors.Is(sendErr, ErrGiftLimitReached):
		// This bot is out of funds or platform quota; burn it and reassign.
		return f.markAttemptedAndRequeue(ctx, job, accountID, sendErr.Error())

	case errors.Is(sendErr, ErrSessionDead):
		// Burn the bot for this job so the next selection lands elsewhere,
		// and drop the dead session from the pool.
		f.pool.Invalidate(accountID)
		return f.markAttemptedAndRequeue(ctx, job, accountID, "session died during send")

	default:
		f.pool.RecordFault(ctx, accountID, sendErr)
		return f.requeueDispatch(ctx, job, fmt.Sprintf("send failed: %v", sendErr))
	}
}

// repairRecipientOrFail handles a recipient-not-found send. The stored
// identifier may simply be stale, so the recipient display name gets one
// lookup; a lookup that lands on a different identifier repairs the order and
// re-queues, anything else settles it. A repaired order that fails again
// resolves to the same identifier it already carries, so the repair runs at
// most once.
func (f *Giftfleet) repairRecipientOrFail(ctx context.Context, order *model.Order, job *model.GiftJob, session Session) error {
	resolvedID, err := session.LookupByDisplayName(ctx, order.RecipientName)
	if err != nil || resolvedID == "" || resolvedID == order.RecipientID {
		f.settleGiftJob(ctx, job, model.GiftJobFailed, ErrRecipientNotFound.Error())
		return f.failOrder(ctx, order, "recipient no longer exists on the platform")
	}

	if err := f.datasource.SetOrderRecipient(ctx, order.OrderID, resolvedID); err != nil {
		return err
	}
	order.RecipientID = resolvedID
	job.RecipientID = resolvedID
	return f.requeueDispatch(ctx, job, fmt.Sprintf("recipient identifier repaired to %s via display name lookup", resolvedID))
}

// markAttemptedAndRequeue records the bot as burned for this job and
// re-queues so selection picks a different one.
func (f *Giftfleet) markAttemptedAndRequeue(ctx context.Context, job *model.GiftJob, accountID, reason string) error {
	if !job.Attempted(accountID) {
		job.AttemptedAccounts = append(job.AttemptedAccounts, accountID)
	}
	return f.requeueDispatch(ctx, job, reason)
}

func (f *Giftfleet) requeueDispatch(ctx context.Context, job *model.GiftJob, reason string) error {
	job.RetryCount++
	job.LastError = reason
	if err := f.datasource.UpdateGiftJob(ctx, job); err != nil {
		return err
	}
	if err := f.datasource.AppendOrderProgress(ctx, job.OrderID, model.StageDispatch, "dispatch retry scheduled: "+reason); err != nil {
		return err
	}
	return f.queue.EnqueueDispatchAfter(ctx, job.OrderID, dispatchRetryDelay(job.RetryCount))
}

// settleGiftJob moves a job to a terminal status, logging rather than
// propagating storage errors since the caller is already settling the order.
func (f *Giftfleet) settleGiftJob(ctx context.Context, job *model.GiftJob, status, reason string) {
	job.Status = status
	job.LastError = reason
	if err := f.datasource.UpdateGiftJob(ctx, job); err != nil {
		logrus.Errorf("failed to settle gift job %s: %v", job.GiftJobID, err)
	}
}

// dispatchRetryDelay grows exponentially with the retry count, capped so a
// struggling order still gets a shot every half hour.
func dispatchRetryDelay(retryCount int) time.Duration {
	delay := time.Minute << uint(retryCount-1)
	if delay > 30*time.Minute || delay <= 0 {
		delay = 30 * time.Minute
	}
	return delay
}
