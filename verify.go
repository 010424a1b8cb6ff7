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
	"time"

	"github.com/sirupsen/logrus"

	"github.com/giftfleet/giftfleet/config"
	"github.com/giftfleet/giftfleet/internal/apierror"
	"github.com/giftfleet/giftfleet/model"
)

// ProcessVerification is the verification stage worker. The platform offers
// no delivery receipt, so delivery is confirmed indirectly: a successful gift
// purchase debits the bot's balance by the offer price. The worker polls the
// balance a bounded number of times; a confirmed debit completes the order,
// and anything still inconclusive at the deadline goes to a human instead of
// being guessed at.
func (f *Giftfleet) ProcessVerification(ctx context.Context, orderID string) error {
	ctx, span := tracer.Start(ctx, "Processing Verification Stage")
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
		logrus.Infof("order %s left the pipeline (status %s), dropping verification task", orderID, order.Status)
		return nil
	}

	job, err := f.datasource.GetActiveGiftJob(ctx, orderID)
	if err != nil {
		// No open job means the order was settled some other way.
		if apierror.Code(err) == apierror.ErrNotFound {
			return nil
		}
		return err
	}
	if job.Status != model.GiftJobSent {
		logrus.Warnf("verification found gift job %s in status %s, re-queueing dispatch", job.GiftJobID, job.Status)
		return f.queue.EnqueueDispatch(ctx, orderID)
	}

	deadline := job.SentAt.Add(time.Duration(cfg.Gifting.VerificationDeadline) * time.Minute)
	pollInterval := time.Duration(cfg.Gifting.VerificationDeadline) * time.Minute / time.Duration(cfg.Gifting.VerificationPolls)

	session, err := f.pool.Acquire(ctx, job.AccountID)
	if err != nil {
		return f.verificationRetryOrEscalate(ctx, order, job, deadline, pollInterval, fmt.Sprintf("session unavailable: %v", err))
	}

	balance, err := session.GetBalance(ctx)
	if err != nil {
		f.pool.RecordFault(ctx, job.AccountID, err)
		return f.verificationRetryOrEscalate(ctx, order, job, deadline, pollInterval, fmt.Sprintf("balance read failed: %v", err))
	}
	f.pool.RecordSuccess(ctx, job.AccountID)

	// The purchase debits exactly the offer price. A balance at or below the
	// pre-send level minus the price confirms the money moved.
	if balance <= job.BalanceBefore-job.Price {
		job.Status = model.GiftJobDelivered
		if err := f.datasource.UpdateGiftJob(ctx, job); err != nil {
			return err
		}
		return f.completeOrder(ctx, order)
	}

	return f.verificationRetryOrEscalate(ctx, order, job, deadline, pollInterval, "balance not yet debited")
}

// verificationRetryOrEscalate either schedules another poll or, past the
// deadline, hands the order to review. An inconclusive delivery is never
// collapsed into success or failure: completing falsely double-gifts on
// retry, failing falsely strands a delivered gift.
func (f *Giftfleet) verificationRetryOrEscalate(ctx context.Context, order *model.Order, job *model.GiftJob, deadline time.Time, pollInterval time.Duration, reason string) error {
	if time.Now().After(deadline) {
		if err := f.datasource.FlagOrderForReview(ctx, order.OrderID, "delivery verification inconclusive: "+reason); err != nil {
			return err
		}
		f.emitOrderEvent(ctx, order, EventOrderReview)
		return nil
	}

	job.RetryCount++
	job.LastError = reason
	if err := f.datasource.UpdateGiftJob(ctx, job); err != nil {
		return err
	}
	return f.queue.EnqueueVerification(ctx, order.OrderID, pollInterval)
}
