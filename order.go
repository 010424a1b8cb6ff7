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

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/giftfleet/giftfleet/config"
	"github.com/giftfleet/giftfleet/internal/apierror"
	"github.com/giftfleet/giftfleet/model"
)

// OrderStatusView is the customer-facing projection of an order. Internal
// retry counts and bot assignments never leave the operator surface.
type OrderStatusView struct {
	Reference string                `json:"reference"`
	Status    string                `json:"status"`
	ItemName  string                `json:"item_name,omitempty"`
	Progress  []model.ProgressEntry `json:"progress"`
}

// CreateOrder records a new order awaiting payment. The item query is kept
// verbatim; resolution against the catalog happens at payment verification,
// when the rotation that will serve the order is known.
func (f *Giftfleet) CreateOrder(ctx context.Context, payload model.NewOrder) (*model.Order, error) {
	ctx, span := tracer.Start(ctx, "Creating Order")
	defer span.End()

	if err := payload.ValidateNewOrder(); err != nil {
		return nil, err
	}

	cfg, err := config.Fetch()
	if err != nil {
		return nil, err
	}

	order := &model.Order{
		Reference:     payload.Reference,
		RecipientID:   payload.RecipientID,
		RecipientName: payload.RecipientName,
		ItemQuery:     payload.ItemQuery,
		Amount:        payload.Amount,
		Status:        model.StatusPendingPayment,
		MaxAttempts:   cfg.Queue.MaxRetryAttempts,
		ExpiresAt:     time.Now().Add(time.Duration(cfg.Gifting.OrderExpiryHours) * time.Hour),
	}
	if err := f.datasource.RecordOrder(ctx, order); err != nil {
		return nil, err
	}

	if err := f.datasource.AppendOrderProgress(ctx, order.OrderID, model.StageOrder, "order received, awaiting payment"); err != nil {
		return nil, err
	}
	f.emitOrderEvent(ctx, order, EventOrderCreated)
	return order, nil
}

// VerifyPayment confirms payment for an order, resolves the item against the
// current rotation and hands the order to the pipeline. Resolution failure
// leaves the order PAYMENT_VERIFIED and flagged for review: money has been
// taken, so a human decides between refund and manual fulfillment.
func (f *Giftfleet) VerifyPayment(ctx context.Context, orderID string) (*model.Order, error) {
	ctx, span := tracer.Start(ctx, "Verifying Order Payment")
	defer span.End()

	order, err := f.datasource.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}

	if order.EffectiveStatus(time.Now()) == model.StatusExpired {
		return nil, f.expireOrder(ctx, order)
	}

	if err := f.datasource.UpdateOrderStatus(ctx, orderID, model.StatusPendingPayment, model.StatusPaymentVerified); err != nil {
		return nil, err
	}
	order.Status = model.StatusPaymentVerified
	if err := f.datasource.AppendOrderProgress(ctx, orderID, model.StageOrder, "payment verified"); err != nil {
		return nil, err
	}

	if stale, reason := f.catalog.IsStale(ctx, time.Now()); stale {
		logrus.Warnf("catalog is stale (%s), refreshing before resolving order %s", reason, orderID)
		if err := f.catalog.Refresh(ctx); err != nil {
			logrus.Errorf("catalog refresh failed: %v", err)
		}
	}

	// Storefront queries carrying the item id prefix are resolved strictly;
	// a typo in an identifier should fail, not fuzzy-match a different item.
	strict := strings.HasPrefix(strings.TrimSpace(order.ItemQuery), strictQueryPrefix)
	resolved, err := f.catalog.Resolve(ctx, order.ItemQuery, strict)
	if err != nil {
		reason := fmt.Sprintf("item %q could not be resolved: %v", order.ItemQuery, err)
		if flagErr := f.datasource.FlagOrderForReview(ctx, orderID, reason); flagErr != nil {
			return nil, flagErr
		}
		return nil, err
	}

	if err := f.datasource.SetOrderOffer(ctx, orderID, resolved.Offer.OfferID, resolved.Offer.Price); err != nil {
		return nil, err
	}
	order.OfferID = resolved.Offer.OfferID
	order.Amount = decimal.NewFromInt(resolved.Offer.Price)

	description := fmt.Sprintf("item resolved to %s (%s)", resolved.Offer.DisplayName, resolved.Offer.OfferID)
	if !resolved.Exact {
		description += " via fuzzy match"
	}
	if err := f.datasource.AppendOrderProgress(ctx, orderID, model.StageOrder, description); err != nil {
		return nil, err
	}

	if err := f.datasource.UpdateOrderStatus(ctx, orderID, model.StatusPaymentVerified, model.StatusQueued); err != nil {
		return nil, err
	}
	order.Status = model.StatusQueued
	if err := f.datasource.AppendOrderProgress(ctx, orderID, model.StageOrder, "queued for fulfillment"); err != nil {
		return nil, err
	}

	if err := f.queue.EnqueueFriendship(ctx, orderID); err != nil {
		return nil, err
	}
	return order, nil
}

// CancelOrder cancels an order that has not yet reached PROCESSING. Once the
// pipeline may have moved money, cancellation is refused and the operator
// goes through review instead.
func (f *Giftfleet) CancelOrder(ctx context.Context, orderID string) error {
	ctx, span := tracer.Start(ctx, "Cancelling Order")
	defer span.End()

	order, err := f.datasource.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}

	if !order.CanTransitionTo(model.StatusCancelled) {
		return apierror.NewAPIError(apierror.ErrConflict, fmt.Sprintf("Order in status %s cannot be cancelled", order.Status), nil)
	}

	if err := f.datasource.UpdateOrderStatus(ctx, orderID, order.Status, model.StatusCancelled); err != nil {
		return err
	}
	if err := f.datasource.AppendOrderProgress(ctx, orderID, model.StageOrder, "order cancelled"); err != nil {
		return err
	}

	order.Status = model.StatusCancelled
	f.emitOrderEvent(ctx, order, EventOrderCancelled)
	return nil
}

// RetryOrder re-enters a FAILED order into the pipeline with a fresh attempt
// budget. The order resumes at the friendship stage; whatever relationships
// it already earned are still on record and short-circuit immediately.
func (f *Giftfleet) RetryOrder(ctx context.Context, orderID string) error {
	ctx, span := tracer.Start(ctx, "Retrying Failed Order")
	defer span.End()

	if err := f.datasource.ResetOrderForRetry(ctx, orderID); err != nil {
		return err
	}
	if err := f.datasource.AppendOrderProgress(ctx, orderID, model.StageOrder, "operator retry, order re-queued"); err != nil {
		return err
	}
	return f.queue.EnqueueFriendship(ctx, orderID)
}

// ContinueOrder re-enqueues an in-flight order at its next pending stage, so
// an operator can unstick an order whose queued task was lost. Enqueueing is
// idempotent; continuing an order that is already queued changes nothing.
func (f *Giftfleet) ContinueOrder(ctx context.Context, orderID string) error {
	ctx, span := tracer.Start(ctx, "Continuing Order")
	defer span.End()

	order, err := f.datasource.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if order.Status != model.StatusQueued && order.Status != model.StatusProcessing {
		return apierror.NewAPIError(apierror.ErrConflict, fmt.Sprintf("Order in status %s cannot be continued", order.Status), nil)
	}

	if err := f.datasource.AppendOrderProgress(ctx, orderID, model.StageOrder, "operator continue, order re-queued"); err != nil {
		return err
	}

	switch {
	case order.GiftSent:
		return f.queue.EnqueueVerification(ctx, orderID, 0)
	case order.FriendshipDone:
		return f.queue.EnqueueDispatch(ctx, orderID)
	default:
		return f.queue.EnqueueFriendship(ctx, orderID)
	}
}

// GetOrder returns the full operator view of an order.
func (f *Giftfleet) GetOrder(ctx context.Context, orderID string) (*model.Order, error) {
	return f.datasource.GetOrder(ctx, orderID)
}

// GetOrderStatus returns the public projection of an order looked up by the
// storefront reference.
func (f *Giftfleet) GetOrderStatus(ctx context.Context, reference string) (*OrderStatusView, error) {
	order, err := f.datasource.GetOrderByReference(ctx, reference)
	if err != nil {
		return nil, err
	}

	view := &OrderStatusView{
		Reference: order.Reference,
		Status:    order.PublicStatus(),
		Progress:  order.Progress,
	}
	if order.OfferID != "" {
		if offer, err := f.datasource.GetOfferByID(ctx, order.OfferID); err == nil {
			view.ItemName = offer.DisplayName
		}
	}
	return view, nil
}

// ExpireStaleOrders sweeps pre-PROCESSING orders past their expiry timestamp.
// A PROCESSING order past expiry is escalated for review instead; the
// pipeline may already have moved money.
func (f *Giftfleet) ExpireStaleOrders(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "Expiring Stale Orders")
	defer span.End()

	now := time.Now()
	for _, status := range []string{model.StatusPendingPayment, model.StatusPaymentVerified, model.StatusQueued} {
		orders, err := f.datasource.GetOrdersByStatus(ctx, status)
		if err != nil {
			return err
		}
		for i := range orders {
			order := &orders[i]
			if order.EffectiveStatus(now) != model.StatusExpired {
				continue
			}
			if err := f.expireOrder(ctx, order); err != nil {
				logrus.Errorf("failed to expire order %s: %v", order.OrderID, err)
			}
		}
	}

	processing, err := f.datasource.GetOrdersByStatus(ctx, model.StatusProcessing)
	if err != nil {
		return err
	}
	for i := range processing {
		order := &processing[i]
		if order.ExpiresAt.IsZero() || order.ExpiresAt.After(now) || order.ReviewRequired {
			continue
		}
		if err := f.datasource.FlagOrderForReview(ctx, order.OrderID, "order passed expiry while processing"); err != nil {
			logrus.Errorf("failed to flag order %s for review: %v", order.OrderID, err)
		}
	}
	return nil
}

func (f *Giftfleet) expireOrder(ctx context.Context, order *model.Order) error {
	if err := f.datasource.UpdateOrderStatus(ctx, order.OrderID, order.Status, model.StatusExpired); err != nil {
		// Another worker settled the order first.
		if apierror.Code(err) == apierror.ErrConflict {
			return nil
		}
		return err
	}
	if err := f.datasource.AppendOrderProgress(ctx, order.OrderID, model.StageOrder, "order expired"); err != nil {
		return err
	}

	order.Status = model.StatusExpired
	f.clearBacklog(ctx, order.OrderID)
	f.emitOrderEvent(ctx, order, EventOrderExpired)
	return nil
}

func (f *Giftfleet) failOrder(ctx context.Context, order *model.Order, reason string) error {
	if err := f.datasource.UpdateOrderStatus(ctx, order.OrderID, order.Status, model.StatusFailed); err != nil {
		if apierror.Code(err) == apierror.ErrConflict {
			return nil
		}
		return err
	}
	if err := f.datasource.AppendOrderProgress(ctx, order.OrderID, model.StageOrder, "order failed: "+reason); err != nil {
		return err
	}

	order.Status = model.StatusFailed
	f.clearBacklog(ctx, order.OrderID)
	f.emitOrderEvent(ctx, order, EventOrderFailed)
	return nil
}

func (f *Giftfleet) completeOrder(ctx context.Context, order *model.Order) error {
	if err := f.datasource.UpdateOrderStatus(ctx, order.OrderID, order.Status, model.StatusCompleted); err != nil {
		if apierror.Code(err) == apierror.ErrConflict {
			return nil
		}
		return err
	}
	if err := f.datasource.AppendOrderProgress(ctx, order.OrderID, model.StageVerification, "gift delivery confirmed, order completed"); err != nil {
		return err
	}

	order.Status = model.StatusCompleted
	f.clearBacklog(ctx, order.OrderID)
	f.emitOrderEvent(ctx, order, EventOrderCompleted)
	return nil
}
