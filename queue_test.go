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

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func queueDepth(t *testing.T, q *Queue, name string) QueueStats {
	t.Helper()
	stats, err := q.Stats()
	require.NoError(t, err)
	for _, s := range stats {
		if s.Queue == name {
			return s
		}
	}
	t.Fatalf("queue %s missing from stats", name)
	return QueueStats{}
}

func TestEnqueueOrderIsIdempotentPerStage(t *testing.T) {
	fleet, _, _ := newTestFleet(t, nil)
	ctx := context.Background()

	require.NoError(t, fleet.Queue().EnqueueFriendship(ctx, "ord_1"))
	// Re-queueing an order already waiting in the stage is a silent no-op.
	require.NoError(t, fleet.Queue().EnqueueFriendship(ctx, "ord_1"))

	assert.Equal(t, 1, queueDepth(t, fleet.Queue(), "new:friendship").Pending)

	queued, err := fleet.Queue().GetOrderFromQueue("new:friendship", "ord_1")
	require.NoError(t, err)
	assert.Equal(t, "ord_1", queued)
}

func TestStageQueuesAreIndependent(t *testing.T) {
	fleet, _, _ := newTestFleet(t, nil)
	ctx := context.Background()

	require.NoError(t, fleet.Queue().EnqueueFriendship(ctx, "ord_1"))
	require.NoError(t, fleet.Queue().EnqueueDispatch(ctx, "ord_1"))

	queued, err := fleet.Queue().GetOrderFromQueue("new:friendship", "ord_1")
	require.NoError(t, err)
	assert.Equal(t, "ord_1", queued)

	queued, err = fleet.Queue().GetOrderFromQueue("new:gift_dispatch", "ord_1")
	require.NoError(t, err)
	assert.Equal(t, "ord_1", queued)
}

func TestDelayedEnqueueLandsInScheduledSet(t *testing.T) {
	fleet, _, _ := newTestFleet(t, nil)
	ctx := context.Background()

	require.NoError(t, fleet.Queue().EnqueueFriendshipAfter(ctx, "ord_1", 10*time.Minute))

	depth := queueDepth(t, fleet.Queue(), "new:friendship")
	assert.Equal(t, 0, depth.Pending)
	assert.Equal(t, 1, depth.Scheduled)

	// The scheduled wake-up is visible to idempotency checks too.
	queued, err := fleet.Queue().GetOrderFromQueue("new:friendship", "ord_1")
	require.NoError(t, err)
	assert.Equal(t, "ord_1", queued)
}

func TestEnqueueWebhookKeyedByEvent(t *testing.T) {
	fleet, _, _ := newTestFleet(t, nil)
	ctx := context.Background()

	require.NoError(t, fleet.Queue().EnqueueWebhook(ctx, "evt_1", []byte(`{"event":"order.created"}`)))
	require.NoError(t, fleet.Queue().EnqueueWebhook(ctx, "evt_2", []byte(`{"event":"order.completed"}`)))
	// Same event delivered twice dedupes on event id.
	require.NoError(t, fleet.Queue().EnqueueWebhook(ctx, "evt_1", []byte(`{"event":"order.created"}`)))

	assert.Equal(t, 2, queueDepth(t, fleet.Queue(), "new:webhook").Pending)
}

func TestQueueStatsCoversAllStages(t *testing.T) {
	fleet, _, _ := newTestFleet(t, nil)

	stats, err := fleet.Queue().Stats()
	require.NoError(t, err)

	names := make([]string, 0, len(stats))
	for _, s := range stats {
		names = append(names, s.Queue)
	}
	assert.ElementsMatch(t, []string{"new:friendship", "new:gift_dispatch", "new:verification", "new:webhook"}, names)
}
