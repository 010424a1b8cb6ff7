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
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/giftfleet/giftfleet/config"
	redis_db "github.com/giftfleet/giftfleet/internal/redis-db"

	"github.com/hibiken/asynq"
)

// Queue wraps the asynq client used to push orders through the pipeline
// stages. Each stage has its own named queue so a slow stage never starves
// the others.
type Queue struct {
	Client    *asynq.Client
	Inspector *asynq.Inspector
}

// QueueStats is the per-queue depth snapshot exposed to operators.
type QueueStats struct {
	Queue     string `json:"queue"`
	Pending   int    `json:"pending"`
	Active    int    `json:"active"`
	Scheduled int    `json:"scheduled"`
	Retry     int    `json:"retry"`
	Archived  int    `json:"archived"`
}

// NewQueue initializes a new Queue instance with the provided configuration.
func NewQueue(conf *config.Configuration) *Queue {
	redisOption, err := redis_db.ParseRedisURL(conf.Redis.Dns)
	if err != nil {
		log.Fatalf("Error parsing Redis URL: %v", err)
	}

	queueOptions := asynq.RedisClientOpt{Addr: redisOption.Addr, Password: redisOption.Password, DB: redisOption.DB, TLSConfig: redisOption.TLSConfig}
	client := asynq.NewClient(queueOptions)
	inspector := asynq.NewInspector(queueOptions)
	return &Queue{
		Client:    client,
		Inspector: inspector,
	}
}

// stageTaskID keys every task on (stage, order) so re-enqueueing an order
// already sitting in a stage queue is a no-op instead of a duplicate.
func stageTaskID(queueName, orderID string) string {
	return fmt.Sprintf("%s:%s", queueName, orderID)
}

func (q *Queue) enqueueOrder(ctx context.Context, queueName, orderID string, delay time.Duration) error {
	cfg, err := config.Fetch()
	if err != nil {
		return err
	}

	payload, err := json.Marshal(orderID)
	if err != nil {
		return err
	}

	taskOptions := []asynq.Option{
		asynq.TaskID(stageTaskID(queueName, orderID)),
		asynq.Queue(queueName),
		asynq.MaxRetry(cfg.Queue.MaxRetryAttempts),
	}
	if delay > 0 {
		taskOptions = append(taskOptions, asynq.ProcessIn(delay))
	}

	task := asynq.NewTask(queueName, payload, taskOptions...)
	info, err := q.Client.EnqueueContext(ctx, task)
	if err != nil {
		// A duplicate task id means the order is already queued for this
		// stage; idempotent enqueue treats that as success.
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			return nil
		}
		log.Println(err, info)
		return err
	}
	log.Printf(" [*] Successfully enqueued order %s on %s", orderID, queueName)
	return nil
}

// EnqueueFriendship pushes an order into the friendship stage.
func (q *Queue) EnqueueFriendship(ctx context.Context, orderID string) error {
	ctx, span := tracer.Start(ctx, "Adding Order To Friendship Queue")
	defer span.End()

	cfg, err := config.Fetch()
	if err != nil {
		return err
	}
	return q.enqueueOrder(ctx, cfg.Queue.FriendshipQueue, orderID, 0)
}

// EnqueueFriendshipAfter re-queues a friendship check after a delay, used
// while waiting out the platform cooldown. The delay rides in the queue
// store itself, so a restart never loses the scheduled wake-up.
func (q *Queue) EnqueueFriendshipAfter(ctx context.Context, orderID string, delay time.Duration) error {
	cfg, err := config.Fetch()
	if err != nil {
		return err
	}
	return q.enqueueOrder(ctx, cfg.Queue.FriendshipQueue, orderID, delay)
}

// EnqueueDispatch pushes an order into the gift dispatch stage.
func (q *Queue) EnqueueDispatch(ctx context.Context, orderID string) error {
	ctx, span := tracer.Start(ctx, "Adding Order To Dispatch Queue")
	defer span.End()

	cfg, err := config.Fetch()
	if err != nil {
		return err
	}
	return q.enqueueOrder(ctx, cfg.Queue.DispatchQueue, orderID, 0)
}

// EnqueueDispatchAfter re-queues a dispatch attempt after a backoff delay.
func (q *Queue) EnqueueDispatchAfter(ctx context.Context, orderID string, delay time.Duration) error {
	cfg, err := config.Fetch()
	if err != nil {
		return err
	}
	return q.enqueueOrder(ctx, cfg.Queue.DispatchQueue, orderID, delay)
}

// EnqueueVerification pushes an order into the delivery verification stage.
func (q *Queue) EnqueueVerification(ctx context.Context, orderID string, delay time.Duration) error {
	ctx, span := tracer.Start(ctx, "Adding Order To Verification Queue")
	defer span.End()

	cfg, err := config.Fetch()
	if err != nil {
		return err
	}
	return q.enqueueOrder(ctx, cfg.Queue.VerificationQueue, orderID, delay)
}

// EnqueueWebhook schedules an outbound event notification. Webhook tasks are
// keyed on event id, not order id, so multiple events for one order coexist.
func (q *Queue) EnqueueWebhook(ctx context.Context, eventID string, payload []byte) error {
	cfg, err := config.Fetch()
	if err != nil {
		return err
	}

	taskOptions := []asynq.Option{
		asynq.TaskID(eventID),
		asynq.Queue(cfg.Queue.WebhookQueue),
		asynq.MaxRetry(cfg.Queue.MaxRetryAttempts),
	}
	task := asynq.NewTask(cfg.Queue.WebhookQueue, payload, taskOptions...)
	_, err = q.Client.EnqueueContext(ctx, task)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil
	}
	return err
}

// GetOrderFromQueue retrieves a queued order id from a stage queue, or nil
// if the order is not waiting there.
func (q *Queue) GetOrderFromQueue(queueName, orderID string) (string, error) {
	task, err := q.Inspector.GetTaskInfo(queueName, stageTaskID(queueName, orderID))
	if err != nil || task == nil {
		return "", nil
	}
	var id string
	if err := json.Unmarshal(task.Payload, &id); err != nil {
		return "", err
	}
	return id, nil
}

// Stats reports depth counters for every pipeline queue.
func (q *Queue) Stats() ([]QueueStats, error) {
	cfg, err := config.Fetch()
	if err != nil {
		return nil, err
	}

	names := []string{
		cfg.Queue.FriendshipQueue,
		cfg.Queue.DispatchQueue,
		cfg.Queue.VerificationQueue,
		cfg.Queue.WebhookQueue,
	}

	stats := make([]QueueStats, 0, len(names))
	for _, name := range names {
		info, err := q.Inspector.GetQueueInfo(name)
		if err != nil {
			// A queue that has never seen a task does not exist yet.
			stats = append(stats, QueueStats{Queue: name})
			continue
		}
		stats = append(stats, QueueStats{
			Queue:     name,
			Pending:   info.Pending,
			Active:    info.Active,
			Scheduled: info.Scheduled,
			Retry:     info.Retry,
			Archived:  info.Archived,
		})
	}
	return stats, nil
}
