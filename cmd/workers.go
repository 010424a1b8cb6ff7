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

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/giftfleet/giftfleet/config"
	redis_db "github.com/giftfleet/giftfleet/internal/redis-db"

	"github.com/hibiken/asynq"
	"github.com/hibiken/asynqmon"
	"github.com/robfig/cron/v3"
)

// processFriendship drives an order through the friendship stage. Stage
// workers return errors so asynq retries the task; permanent outcomes are
// settled inside the stage itself and return nil.
func (b *fleetInstance) processFriendship(ctx context.Context, t *asynq.Task) error {
	var orderID string
	if err := json.Unmarshal(t.Payload(), &orderID); err != nil {
		logrus.Error(err)
		return err
	}

	if err := b.fleet.ProcessFriendship(ctx, orderID); err != nil {
		logrus.Infof("Order %s pushed back for friendship retry due to error: %v", orderID, err)
		return err
	}

	log.Println(" [*] Friendship Stage Processed", orderID)
	return nil
}

// processGiftDispatch performs the purchase-and-gift step for an order.
func (b *fleetInstance) processGiftDispatch(ctx context.Context, t *asynq.Task) error {
	var orderID string
	if err := json.Unmarshal(t.Payload(), &orderID); err != nil {
		logrus.Error(err)
		return err
	}

	if err := b.fleet.ProcessGiftDispatch(ctx, orderID); err != nil {
		logrus.Infof("Order %s pushed back for dispatch retry due to error: %v", orderID, err)
		return err
	}

	log.Println(" [*] Dispatch Stage Processed", orderID)
	return nil
}

// processVerification confirms gift delivery for an order.
func (b *fleetInstance) processVerification(ctx context.Context, t *asynq.Task) error {
	var orderID string
	if err := json.Unmarshal(t.Payload(), &orderID); err != nil {
		logrus.Error(err)
		return err
	}

	if err := b.fleet.ProcessVerification(ctx, orderID); err != nil {
		logrus.Infof("Order %s pushed back for verification retry due to error: %v", orderID, err)
		return err
	}

	log.Println(" [*] Verification Stage Processed", orderID)
	return nil
}

// processWebhook delivers an outbound order event.
func (b *fleetInstance) processWebhook(ctx context.Context, t *asynq.Task) error {
	return b.fleet.ProcessWebhook(ctx, t.Payload())
}

func initializeQueues() map[string]int {
	cfg, err := config.Fetch()
	if err != nil {
		log.Printf("Error fetching config, using defaults: %v", err)
		return nil
	}

	queues := make(map[string]int)
	queues[cfg.Queue.FriendshipQueue] = 2
	queues[cfg.Queue.DispatchQueue] = 3
	queues[cfg.Queue.VerificationQueue] = 2
	queues[cfg.Queue.WebhookQueue] = 1
	return queues
}

func initializeWorkerServer(conf *config.Configuration, queues map[string]int) (*asynq.Server, error) {
	redisOption, err := redis_db.ParseRedisURL(conf.Redis.Dns)
	if err != nil {
		return nil, fmt.Errorf("error parsing Redis URL: %v", err)
	}

	return asynq.NewServer(
		asynq.RedisClientOpt{
			Addr:      redisOption.Addr,
			Password:  redisOption.Password,
			DB:        redisOption.DB,
			TLSConfig: redisOption.TLSConfig,
		},
		asynq.Config{
			Concurrency: 4,
			Queues:      queues,
		},
	), nil
}

func initializeTaskHandlers(b *fleetInstance, mux *asynq.ServeMux) {
	cfg, err := config.Fetch()
	if err != nil {
		log.Printf("Error fetching config, using defaults: %v", err)
		return
	}

	mux.HandleFunc(cfg.Queue.FriendshipQueue, b.processFriendship)
	mux.HandleFunc(cfg.Queue.DispatchQueue, b.processGiftDispatch)
	mux.HandleFunc(cfg.Queue.VerificationQueue, b.processVerification)
	mux.HandleFunc(cfg.Queue.WebhookQueue, b.processWebhook)
}

// initializeCronJobs schedules the periodic sweeps: daily catalog refresh at
// the rotation boundary, hourly friend-list reconciliation and hourly order
// expiry sweep.
func initializeCronJobs(ctx context.Context, b *fleetInstance) *cron.Cron {
	c := cron.New()

	rotationSpec := fmt.Sprintf("5 %d * * *", b.cnf.Gifting.RotationHourUTC)
	_, err := c.AddFunc(rotationSpec, func() {
		if err := b.fleet.Catalog().Refresh(ctx); err != nil {
			logrus.Errorf("scheduled catalog refresh failed: %v", err)
		}
	})
	if err != nil {
		log.Fatalf("could not schedule catalog refresh: %v", err)
	}

	_, err = c.AddFunc("@hourly", func() {
		if err := b.fleet.ReconcileFriends(ctx); err != nil {
			logrus.Errorf("scheduled friend reconciliation failed: %v", err)
		}
	})
	if err != nil {
		log.Fatalf("could not schedule friend reconciliation: %v", err)
	}

	_, err = c.AddFunc("@hourly", func() {
		if err := b.fleet.ExpireStaleOrders(ctx); err != nil {
			logrus.Errorf("scheduled order expiry sweep failed: %v", err)
		}
	})
	if err != nil {
		log.Fatalf("could not schedule order expiry sweep: %v", err)
	}

	return c
}

// workerCommands defines the "workers" command: the asynq server for all
// pipeline queues, the asynqmon monitoring endpoint, the pool heartbeat and
// the cron sweeps.
func workerCommands(b *fleetInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workers",
		Short: "start giftfleet pipeline workers",
		Run: func(cmd *cobra.Command, args []string) {
			ctx := context.Background()

			conf, err := config.Fetch()
			if err != nil {
				log.Fatal("Error fetching config:", err)
			}

			queues := initializeQueues()

			srv, err := initializeWorkerServer(conf, queues)
			if err != nil {
				log.Fatal(err)
			}

			mux := asynq.NewServeMux()
			initializeTaskHandlers(b, mux)

			// Background sweeps and the session heartbeat.
			cronJobs := initializeCronJobs(ctx, b)
			cronJobs.Start()
			defer cronJobs.Stop()
			go b.fleet.Pool().StartHeartbeat(ctx)

			// Start asynqmon server for health checks and monitoring
			redisOption, _ := redis_db.ParseRedisURL(conf.Redis.Dns)
			h := asynqmon.New(asynqmon.Options{
				RootPath: "/monitoring",
				RedisConnOpt: asynq.RedisClientOpt{
					Addr:      redisOption.Addr,
					Password:  redisOption.Password,
					DB:        redisOption.DB,
					TLSConfig: redisOption.TLSConfig,
				},
			})

			go func() {
				monitoringAddr := fmt.Sprintf(":%s", conf.Queue.MonitoringPort)
				log.Printf("Asynqmon server listening on %s/monitoring", monitoringAddr)
				if err := http.ListenAndServe(monitoringAddr, h); err != nil {
					log.Fatalf("could not start asynqmon server: %v", err)
				}
			}()

			if err := srv.Run(mux); err != nil {
				log.Fatalf("could not run server: %v", err)
			}
		},
	}

	return cmd
}
