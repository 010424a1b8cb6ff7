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
	"fmt"

	"go.opentelemetry.io/otel"

	"github.com/giftfleet/giftfleet/cache"
	"github.com/giftfleet/giftfleet/config"
	"github.com/giftfleet/giftfleet/database"
	redlock "github.com/giftfleet/giftfleet/internal/lock"
	redis_db "github.com/giftfleet/giftfleet/internal/redis-db"
	"github.com/giftfleet/giftfleet/internal/vault"
	"github.com/giftfleet/giftfleet/model"
	"github.com/redis/go-redis/v9"
)

var tracer = otel.Tracer("giftfleet")

// Giftfleet represents the main struct for the gift fulfillment pipeline.
type Giftfleet struct {
	queue      *Queue
	redis      redis.UniversalClient
	cache      cache.Cache
	datasource database.IDataSource
	pool       *BotPool
	catalog    *Catalog
	vault      *vault.Vault
	sessions   SessionFactory
}

// NewGiftfleet initializes a new instance of Giftfleet with the provided
// database datasource. It fetches the configuration and wires the Redis
// client, credential vault, queue, bot pool and catalog cache.
func NewGiftfleet(db database.IDataSource, sessions SessionFactory) (*Giftfleet, error) {
	configuration, err := config.Fetch()
	if err != nil {
		return nil, err
	}
	redisClient, err := redis_db.NewRedisClient([]string{fmt.Sprintf("redis://%s", configuration.Redis.Dns)})
	if err != nil {
		return nil, err
	}

	credentialVault, err := vault.New(configuration.Gifting.EncryptionKey)
	if err != nil {
		return nil, err
	}

	newCache, err := cache.NewCache()
	if err != nil {
		return nil, err
	}

	newQueue := NewQueue(configuration)
	fleet := &Giftfleet{
		datasource: db,
		queue:      newQueue,
		redis:      redisClient.Client(),
		cache:      newCache,
		vault:      credentialVault,
		sessions:   sessions,
	}
	fleet.pool = NewBotPool(fleet)
	fleet.catalog = NewCatalog(fleet)
	return fleet, nil
}

// Pool exposes the bot pool manager.
func (f *Giftfleet) Pool() *BotPool {
	return f.pool
}

// Catalog exposes the catalog cache.
func (f *Giftfleet) Catalog() *Catalog {
	return f.catalog
}

// Queue exposes the pipeline queue.
func (f *Giftfleet) Queue() *Queue {
	return f.queue
}

func (f *Giftfleet) newLocker(key string) *redlock.Locker {
	return redlock.NewLocker(f.redis, key, model.GenerateUUIDWithSuffix("loc"))
}
