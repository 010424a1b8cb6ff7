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

import (
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

const (
	AccountStatusOffline = "OFFLINE"
	AccountStatusOnline  = "ONLINE"
	AccountStatusError   = "ERROR"
)

// Account is one automated identity on the gifting platform. The credential
// bundle is stored encrypted and stays opaque to every component except the
// session that owns it.
//
// Quota consumed is never stored on the account; it is always computed by
// counting sent/delivered gift records in the trailing 24h window.
type Account struct {
	AccountID     string                 `json:"account_id"`
	DisplayName   string                 `json:"display_name"`
	Credentials   string                 `json:"-"`
	Status        string                 `json:"status"`
	LastHeartbeat time.Time              `json:"last_heartbeat"`
	ErrorCount    int                    `json:"error_count"`
	DailyQuota    int                    `json:"daily_quota"`
	Priority      int                    `json:"priority"`
	Active        bool                   `json:"active"`
	CreatedAt     time.Time              `json:"created_at"`
	MetaData      map[string]interface{} `json:"meta_data,omitempty"`
}

// Eligible reports whether the account may be handed work: it has to be
// active, online and under the fault threshold.
func (a *Account) Eligible(errorThreshold int) bool {
	return a.Active && a.Status == AccountStatusOnline && a.ErrorCount < errorThreshold
}

// PoolStats is the aggregate view of the bot pool used for admission control.
// QuotaBacklog counts orders currently parked waiting on fleet capacity.
type PoolStats struct {
	Total          int `json:"total"`
	Online         int `json:"online"`
	Offline        int `json:"offline"`
	Errored        int `json:"errored"`
	QuotaRemaining int `json:"quota_remaining"`
	QuotaBacklog   int `json:"quota_backlog"`
}

// NewAccount is the operator-facing payload for registering a bot account.
type NewAccount struct {
	DisplayName string `json:"display_name"`
	Credentials string `json:"credentials"`
	DailyQuota  int    `json:"daily_quota"`
	Priority    int    `json:"priority"`
}

func (a *NewAccount) ValidateNewAccount() error {
	return validation.ValidateStruct(a,
		validation.Field(&a.DisplayName, validation.Required),
		validation.Field(&a.Credentials, validation.Required),
		validation.Field(&a.DailyQuota, validation.Min(0)),
		validation.Field(&a.Priority, validation.Min(0)),
	)
}
