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
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/giftfleet/giftfleet/config"
	"github.com/giftfleet/giftfleet/internal/notification"
	"github.com/giftfleet/giftfleet/model"
)

const (
	credentialLockPrefix = "giftfleet:credlock:"
	heartbeatInterval    = 60 * time.Second
)

// BotPool owns the fleet of bot accounts and their platform sessions. Sessions
// are minted lazily on first acquire and cached until a fault or credential
// update invalidates them.
type BotPool struct {
	fleet *Giftfleet

	mu       sync.Mutex
	sessions map[string]Session
}

func NewBotPool(fleet *Giftfleet) *BotPool {
	return &BotPool{
		fleet:    fleet,
		sessions: make(map[string]Session),
	}
}

// RegisterAccount seals the credential bundle and stores the new bot account.
// Accounts start OFFLINE; the first acquire brings them online.
func (p *BotPool) RegisterAccount(ctx context.Context, payload model.NewAccount) (model.Account, error) {
	ctx, span := tracer.Start(ctx, "Registering Bot Account")
	defer span.End()

	if err := payload.ValidateNewAccount(); err != nil {
		return model.Account{}, err
	}

	cfg, err := config.Fetch()
	if err != nil {
		return model.Account{}, err
	}

	sealed, err := p.fleet.vault.Seal(payload.Credentials)
	if err != nil {
		return model.Account{}, err
	}

	quota := payload.DailyQuota
	if quota <= 0 || quota > cfg.Gifting.DailyGiftQuota {
		quota = cfg.Gifting.DailyGiftQuota
	}

	account := model.Account{
		DisplayName: payload.DisplayName,
		Credentials: sealed,
		Status:      model.AccountStatusOffline,
		DailyQuota:  quota,
		Priority:    payload.Priority,
		Active:      true,
	}
	return p.fleet.datasource.CreateAccount(ctx, account)
}

// UpdateCredentials replaces an account's credential bundle. The update takes
// the same lock a concurrent login takes, so a session is never minted from a
// bundle that is mid-replacement.
func (p *BotPool) UpdateCredentials(ctx context.Context, accountID, credentials string) error {
	ctx, span := tracer.Start(ctx, "Updating Bot Credentials")
	defer span.End()

	locker := p.fleet.newLocker(credentialLockPrefix + accountID)
	if err := locker.WaitLock(ctx, 30*time.Second, 30*time.Second); err != nil {
		return err
	}
	defer func() {
		if err := locker.Unlock(ctx); err != nil {
			logrus.Errorf("failed to release credential lock for %s: %v", accountID, err)
		}
	}()

	sealed, err := p.fleet.vault.Seal(credentials)
	if err != nil {
		return err
	}
	if err := p.fleet.datasource.UpdateAccountCredentials(ctx, accountID, sealed); err != nil {
		return err
	}

	// Any cached session was minted from the old bundle.
	p.Invalidate(accountID)
	return nil
}

// Acquire returns a live session for the account, logging in if none is
// cached. Login and credential update serialize on the same lock.
func (p *BotPool) Acquire(ctx context.Context, accountID string) (Session, error) {
	p.mu.Lock()
	if session, ok := p.sessions[accountID]; ok {
		p.mu.Unlock()
		return session, nil
	}
	p.mu.Unlock()

	locker := p.fleet.newLocker(credentialLockPrefix + accountID)
	if err := locker.WaitLock(ctx, 30*time.Second, 30*time.Second); err != nil {
		return nil, err
	}
	defer func() {
		if err := locker.Unlock(ctx); err != nil {
			logrus.Errorf("failed to release credential lock for %s: %v", accountID, err)
		}
	}()

	account, err := p.fleet.datasource.GetAccountByID(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if !account.Active {
		return nil, fmt.Errorf("account %s is deactivated", accountID)
	}

	bundle, err := p.fleet.vault.Open(account.Credentials)
	if err != nil {
		return nil, err
	}

	session, err := p.fleet.sessions(ctx, accountID, bundle)
	if err != nil {
		p.recordFault(ctx, account, err)
		return nil, err
	}

	if err := p.fleet.datasource.UpdateAccountStatus(ctx, accountID, model.AccountStatusOnline, 0, time.Now()); err != nil {
		logrus.Errorf("failed to mark account %s online: %v", accountID, err)
	}

	p.mu.Lock()
	p.sessions[accountID] = session
	p.mu.Unlock()
	return session, nil
}

// Invalidate drops and closes any cached session for the account.
func (p *BotPool) Invalidate(accountID string) {
	p.mu.Lock()
	session, ok := p.sessions[accountID]
	if ok {
		delete(p.sessions, accountID)
	}
	p.mu.Unlock()

	if ok {
		if err := session.Close(); err != nil {
			logrus.Errorf("failed to close session for %s: %v", accountID, err)
		}
	}
}

// RecordFault bumps the account's consecutive error count. Crossing the
// threshold parks the account in ERROR until an operator intervenes.
func (p *BotPool) RecordFault(ctx context.Context, accountID string, cause error) {
	account, err := p.fleet.datasource.GetAccountByID(ctx, accountID)
	if err != nil {
		logrus.Errorf("failed to load account %s for fault recording: %v", accountID, err)
		return
	}
	p.recordFault(ctx, account, cause)
}

func (p *BotPool) recordFault(ctx context.Context, account *model.Account, cause error) {
	cfg, err := config.Fetch()
	if err != nil {
		logrus.Error(err)
		return
	}

	errorCount := account.ErrorCount + 1
	status := account.Status
	if errorCount >= cfg.Gifting.ErrorThreshold {
		status = model.AccountStatusError
		notification.NotifyError(fmt.Errorf("bot account %s crossed the error threshold: %v", account.AccountID, cause))
	}

	if err := p.fleet.datasource.UpdateAccountStatus(ctx, account.AccountID, status, errorCount, account.LastHeartbeat); err != nil {
		logrus.Errorf("failed to record fault for account %s: %v", account.AccountID, err)
	}

	p.Invalidate(account.AccountID)
}

// RecordSuccess clears the consecutive error count after a completed platform
// call and refreshes the heartbeat.
func (p *BotPool) RecordSuccess(ctx context.Context, accountID string) {
	if err := p.fleet.datasource.UpdateAccountStatus(ctx, accountID, model.AccountStatusOnline, 0, time.Now()); err != nil {
		logrus.Errorf("failed to record success for account %s: %v", accountID, err)
	}
}

// QuotaRemaining computes how many gifts the account may still send inside the
// trailing 24h window. Always derived from gift records, never from a counter,
// so it self-corrects as the window slides.
func (p *BotPool) QuotaRemaining(ctx context.Context, account *model.Account) (int, error) {
	cfg, err := config.Fetch()
	if err != nil {
		return 0, err
	}

	quota := account.DailyQuota
	if quota <= 0 || quota > cfg.Gifting.DailyGiftQuota {
		quota = cfg.Gifting.DailyGiftQuota
	}

	used, err := p.fleet.datasource.CountGiftsSince(ctx, account.AccountID, time.Now().Add(-24*time.Hour))
	if err != nil {
		return 0, err
	}

	remaining := quota - used
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

// Stats aggregates the pool view used for admission control: how many bots
// are online, how much gift capacity is left fleet-wide, and how many orders
// are parked waiting for that capacity.
func (p *BotPool) Stats(ctx context.Context) (model.PoolStats, error) {
	accounts, err := p.fleet.datasource.GetActiveAccounts(ctx)
	if err != nil {
		return model.PoolStats{}, err
	}

	backlog, err := p.fleet.redis.SCard(ctx, backlogSetKey).Result()
	if err != nil {
		return model.PoolStats{}, err
	}

	stats := model.PoolStats{Total: len(accounts), QuotaBacklog: int(backlog)}
	for i := range accounts {
		account := &accounts[i]
		switch account.Status {
		case model.AccountStatusOnline:
			stats.Online++
		case model.AccountStatusError:
			stats.Errored++
		default:
			stats.Offline++
		}

		remaining, err := p.QuotaRemaining(ctx, account)
		if err != nil {
			return model.PoolStats{}, err
		}
		stats.QuotaRemaining += remaining
	}
	return stats, nil
}

// StartHeartbeat runs the session health loop until the context is cancelled.
// Each cached session is probed with a balance read; a failed probe marks the
// account OFFLINE and drops the session so the next acquire re-authenticates.
func (p *BotPool) StartHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.heartbeat(ctx)
		}
	}
}

func (p *BotPool) heartbeat(ctx context.Context) {
	p.mu.Lock()
	cached := make(map[string]Session, len(p.sessions))
	for id, session := range p.sessions {
		cached[id] = session
	}
	p.mu.Unlock()

	for accountID, session := range cached {
		probeCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		_, err := session.GetBalance(probeCtx)
		cancel()

		if err != nil {
			logrus.Warnf("heartbeat failed for account %s: %v", accountID, err)
			if updateErr := p.fleet.datasource.UpdateAccountStatus(ctx, accountID, model.AccountStatusOffline, 0, time.Now()); updateErr != nil {
				logrus.Errorf("failed to mark account %s offline: %v", accountID, updateErr)
			}
			p.Invalidate(accountID)
			continue
		}

		if err := p.fleet.datasource.UpdateAccountStatus(ctx, accountID, model.AccountStatusOnline, 0, time.Now()); err != nil {
			logrus.Errorf("failed to refresh heartbeat for account %s: %v", accountID, err)
		}
	}
}
