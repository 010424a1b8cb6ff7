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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/giftfleet/giftfleet/config"
	"github.com/giftfleet/giftfleet/model"
)

// platformSession is the default Session implementation speaking to the
// gifting platform's HTTP gateway. Authentication exchanges the credential
// bundle for a bearer token at mint time; a 401 afterwards surfaces as
// ErrSessionDead so the pool re-authenticates. The pool shares one session
// across workers, so the token is guarded by a mutex.
type platformSession struct {
	accountID string
	baseURL   string
	client    *http.Client

	mu    sync.Mutex
	token string
}

// NewPlatformSessionFactory returns the SessionFactory used in production,
// pointed at the configured platform gateway.
func NewPlatformSessionFactory() SessionFactory {
	return func(ctx context.Context, accountID, credentials string) (Session, error) {
		cfg, err := config.Fetch()
		if err != nil {
			return nil, err
		}
		if cfg.Platform.BaseUrl == "" {
			return nil, fmt.Errorf("platform base url is not configured")
		}

		session := &platformSession{
			accountID: accountID,
			baseURL:   cfg.Platform.BaseUrl,
			client:    &http.Client{Timeout: time.Duration(cfg.Platform.TimeoutSeconds) * time.Second},
		}
		if err := session.login(ctx, credentials); err != nil {
			return nil, err
		}
		return session, nil
	}
}

func (s *platformSession) login(ctx context.Context, credentials string) error {
	body, err := json.Marshal(map[string]string{"credentials": credentials})
	if err != nil {
		return err
	}

	var result struct {
		Token string `json:"token"`
	}
	status, err := s.do(ctx, "POST", "/auth/login", bytes.NewReader(body), &result)
	if err != nil {
		return err
	}
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		return ErrCredentialsInvalid
	}
	if status >= 300 {
		return fmt.Errorf("platform login returned %d", status)
	}
	s.mu.Lock()
	s.token = result.Token
	s.mu.Unlock()
	return nil
}

func (s *platformSession) AccountID() string {
	return s.accountID
}

func (s *platformSession) SendFriendRequest(ctx context.Context, recipientID string) error {
	status, err := s.do(ctx, "POST", "/friends/"+recipientID, nil, nil)
	if err != nil {
		return err
	}
	switch status {
	case http.StatusNoContent, http.StatusCreated, http.StatusOK:
		return nil
	case http.StatusNotFound:
		return ErrRecipientNotFound
	case http.StatusConflict:
		return ErrAlreadyFriends
	case http.StatusAccepted:
		return ErrFriendRequestOpen
	}
	return s.statusError(status, "friend request")
}

func (s *platformSession) GetFriends(ctx context.Context) ([]Friend, error) {
	var friends []Friend
	status, err := s.do(ctx, "GET", "/friends", nil, &friends)
	if err != nil {
		return nil, err
	}
	if status >= 300 {
		return nil, s.statusError(status, "friend list")
	}
	return friends, nil
}

func (s *platformSession) LookupByDisplayName(ctx context.Context, name string) (string, error) {
	var result struct {
		RecipientID string `json:"recipient_id"`
	}
	status, err := s.do(ctx, "GET", "/users/lookup?display_name="+url.QueryEscape(name), nil, &result)
	if err != nil {
		return "", err
	}
	if status == http.StatusNotFound {
		return "", ErrRecipientNotFound
	}
	if status >= 300 {
		return "", s.statusError(status, "display name lookup")
	}
	return result.RecipientID, nil
}

func (s *platformSession) RemoveFriend(ctx context.Context, recipientID string) error {
	status, err := s.do(ctx, "DELETE", "/friends/"+recipientID, nil, nil)
	if err != nil {
		return err
	}
	if status == http.StatusNotFound || status < 300 {
		return nil
	}
	return s.statusError(status, "friend removal")
}

func (s *platformSession) SendGift(ctx context.Context, recipientID, offerID string) error {
	body, err := json.Marshal(map[string]string{
		"recipient_id": recipientID,
		"offer_id":     offerID,
	})
	if err != nil {
		return err
	}

	status, err := s.do(ctx, "POST", "/gifts", bytes.NewReader(body), nil)
	if err != nil {
		return err
	}
	switch status {
	case http.StatusOK, http.StatusCreated, http.StatusNoContent:
		return nil
	case http.StatusNotFound:
		return ErrRecipientNotFound
	case http.StatusPaymentRequired:
		return ErrInsufficientFunds
	case http.StatusUnprocessableEntity:
		return ErrOfferNotGiftable
	case http.StatusForbidden:
		return ErrGiftLimitReached
	}
	return s.statusError(status, "gift send")
}

func (s *platformSession) GetBalance(ctx context.Context) (int64, error) {
	var result struct {
		Balance int64 `json:"balance"`
	}
	status, err := s.do(ctx, "GET", "/wallet", nil, &result)
	if err != nil {
		return 0, err
	}
	if status >= 300 {
		return 0, s.statusError(status, "balance read")
	}
	return result.Balance, nil
}

func (s *platformSession) GetCatalog(ctx context.Context) ([]model.CatalogOffer, error) {
	var offers []model.CatalogOffer
	status, err := s.do(ctx, "GET", "/catalog", nil, &offers)
	if err != nil {
		return nil, err
	}
	if status >= 300 {
		return nil, s.statusError(status, "catalog fetch")
	}
	return offers, nil
}

func (s *platformSession) Close() error {
	s.mu.Lock()
	s.token = ""
	s.mu.Unlock()
	return nil
}

// do executes one platform call and decodes a JSON body when out is non-nil
// and the response carries one.
func (s *platformSession) do(ctx context.Context, method, path string, body *bytes.Reader, out interface{}) (int, error) {
	var req *http.Request
	var err error
	if body != nil {
		req, err = http.NewRequestWithContext(ctx, method, s.baseURL+path, body)
	} else {
		req, err = http.NewRequestWithContext(ctx, method, s.baseURL+path, nil)
	}
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	s.mu.Lock()
	token := s.token
	s.mu.Unlock()
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()

	if out != nil && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, err
		}
	}
	return resp.StatusCode, nil
}

func (s *platformSession) statusError(status int, operation string) error {
	switch status {
	case http.StatusUnauthorized:
		return ErrSessionDead
	case http.StatusTooManyRequests:
		return ErrRateLimited
	}
	return fmt.Errorf("platform %s returned %d", operation, status)
}
