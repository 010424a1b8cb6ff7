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
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giftfleet/giftfleet/config"
)

// newPlatformGateway stands in for the platform HTTP gateway. Per-path status
// overrides let tests script error responses.
func newPlatformGateway(t *testing.T, overrides map[string]int) *httptest.Server {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if status, ok := overrides[r.URL.Path]; ok {
			w.WriteHeader(status)
			return
		}

		switch r.URL.Path {
		case "/auth/login":
			_ = json.NewEncoder(w).Encode(map[string]string{"token": "tok_1"})
		case "/wallet":
			if r.Header.Get("Authorization") != "Bearer tok_1" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]int64{"balance": 4200})
		case "/users/lookup":
			if r.URL.Query().Get("display_name") == "" {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]string{"recipient_id": "rec_9"})
		default:
			w.WriteHeader(http.StatusNoContent)
		}
	}))
	t.Cleanup(srv.Close)

	cfg := testConfig("localhost:6379")
	cfg.Platform.BaseUrl = srv.URL
	cfg.Platform.TimeoutSeconds = 5
	config.MockConfig(cfg)
	return srv
}

func TestPlatformSessionLoginAndBearerToken(t *testing.T) {
	newPlatformGateway(t, nil)

	session, err := NewPlatformSessionFactory()(context.Background(), "bot_1", "bundle")
	require.NoError(t, err)
	assert.Equal(t, "bot_1", session.AccountID())

	balance, err := session.GetBalance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(4200), balance)
}

func TestPlatformSessionLoginRejected(t *testing.T) {
	newPlatformGateway(t, map[string]int{"/auth/login": http.StatusUnauthorized})

	_, err := NewPlatformSessionFactory()(context.Background(), "bot_1", "bundle")
	assert.ErrorIs(t, err, ErrCredentialsInvalid)
}

func TestPlatformSessionGiftErrorMapping(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusPaymentRequired, ErrInsufficientFunds},
		{http.StatusUnprocessableEntity, ErrOfferNotGiftable},
		{http.StatusForbidden, ErrGiftLimitReached},
		{http.StatusNotFound, ErrRecipientNotFound},
		{http.StatusUnauthorized, ErrSessionDead},
		{http.StatusTooManyRequests, ErrRateLimited},
	}

	for _, tt := range tests {
		newPlatformGateway(t, map[string]int{"/gifts": tt.status})

		session, err := NewPlatformSessionFactory()(context.Background(), "bot_1", "bundle")
		require.NoError(t, err)

		err = session.SendGift(context.Background(), "rec_1", "offer_1")
		assert.ErrorIs(t, err, tt.want, "status %d", tt.status)
	}
}

func TestPlatformSessionFriendRequestStates(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusNoContent, nil},
		{http.StatusConflict, ErrAlreadyFriends},
		{http.StatusAccepted, ErrFriendRequestOpen},
		{http.StatusNotFound, ErrRecipientNotFound},
	}

	for _, tt := range tests {
		newPlatformGateway(t, map[string]int{"/friends/rec_1": tt.status})

		session, err := NewPlatformSessionFactory()(context.Background(), "bot_1", "bundle")
		require.NoError(t, err)

		err = session.SendFriendRequest(context.Background(), "rec_1")
		if tt.want == nil {
			assert.NoError(t, err)
		} else {
			assert.ErrorIs(t, err, tt.want, "status %d", tt.status)
		}
	}
}

func TestPlatformSessionDisplayNameLookup(t *testing.T) {
	newPlatformGateway(t, nil)

	session, err := NewPlatformSessionFactory()(context.Background(), "bot_1", "bundle")
	require.NoError(t, err)

	// Names with spaces must survive query encoding.
	recipientID, err := session.LookupByDisplayName(context.Background(), "Recipient One")
	require.NoError(t, err)
	assert.Equal(t, "rec_9", recipientID)
}

func TestPlatformSessionDisplayNameLookupMiss(t *testing.T) {
	newPlatformGateway(t, map[string]int{"/users/lookup": http.StatusNotFound})

	session, err := NewPlatformSessionFactory()(context.Background(), "bot_1", "bundle")
	require.NoError(t, err)

	_, err = session.LookupByDisplayName(context.Background(), "Recipient One")
	assert.ErrorIs(t, err, ErrRecipientNotFound)
}

func TestPlatformSessionSafeForConcurrentUse(t *testing.T) {
	newPlatformGateway(t, nil)

	session, err := NewPlatformSessionFactory()(context.Background(), "bot_1", "bundle")
	require.NoError(t, err)

	// Workers and the heartbeat loop share one cached session, so balance
	// reads race against a Close resetting the token. A read that loses the
	// race sees the cleared token and gets ErrSessionDead, never a torn value.
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			balance, err := session.GetBalance(context.Background())
			if err != nil {
				assert.ErrorIs(t, err, ErrSessionDead)
				return
			}
			assert.Equal(t, int64(4200), balance)
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		assert.NoError(t, session.Close())
	}()
	wg.Wait()
}

func TestPlatformSessionRemoveFriendTolerant(t *testing.T) {
	newPlatformGateway(t, map[string]int{"/friends/rec_1": http.StatusNotFound})

	session, err := NewPlatformSessionFactory()(context.Background(), "bot_1", "bundle")
	require.NoError(t, err)

	// Removing a friend that is already gone is not an error.
	assert.NoError(t, session.RemoveFriend(context.Background(), "rec_1"))
}
