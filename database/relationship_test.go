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

package database

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/giftfleet/giftfleet/internal/apierror"
	"github.com/giftfleet/giftfleet/model"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
)

func relationshipRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"relationship_id", "account_id", "recipient_id", "recipient_name", "state", "established_at", "eligible_at", "created_at", "updated_at"})
}

func TestRecordRelationship_Success(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}

	rel := &model.Relationship{
		AccountID:   "bot_1",
		RecipientID: "player-123",
	}

	mock.ExpectExec("INSERT INTO relationships").
		WillReturnResult(sqlmock.NewResult(1, 1))

	err = ds.RecordRelationship(context.Background(), rel)
	assert.NoError(t, err)
	assert.Contains(t, rel.RelationshipID, "rel_")
	assert.Equal(t, model.RelationshipPending, rel.State)
}

func TestRecordRelationship_Duplicate(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}

	mock.ExpectExec("INSERT INTO relationships").
		WillReturnError(&pq.Error{Code: "23505", Message: "unique_violation"})

	err = ds.RecordRelationship(context.Background(), &model.Relationship{AccountID: "bot_1", RecipientID: "player-123"})
	assert.Error(t, err)
	apiErr, ok := err.(apierror.APIError)
	assert.True(t, ok)
	assert.Equal(t, apierror.ErrConflict, apiErr.Code)
}

func TestGetRelationship_NotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}

	mock.ExpectQuery("SELECT .* FROM relationships WHERE account_id =").
		WithArgs("bot_1", "player-999").
		WillReturnError(sql.ErrNoRows)

	_, err = ds.GetRelationship(context.Background(), "bot_1", "player-999")
	assert.Error(t, err)
	apiErr, ok := err.(apierror.APIError)
	assert.True(t, ok)
	assert.Equal(t, apierror.ErrNotFound, apiErr.Code)
}

func TestGetReadyRelationships_FiltersByCooldown(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}

	now := time.Now()
	mock.ExpectQuery("SELECT .* FROM relationships r JOIN accounts a").
		WithArgs("player-123", model.RelationshipAccepted, now).
		WillReturnRows(relationshipRows().
			AddRow("rel_1", "bot_1", "player-123", "Player", model.RelationshipAccepted, now.Add(-72*time.Hour), now.Add(-24*time.Hour), now, now))

	ready, err := ds.GetReadyRelationships(context.Background(), "player-123", now)
	assert.NoError(t, err)
	assert.Len(t, ready, 1)
	assert.True(t, ready[0].GiftEligible(now))
}

func TestUpdateRelationshipState_NotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}

	mock.ExpectExec("UPDATE relationships SET state =").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err = ds.UpdateRelationshipState(context.Background(), "rel_missing", model.RelationshipAccepted, time.Now(), time.Now().Add(48*time.Hour))
	assert.Error(t, err)
	apiErr, ok := err.(apierror.APIError)
	assert.True(t, ok)
	assert.Equal(t, apierror.ErrNotFound, apiErr.Code)
}
