package database

import (
	"testing"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yeremiapane/restaurant-reservations/models"
)

func TestOpenAndMigrateSqlite(t *testing.T) {
	db, err := Open("sqlite", "file:"+uuid.NewString()+"?mode=memory&cache=shared")
	require.NoError(t, err)

	log, hook := test.NewNullLogger()
	require.NoError(t, Migrate(db, log))
	assert.Equal(t, "AutoMigrate completed", hook.LastEntry().Message)

	// Running it twice is harmless.
	require.NoError(t, Migrate(db, log))

	tag := "trona"
	r := models.Reservation{
		ID: uuid.NewString(), CustomerName: "Ana", Date: "2025-01-10", Time: "13:30",
		TurnID: "turno_1", PartySize: 2, Status: models.StatusPending,
		SpecialRequests: []string{tag},
	}
	require.NoError(t, db.Create(&r).Error)

	var got models.Reservation
	require.NoError(t, db.First(&got, "id = ?", r.ID).Error)
	assert.Equal(t, []string{tag}, got.SpecialRequests)
	assert.Equal(t, int64(1), got.Version)
	assert.Nil(t, got.TableID)
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := Open("postgres", "x")
	assert.Error(t, err)
}
