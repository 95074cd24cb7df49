package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yeremiapane/restaurant-reservations/models"
)

func TestCreateUserAndAuthenticate(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	u, err := CreateUser(ctx, db, "Marta", "marta@example.com", "password123", "Manager")
	require.NoError(t, err)
	assert.Equal(t, RoleManager, u.Role)
	assert.NotEqual(t, "password123", u.Password)

	got, err := Authenticate(ctx, db, "marta@example.com", "password123")
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.ID)

	_, err = Authenticate(ctx, db, "marta@example.com", "wrong-password")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = Authenticate(ctx, db, "nobody@example.com", "password123")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestCreateUserRejects(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	_, err := CreateUser(ctx, db, "X", "x@example.com", "password123", "chef")
	assert.ErrorIs(t, err, models.ErrValidation)

	_, err = CreateUser(ctx, db, "X", "x@example.com", "short", RoleWaiter)
	assert.ErrorIs(t, err, models.ErrValidation)

	_, err = CreateUser(ctx, db, "X", "x@example.com", "password123", RoleWaiter)
	require.NoError(t, err)
	_, err = CreateUser(ctx, db, "Y", "x@example.com", "password123", RoleWaiter)
	assert.ErrorIs(t, err, models.ErrConflict)
}
