package apiclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yeremiapane/restaurant-reservations/lifecycle"
	"github.com/yeremiapane/restaurant-reservations/models"
	"github.com/yeremiapane/restaurant-reservations/rules"
)

func respond(w http.ResponseWriter, code int, message string, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":  code < 300,
		"message": message,
		"data":    data,
	})
}

func TestClient_ListReservationsSendsFilterAndToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/admin/reservations", r.URL.Path)
		assert.Equal(t, "2025-01-10", r.URL.Query().Get("date"))
		assert.Equal(t, "confirmed", r.URL.Query().Get("status"))
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		respond(w, http.StatusOK, "List of reservations", []models.Reservation{{ID: "r1", Status: models.StatusConfirmed}})
	}))
	defer srv.Close()

	c := New(srv.URL, func(context.Context) (string, error) { return "tok", nil })
	got, err := c.ListReservations(context.Background(), ReservationFilter{Date: "2025-01-10", Status: models.StatusConfirmed})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "r1", got[0].ID)
}

func TestClient_ErrorMapping(t *testing.T) {
	cases := []struct {
		code    int
		message string
		target  error
	}{
		{http.StatusConflict, "reservation was modified concurrently", models.ErrConflict},
		{http.StatusNotFound, "reservation not found", models.ErrNotFound},
		{http.StatusForbidden, "not_permitted: seated -> no_show as waiter", lifecycle.ErrNotPermitted},
		{http.StatusUnprocessableEntity, "invalid_transition: completed -> seated as admin", lifecycle.ErrInvalidTransition},
	}
	for _, tc := range cases {
		t.Run(tc.message, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				respond(w, tc.code, tc.message, nil)
			}))
			defer srv.Close()

			_, err := New(srv.URL, nil).UpdateReservationStatus(context.Background(), "r1", StatusChange{Status: "seated"})
			require.Error(t, err)
			assert.True(t, errors.Is(err, tc.target), "%v", err)

			var apiErr *Error
			require.True(t, errors.As(err, &apiErr))
			assert.Equal(t, tc.code, apiErr.StatusCode)
			assert.Equal(t, tc.message, apiErr.Message)
		})
	}
}

func TestClient_CreateRefusedCarriesVerdict(t *testing.T) {
	verdict := rules.Verdict{
		Errors:   []rules.Finding{{Reason: rules.ReasonClosedMonday, Message: "closed"}},
		Warnings: []rules.Finding{},
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		respond(w, http.StatusUnprocessableEntity, "closed", verdict)
	}))
	defer srv.Close()

	_, err := New(srv.URL, nil).CreateReservation(context.Background(), models.Reservation{ID: "r1"})
	var apiErr *Error
	require.True(t, errors.As(err, &apiErr))
	require.NotNil(t, apiErr.Verdict)
	assert.True(t, apiErr.Verdict.HasError(rules.ReasonClosedMonday))
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestClient_Login(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		if body["password"] != "secret" {
			respond(w, http.StatusUnauthorized, "invalid credentials", nil)
			return
		}
		respond(w, http.StatusOK, "Login successful", map[string]string{"token": "jwt", "user_role": "waiter"})
	}))
	defer srv.Close()

	c := New(srv.URL, nil)
	token, err := c.Login(context.Background(), "ana@example.com", "secret")
	require.NoError(t, err)
	assert.Equal(t, "jwt", token)

	_, err = c.Login(context.Background(), "ana@example.com", "wrong")
	assert.Error(t, err)
}

func TestClient_AssignTable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/admin/reservations/r1/assign", r.URL.Path)
		table := "t2"
		respond(w, http.StatusOK, "Table assigned", models.TableAssignment{
			Reservation: models.Reservation{ID: "r1", TableID: &table},
			Table:       models.Table{ID: "t2", Status: models.TableReserved},
		})
	}))
	defer srv.Close()

	got, err := New(srv.URL, nil).AssignTable(context.Background(), "r1", "t2")
	require.NoError(t, err)
	assert.Equal(t, "t2", *got.Reservation.TableID)
	assert.Equal(t, models.TableReserved, got.Table.Status)
}
