package controllers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yeremiapane/restaurant-reservations/lifecycle"
	"github.com/yeremiapane/restaurant-reservations/models"
	"github.com/yeremiapane/restaurant-reservations/rules"
	"github.com/yeremiapane/restaurant-reservations/services"
	"github.com/yeremiapane/restaurant-reservations/utils"
)

func TestRespondServiceError(t *testing.T) {
	gin.SetMode(gin.TestMode)
	utils.SilenceLoggers()

	_, rejected := lifecycle.Transition(models.Reservation{Status: models.StatusCompleted}, models.StatusPending, lifecycle.RoleAdmin)
	require.Error(t, rejected)

	cases := []struct {
		name string
		err  error
		code int
	}{
		{"not found", fmt.Errorf("reservation x: %w", models.ErrNotFound), http.StatusNotFound},
		{"conflict", fmt.Errorf("stale: %w", models.ErrConflict), http.StatusConflict},
		{"validation", fmt.Errorf("party: %w", models.ErrValidation), http.StatusBadRequest},
		{"not permitted", fmt.Errorf("x: %w", lifecycle.ErrNotPermitted), http.StatusForbidden},
		{"invalid transition", rejected, http.StatusUnprocessableEntity},
		{"inadmissible", &services.InadmissibleError{Verdict: rules.Verdict{}}, http.StatusUnprocessableEntity},
		{"unknown", errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			c, _ := gin.CreateTestContext(w)
			c.Request = httptest.NewRequest(http.MethodGet, "/", nil)

			respondServiceError(c, tc.err)
			assert.Equal(t, tc.code, w.Code)

			var body utils.JSONResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.False(t, body.Status)
			if tc.code == http.StatusInternalServerError {
				assert.Equal(t, "internal server error", body.Message)
			}
		})
	}
}

func TestRoleOf(t *testing.T) {
	gin.SetMode(gin.TestMode)
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	assert.False(t, roleOf(c).Valid())

	c.Set("role", "staff")
	assert.Equal(t, lifecycle.RoleWaiter, roleOf(c))
	c.Set("role", "manager")
	assert.Equal(t, lifecycle.RoleManager, roleOf(c))
}

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"https://floor.example"})
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	assert.True(t, check(req))

	req.Header.Set("Origin", "https://FLOOR.example")
	assert.True(t, check(req))
	req.Header.Set("Origin", "https://evil.example")
	assert.False(t, check(req))

	assert.True(t, originChecker(nil)(req))
}
