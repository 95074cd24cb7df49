package controllers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/yeremiapane/restaurant-reservations/lifecycle"
	"github.com/yeremiapane/restaurant-reservations/models"
	"github.com/yeremiapane/restaurant-reservations/services"
	"github.com/yeremiapane/restaurant-reservations/utils"
)

// respondServiceError maps service errors onto status codes. Lifecycle
// rejections keep their reason as the message prefix so clients can tell an
// invalid transition from other 422s.
func respondServiceError(c *gin.Context, err error) {
	var refused *services.InadmissibleError
	switch {
	case errors.As(err, &refused):
		utils.RespondErrorData(c, http.StatusUnprocessableEntity, err, refused.Verdict)
	case errors.Is(err, models.ErrNotFound):
		utils.RespondError(c, http.StatusNotFound, err)
	case errors.Is(err, models.ErrConflict):
		utils.RespondError(c, http.StatusConflict, err)
	case errors.Is(err, lifecycle.ErrNotPermitted):
		utils.RespondError(c, http.StatusForbidden, err)
	case errors.Is(err, lifecycle.ErrInvalidTransition):
		utils.RespondError(c, http.StatusUnprocessableEntity, err)
	case errors.Is(err, models.ErrValidation):
		utils.RespondError(c, http.StatusBadRequest, err)
	default:
		utils.ErrorLogger.Printf("%s %s: %v", c.Request.Method, c.Request.URL.Path, err)
		utils.RespondError(c, http.StatusInternalServerError, errors.New("internal server error"))
	}
}

// roleOf returns the caller's lifecycle role as set by the auth middleware.
func roleOf(c *gin.Context) lifecycle.Role {
	role, _ := c.Get("role")
	s, _ := role.(string)
	return lifecycle.RoleFromStaff(s)
}
