package controllers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/yeremiapane/restaurant-reservations/models"
	"github.com/yeremiapane/restaurant-reservations/services"
	"github.com/yeremiapane/restaurant-reservations/utils"
)

type WaitlistController struct {
	Service *services.ReservationService
}

func NewWaitlistController(svc *services.ReservationService) *WaitlistController {
	return &WaitlistController{Service: svc}
}

func (wc *WaitlistController) GetWaitlist(c *gin.Context) {
	entries, err := wc.Service.ListWaitlist(c.Request.Context())
	if err != nil {
		respondServiceError(c, err)
		return
	}
	utils.RespondJSON(c, http.StatusOK, "Waitlist", entries)
}

func (wc *WaitlistController) AddToWaitlist(c *gin.Context) {
	var req struct {
		CustomerName string `json:"customer_name" binding:"required"`
		Phone        string `json:"phone"`
		PartySize    int    `json:"party_size" binding:"required,min=1"`
		Notes        string `json:"notes"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.RespondError(c, http.StatusBadRequest, err)
		return
	}
	entry, err := wc.Service.AddToWaitlist(c.Request.Context(), models.WaitlistEntry{
		CustomerName: req.CustomerName,
		Phone:        req.Phone,
		PartySize:    req.PartySize,
		Notes:        req.Notes,
	})
	if err != nil {
		respondServiceError(c, err)
		return
	}
	utils.RespondJSON(c, http.StatusCreated, "Added to waitlist", entry)
}

func (wc *WaitlistController) RemoveFromWaitlist(c *gin.Context) {
	id := c.Param("entry_id")
	if err := wc.Service.RemoveFromWaitlist(c.Request.Context(), id); err != nil {
		respondServiceError(c, err)
		return
	}
	utils.RespondJSON(c, http.StatusOK, "Removed from waitlist", gin.H{"id": id})
}
