package controllers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/yeremiapane/restaurant-reservations/lifecycle"
	"github.com/yeremiapane/restaurant-reservations/models"
	"github.com/yeremiapane/restaurant-reservations/rules"
	"github.com/yeremiapane/restaurant-reservations/services"
	"github.com/yeremiapane/restaurant-reservations/utils"
)

type ReservationController struct {
	Service *services.ReservationService
}

func NewReservationController(svc *services.ReservationService) *ReservationController {
	return &ReservationController{Service: svc}
}

// GetReservations -> daftar reservasi, optional ?date=YYYY-MM-DD&status=
func (rc *ReservationController) GetReservations(c *gin.Context) {
	list, err := rc.Service.List(c.Request.Context(), services.ReservationFilter{
		Date:   c.Query("date"),
		Status: models.ReservationStatus(c.Query("status")),
	})
	if err != nil {
		respondServiceError(c, err)
		return
	}
	utils.RespondJSON(c, http.StatusOK, "List of reservations", list)
}

func (rc *ReservationController) GetReservationByID(c *gin.Context) {
	r, err := rc.Service.Get(c.Request.Context(), c.Param("reservation_id"))
	if err != nil {
		respondServiceError(c, err)
		return
	}
	// Status tujuan yang boleh dipilih caller, sesuai role-nya
	allowed := lifecycle.Allowed(r.Status, roleOf(c))
	if allowed == nil {
		allowed = []models.ReservationStatus{}
	}
	utils.RespondJSON(c, http.StatusOK, "Reservation detail", reservationDetail{
		Reservation:        r,
		AllowedTransitions: allowed,
	})
}

type reservationDetail struct {
	models.Reservation
	AllowedTransitions []models.ReservationStatus `json:"allowed_transitions"`
}

// CreateReservation -> reservasi baru, ditolak dengan 422 + verdict bila
// aturan ketersediaan tidak terpenuhi
func (rc *ReservationController) CreateReservation(c *gin.Context) {
	var req struct {
		ID              string   `json:"id"`
		CustomerName    string   `json:"customer_name" binding:"required"`
		Phone           string   `json:"phone"`
		Date            string   `json:"date" binding:"required"`
		Time            string   `json:"time"`
		TurnID          string   `json:"turn_id" binding:"required"`
		PartySize       int      `json:"party_size" binding:"required,min=1"`
		Status          string   `json:"status"`
		SpecialRequests []string `json:"special_requests"`
		Notes           string   `json:"notes"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.RespondError(c, http.StatusBadRequest, err)
		return
	}

	r, err := rc.Service.Create(c.Request.Context(), models.Reservation{
		ID:              req.ID,
		CustomerName:    req.CustomerName,
		Phone:           req.Phone,
		Date:            req.Date,
		Time:            req.Time,
		TurnID:          req.TurnID,
		PartySize:       req.PartySize,
		Status:          models.ReservationStatus(req.Status),
		SpecialRequests: req.SpecialRequests,
		Notes:           req.Notes,
	})
	if err != nil {
		respondServiceError(c, err)
		return
	}
	utils.RespondJSON(c, http.StatusCreated, "Reservation created successfully", r)
}

// UpdateReservationStatus -> pindah status sesuai lifecycle dan role
func (rc *ReservationController) UpdateReservationStatus(c *gin.Context) {
	var body struct {
		Status  string  `json:"status" binding:"required"`
		Notes   *string `json:"notes"`
		Version int64   `json:"version"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		utils.RespondError(c, http.StatusBadRequest, err)
		return
	}

	r, err := rc.Service.UpdateStatus(c.Request.Context(), c.Param("reservation_id"),
		models.ReservationStatus(body.Status), body.Notes, body.Version, roleOf(c))
	if err != nil {
		respondServiceError(c, err)
		return
	}
	utils.RespondJSON(c, http.StatusOK, "Reservation status updated", r)
}

func (rc *ReservationController) AssignTable(c *gin.Context) {
	var body struct {
		TableID string `json:"table_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		utils.RespondError(c, http.StatusBadRequest, err)
		return
	}
	out, err := rc.Service.AssignTable(c.Request.Context(), c.Param("reservation_id"), body.TableID)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	utils.RespondJSON(c, http.StatusOK, "Table assigned", out)
}

func (rc *ReservationController) FreeTable(c *gin.Context) {
	out, err := rc.Service.FreeTable(c.Request.Context(), c.Param("reservation_id"))
	if err != nil {
		respondServiceError(c, err)
		return
	}
	utils.RespondJSON(c, http.StatusOK, "Table freed", out)
}

// CheckAvailability -> evaluasi aturan tanpa menyimpan apa pun
func (rc *ReservationController) CheckAvailability(c *gin.Context) {
	var req rules.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.RespondError(c, http.StatusBadRequest, err)
		return
	}
	v, err := rc.Service.CheckAvailability(c.Request.Context(), req)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	utils.RespondJSON(c, http.StatusOK, "Availability checked", v)
}
