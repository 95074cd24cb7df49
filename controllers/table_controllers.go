package controllers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/yeremiapane/restaurant-reservations/models"
	"github.com/yeremiapane/restaurant-reservations/services"
	"github.com/yeremiapane/restaurant-reservations/utils"
)

type TableController struct {
	Service *services.ReservationService
}

func NewTableController(svc *services.ReservationService) *TableController {
	return &TableController{Service: svc}
}

// CreateTable -> menambahkan meja baru
func (tc *TableController) CreateTable(c *gin.Context) {
	var req struct {
		TableNumber string `json:"table_number" binding:"required"`
		CapacityMin int    `json:"capacity_min"`
		CapacityMax int    `json:"capacity_max" binding:"required,min=1"`
		Zone        string `json:"zone"`
		Active      *bool  `json:"active"`  // optional, default true
		Status      string `json:"status"` // optional, default "available"
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		utils.RespondError(c, http.StatusBadRequest, err)
		return
	}

	table := models.Table{
		TableNumber: req.TableNumber,
		CapacityMin: req.CapacityMin,
		CapacityMax: req.CapacityMax,
		Zone:        req.Zone,
		Active:      req.Active == nil || *req.Active,
		Status:      req.Status,
	}
	table, err := tc.Service.CreateTable(c.Request.Context(), table)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	utils.RespondJSON(c, http.StatusCreated, "Table created successfully", table)
}

// GetAllTables -> menampilkan seluruh meja
func (tc *TableController) GetAllTables(c *gin.Context) {
	tables, err := tc.Service.ListTables(c.Request.Context())
	if err != nil {
		respondServiceError(c, err)
		return
	}
	utils.RespondJSON(c, http.StatusOK, "List of tables", tables)
}

// GetTableByID -> detail satu meja
func (tc *TableController) GetTableByID(c *gin.Context) {
	table, err := tc.Service.GetTable(c.Request.Context(), c.Param("table_id"))
	if err != nil {
		respondServiceError(c, err)
		return
	}
	utils.RespondJSON(c, http.StatusOK, "Table detail", table)
}

// UpdateTableStatus -> update status meja
func (tc *TableController) UpdateTableStatus(c *gin.Context) {
	var body struct {
		Status  string `json:"status" binding:"required"`
		Version int64  `json:"version"`
	}

	if err := c.ShouldBindJSON(&body); err != nil {
		utils.RespondError(c, http.StatusBadRequest, err)
		return
	}

	table, err := tc.Service.UpdateTableStatus(c.Request.Context(), c.Param("table_id"), body.Status, body.Version)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	utils.RespondJSON(c, http.StatusOK, "Table status updated", table)
}
