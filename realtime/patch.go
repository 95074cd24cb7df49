package realtime

import (
	"encoding/json"
	"time"

	"github.com/yeremiapane/restaurant-reservations/models"
)

// ReservationPatch is the part of a reservation an event carries. A nil field
// was not sent and leaves the cached value alone. ClearTable is set when the
// event explicitly sent "table_id": null.
type ReservationPatch struct {
	ID              string                    `json:"id"`
	CustomerName    *string                   `json:"customer_name,omitempty"`
	Phone           *string                   `json:"phone,omitempty"`
	Date            *string                   `json:"date,omitempty"`
	Time            *string                   `json:"time,omitempty"`
	TurnID          *string                   `json:"turn_id,omitempty"`
	PartySize       *int                      `json:"party_size,omitempty"`
	Status          *models.ReservationStatus `json:"status,omitempty"`
	TableID         *string                   `json:"table_id,omitempty"`
	SpecialRequests *[]string                 `json:"special_requests,omitempty"`
	Notes           *string                   `json:"notes,omitempty"`
	Version         *int64                    `json:"version,omitempty"`
	CreatedAt       *time.Time                `json:"created_at,omitempty"`
	UpdatedAt       *time.Time                `json:"updated_at,omitempty"`
	ClearTable      bool                      `json:"-"`
}

func (p *ReservationPatch) UnmarshalJSON(data []byte) error {
	type plain ReservationPatch
	var out plain
	if err := json.Unmarshal(data, &out); err != nil {
		return err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	if raw, ok := fields["table_id"]; ok && string(raw) == "null" {
		out.ClearTable = true
	}
	*p = ReservationPatch(out)
	return nil
}

func (p ReservationPatch) MarshalJSON() ([]byte, error) {
	type plain ReservationPatch
	data, err := json.Marshal(plain(p))
	if err != nil || !p.ClearTable || p.TableID != nil {
		return data, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, err
	}
	fields["table_id"] = json.RawMessage("null")
	return json.Marshal(fields)
}

// PatchFromReservation builds a patch that carries every field of r.
func PatchFromReservation(r models.Reservation) ReservationPatch {
	r = r.Clone()
	requests := r.SpecialRequests
	if requests == nil {
		requests = []string{}
	}
	return ReservationPatch{
		ID:              r.ID,
		CustomerName:    &r.CustomerName,
		Phone:           &r.Phone,
		Date:            &r.Date,
		Time:            &r.Time,
		TurnID:          &r.TurnID,
		PartySize:       &r.PartySize,
		Status:          &r.Status,
		TableID:         r.TableID,
		SpecialRequests: &requests,
		Notes:           &r.Notes,
		Version:         &r.Version,
		CreatedAt:       &r.CreatedAt,
		UpdatedAt:       &r.UpdatedAt,
		ClearTable:      r.TableID == nil,
	}
}

// Apply merges the carried fields over base and returns the result. base is
// not modified.
func (p ReservationPatch) Apply(base models.Reservation) models.Reservation {
	out := base.Clone()
	out.ID = p.ID
	if p.CustomerName != nil {
		out.CustomerName = *p.CustomerName
	}
	if p.Phone != nil {
		out.Phone = *p.Phone
	}
	if p.Date != nil {
		out.Date = *p.Date
	}
	if p.Time != nil {
		out.Time = *p.Time
	}
	if p.TurnID != nil {
		out.TurnID = *p.TurnID
	}
	if p.PartySize != nil {
		out.PartySize = *p.PartySize
	}
	if p.Status != nil {
		out.Status = *p.Status
	}
	switch {
	case p.TableID != nil:
		id := *p.TableID
		out.TableID = &id
	case p.ClearTable:
		out.TableID = nil
	}
	if p.SpecialRequests != nil {
		out.SpecialRequests = append([]string{}, (*p.SpecialRequests)...)
	}
	if p.Notes != nil {
		out.Notes = *p.Notes
	}
	if p.Version != nil {
		out.Version = *p.Version
	}
	if p.CreatedAt != nil {
		out.CreatedAt = *p.CreatedAt
	}
	if p.UpdatedAt != nil {
		out.UpdatedAt = *p.UpdatedAt
	}
	return out
}

// TablePatch is the part of a table an event carries.
type TablePatch struct {
	ID          string     `json:"id"`
	TableNumber *string    `json:"table_number,omitempty"`
	CapacityMin *int       `json:"capacity_min,omitempty"`
	CapacityMax *int       `json:"capacity_max,omitempty"`
	Zone        *string    `json:"zone,omitempty"`
	Active      *bool      `json:"active,omitempty"`
	Status      *string    `json:"status,omitempty"`
	Version     *int64     `json:"version,omitempty"`
	UpdatedAt   *time.Time `json:"updated_at,omitempty"`
}

func PatchFromTable(t models.Table) TablePatch {
	return TablePatch{
		ID:          t.ID,
		TableNumber: &t.TableNumber,
		CapacityMin: &t.CapacityMin,
		CapacityMax: &t.CapacityMax,
		Zone:        &t.Zone,
		Active:      &t.Active,
		Status:      &t.Status,
		Version:     &t.Version,
		UpdatedAt:   &t.UpdatedAt,
	}
}

func (p TablePatch) Apply(base models.Table) models.Table {
	out := base
	out.ID = p.ID
	if p.TableNumber != nil {
		out.TableNumber = *p.TableNumber
	}
	if p.CapacityMin != nil {
		out.CapacityMin = *p.CapacityMin
	}
	if p.CapacityMax != nil {
		out.CapacityMax = *p.CapacityMax
	}
	if p.Zone != nil {
		out.Zone = *p.Zone
	}
	if p.Active != nil {
		out.Active = *p.Active
	}
	if p.Status != nil {
		out.Status = *p.Status
	}
	if p.Version != nil {
		out.Version = *p.Version
	}
	if p.UpdatedAt != nil {
		out.UpdatedAt = *p.UpdatedAt
	}
	return out
}
