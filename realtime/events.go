// Package realtime carries reservation and table changes between the server
// and staff clients over one websocket per client process.
package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/yeremiapane/restaurant-reservations/models"
)

// Server to client message types.
const (
	TypeReservationCreated   = "reservation_created"
	TypeReservationUpdated   = "reservation_updated"
	TypeReservationCancelled = "reservation_cancelled"
	TypeTableAssigned        = "table_assigned"
	TypeTableFreed           = "table_freed"
	TypeWaitlistUpdated      = "waitlist_updated"
	TypeSystemAlert          = "system_alert"
	TypePong                 = "pong"
	TypeError                = "error"
)

// Client to server message types.
const (
	TypeSubscribeTable = "subscribe_table"
	TypeStatusUpdate   = "status_update"
	TypePing           = "ping"
)

// Envelope frames every message in both directions.
type Envelope struct {
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope marshals data into an envelope of the given type.
func NewEnvelope(typ string, at time.Time, data interface{}) (Envelope, error) {
	env := Envelope{Type: typ, Timestamp: at.UTC()}
	if data == nil {
		return env, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, fmt.Errorf("realtime: encode %s: %w", typ, err)
	}
	env.Data = raw
	return env, nil
}

// StatusUpdate asks the server to move a reservation or table to Status.
type StatusUpdate struct {
	EntityType string  `json:"entity_type"`
	EntityID   string  `json:"entity_id"`
	Status     string  `json:"status"`
	Notes      *string `json:"notes,omitempty"`
	Version    int64   `json:"version,omitempty"`
}

const (
	EntityReservation = "reservation"
	EntityTable       = "table"
)

type SubscribeTable struct {
	TableID string `json:"table_id"`
}

// CodeConflict is the error code for a change made against a stale version.
const CodeConflict = "conflict"

// ErrorMessage is sent back when a client frame could not be applied.
type ErrorMessage struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	EntityID string `json:"entity_id,omitempty"`
}

// TableChange is the payload of table_assigned and table_freed.
type TableChange struct {
	Table         json.RawMessage `json:"table"`
	ReservationID string          `json:"reservation_id,omitempty"`
}

type WaitlistPayload struct {
	Entries []models.WaitlistEntry `json:"entries"`
}

type AlertPayload struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

// SyncEvent is the closed set of server pushes. Only this package can add
// variants; consumers type-switch over the concrete types below.
type SyncEvent interface {
	Kind() string
	At() time.Time
	syncEvent()
}

// ReservationEvent is delivered on the reservation stream.
type ReservationEvent interface {
	SyncEvent
	reservationEvent()
}

// TableEvent is delivered on the table stream.
type TableEvent interface {
	SyncEvent
	TableID() string
	tableEvent()
}

type ReservationCreated struct {
	Reservation ReservationPatch
	Timestamp   time.Time
}

type ReservationUpdated struct {
	Reservation ReservationPatch
	Timestamp   time.Time
}

type ReservationCancelled struct {
	Reservation ReservationPatch
	Timestamp   time.Time
}

type WaitlistUpdated struct {
	Entries   []models.WaitlistEntry
	Timestamp time.Time
}

type TableAssigned struct {
	Table         TablePatch
	ReservationID string
	Timestamp     time.Time
}

type TableFreed struct {
	Table         TablePatch
	ReservationID string
	Timestamp     time.Time
}

type SystemAlert struct {
	Level     string
	Message   string
	Timestamp time.Time
}

// ServerError is the server refusing a frame this client sent. EntityID is
// set when the refused frame was a status update.
type ServerError struct {
	Code      string
	Message   string
	EntityID  string
	Timestamp time.Time
}

func (e ServerError) Error() string {
	if e.EntityID == "" {
		return fmt.Sprintf("realtime: server refused frame: %s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("realtime: server refused change to %s: %s: %s", e.EntityID, e.Code, e.Message)
}

func (e ReservationCreated) Kind() string   { return TypeReservationCreated }
func (e ReservationUpdated) Kind() string   { return TypeReservationUpdated }
func (e ReservationCancelled) Kind() string { return TypeReservationCancelled }
func (e WaitlistUpdated) Kind() string      { return TypeWaitlistUpdated }
func (e TableAssigned) Kind() string        { return TypeTableAssigned }
func (e TableFreed) Kind() string           { return TypeTableFreed }
func (e SystemAlert) Kind() string          { return TypeSystemAlert }
func (e ServerError) Kind() string          { return TypeError }

func (e ReservationCreated) At() time.Time   { return e.Timestamp }
func (e ReservationUpdated) At() time.Time   { return e.Timestamp }
func (e ReservationCancelled) At() time.Time { return e.Timestamp }
func (e WaitlistUpdated) At() time.Time      { return e.Timestamp }
func (e TableAssigned) At() time.Time        { return e.Timestamp }
func (e TableFreed) At() time.Time           { return e.Timestamp }
func (e SystemAlert) At() time.Time          { return e.Timestamp }
func (e ServerError) At() time.Time          { return e.Timestamp }

func (ReservationCreated) syncEvent()   {}
func (ReservationUpdated) syncEvent()   {}
func (ReservationCancelled) syncEvent() {}
func (WaitlistUpdated) syncEvent()      {}
func (TableAssigned) syncEvent()        {}
func (TableFreed) syncEvent()           {}
func (SystemAlert) syncEvent()          {}
func (ServerError) syncEvent()          {}

func (ReservationCreated) reservationEvent()   {}
func (ReservationUpdated) reservationEvent()   {}
func (ReservationCancelled) reservationEvent() {}
func (WaitlistUpdated) reservationEvent()      {}

func (e TableAssigned) TableID() string { return e.Table.ID }
func (e TableFreed) TableID() string    { return e.Table.ID }
func (TableAssigned) tableEvent()       {}
func (TableFreed) tableEvent()          {}

// ParseError marks an inbound frame that could not be turned into a SyncEvent.
type ParseError struct {
	Type string
	Err  error
}

func (e *ParseError) Error() string {
	if e.Type == "" {
		return "realtime: malformed message: " + e.Err.Error()
	}
	return fmt.Sprintf("realtime: malformed %s message: %v", e.Type, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

var errMissingID = errors.New("snapshot has no id")

// ParseEvent decodes one server frame.
func ParseEvent(raw []byte) (SyncEvent, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, &ParseError{Err: err}
	}
	if env.Type == "" {
		return nil, &ParseError{Err: errors.New("missing type")}
	}
	ev, err := decodeEvent(env)
	if err != nil {
		return nil, &ParseError{Type: env.Type, Err: err}
	}
	return ev, nil
}

func decodeEvent(env Envelope) (SyncEvent, error) {
	switch env.Type {
	case TypeReservationCreated, TypeReservationUpdated, TypeReservationCancelled:
		var p ReservationPatch
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, err
		}
		if p.ID == "" {
			return nil, errMissingID
		}
		switch env.Type {
		case TypeReservationCreated:
			return ReservationCreated{Reservation: p, Timestamp: env.Timestamp}, nil
		case TypeReservationUpdated:
			return ReservationUpdated{Reservation: p, Timestamp: env.Timestamp}, nil
		default:
			return ReservationCancelled{Reservation: p, Timestamp: env.Timestamp}, nil
		}

	case TypeTableAssigned, TypeTableFreed:
		var tc TableChange
		if err := json.Unmarshal(env.Data, &tc); err != nil {
			return nil, err
		}
		var p TablePatch
		if err := json.Unmarshal(tc.Table, &p); err != nil {
			return nil, err
		}
		if p.ID == "" {
			return nil, errMissingID
		}
		if env.Type == TypeTableAssigned {
			return TableAssigned{Table: p, ReservationID: tc.ReservationID, Timestamp: env.Timestamp}, nil
		}
		return TableFreed{Table: p, ReservationID: tc.ReservationID, Timestamp: env.Timestamp}, nil

	case TypeWaitlistUpdated:
		var w WaitlistPayload
		if err := json.Unmarshal(env.Data, &w); err != nil {
			return nil, err
		}
		return WaitlistUpdated{Entries: w.Entries, Timestamp: env.Timestamp}, nil

	case TypeSystemAlert:
		var a AlertPayload
		if err := json.Unmarshal(env.Data, &a); err != nil {
			return nil, err
		}
		return SystemAlert{Level: a.Level, Message: a.Message, Timestamp: env.Timestamp}, nil

	case TypeError:
		var m ErrorMessage
		if err := json.Unmarshal(env.Data, &m); err != nil {
			return nil, err
		}
		if m.Code == "" {
			return nil, errors.New("error frame has no code")
		}
		return ServerError{Code: m.Code, Message: m.Message, EntityID: m.EntityID, Timestamp: env.Timestamp}, nil
	}
	return nil, fmt.Errorf("unknown message type %q", env.Type)
}

// peekType reads only the envelope discriminator.
func peekType(raw []byte) string {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return ""
	}
	return head.Type
}
