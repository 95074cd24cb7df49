// Package apiclient is the staff REST client: the initial load, the refresh
// after a reconnect and every mutation the store sends over HTTP.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/yeremiapane/restaurant-reservations/lifecycle"
	"github.com/yeremiapane/restaurant-reservations/models"
	"github.com/yeremiapane/restaurant-reservations/rules"
)

// TokenFunc returns the bearer token for the next request. An empty token
// sends the request unauthenticated.
type TokenFunc func(ctx context.Context) (string, error)

type Client struct {
	base   string
	hc     *http.Client
	tokens TokenFunc
}

func New(baseURL string, tokens TokenFunc) *Client {
	return &Client{
		base:   strings.TrimRight(baseURL, "/"),
		hc:     &http.Client{Timeout: 10 * time.Second},
		tokens: tokens,
	}
}

// WithHTTPClient swaps the transport, mostly for tests.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.hc = hc
	return c
}

// Error is a non-2xx response. It matches the models and lifecycle sentinel
// errors with errors.Is so callers need not look at status codes.
type Error struct {
	StatusCode int
	Message    string
	// Verdict is set when a create was refused by the availability rules.
	Verdict *rules.Verdict
}

func (e *Error) Error() string {
	return fmt.Sprintf("api: %d %s", e.StatusCode, e.Message)
}

func (e *Error) Is(target error) bool {
	switch target {
	case models.ErrConflict:
		return e.StatusCode == http.StatusConflict
	case models.ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	case models.ErrValidation:
		return e.StatusCode == http.StatusBadRequest || e.StatusCode == http.StatusUnprocessableEntity
	case lifecycle.ErrNotPermitted:
		return e.StatusCode == http.StatusForbidden
	case lifecycle.ErrInvalidTransition:
		return e.StatusCode == http.StatusUnprocessableEntity && strings.HasPrefix(e.Message, lifecycle.ReasonInvalidTransition)
	}
	return false
}

// envelope mirrors the server's {status, message, data} response.
type envelope struct {
	Status  bool            `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, in, out interface{}) error {
	target := c.base + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("api: encode %s %s: %w", method, path, err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.tokens != nil {
		token, err := c.tokens(ctx)
		if err != nil {
			return fmt.Errorf("api: token: %w", err)
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("api: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("api: read %s %s: %w", method, path, err)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		if resp.StatusCode >= 400 {
			return &Error{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		}
		return fmt.Errorf("api: decode %s %s: %w", method, path, err)
	}
	if resp.StatusCode >= 400 {
		apiErr := &Error{StatusCode: resp.StatusCode, Message: env.Message}
		if resp.StatusCode == http.StatusUnprocessableEntity && len(env.Data) > 0 {
			var v rules.Verdict
			if json.Unmarshal(env.Data, &v) == nil && len(v.Errors) > 0 {
				apiErr.Verdict = &v
			}
		}
		return apiErr
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("api: decode %s %s: %w", method, path, err)
	}
	return nil
}

// Login exchanges staff credentials for a token.
func (c *Client) Login(ctx context.Context, email, password string) (string, error) {
	var out struct {
		Token string `json:"token"`
	}
	in := map[string]string{"email": email, "password": password}
	if err := c.do(ctx, http.MethodPost, "/login", nil, in, &out); err != nil {
		return "", err
	}
	if out.Token == "" {
		return "", errors.New("api: login returned no token")
	}
	return out.Token, nil
}

// ReservationFilter narrows ListReservations. Zero fields are not sent.
type ReservationFilter struct {
	Date   string
	Status models.ReservationStatus
}

func (c *Client) ListReservations(ctx context.Context, f ReservationFilter) ([]models.Reservation, error) {
	q := url.Values{}
	if f.Date != "" {
		q.Set("date", f.Date)
	}
	if f.Status != "" {
		q.Set("status", string(f.Status))
	}
	var out []models.Reservation
	err := c.do(ctx, http.MethodGet, "/admin/reservations", q, nil, &out)
	return out, err
}

func (c *Client) GetReservation(ctx context.Context, id string) (models.Reservation, error) {
	var out models.Reservation
	err := c.do(ctx, http.MethodGet, "/admin/reservations/"+url.PathEscape(id), nil, nil, &out)
	return out, err
}

func (c *Client) CreateReservation(ctx context.Context, r models.Reservation) (models.Reservation, error) {
	var out models.Reservation
	err := c.do(ctx, http.MethodPost, "/admin/reservations", nil, r, &out)
	return out, err
}

// StatusChange is the body of a status update. Version is the version the
// caller last saw; the server refuses the write with 409 if it moved on.
type StatusChange struct {
	Status  string  `json:"status"`
	Notes   *string `json:"notes,omitempty"`
	Version int64   `json:"version,omitempty"`
}

func (c *Client) UpdateReservationStatus(ctx context.Context, id string, change StatusChange) (models.Reservation, error) {
	var out models.Reservation
	err := c.do(ctx, http.MethodPut, "/admin/reservations/"+url.PathEscape(id)+"/status", nil, change, &out)
	return out, err
}

func (c *Client) AssignTable(ctx context.Context, reservationID, tableID string) (models.TableAssignment, error) {
	var out models.TableAssignment
	in := map[string]string{"table_id": tableID}
	err := c.do(ctx, http.MethodPost, "/admin/reservations/"+url.PathEscape(reservationID)+"/assign", nil, in, &out)
	return out, err
}

func (c *Client) FreeTable(ctx context.Context, reservationID string) (models.TableAssignment, error) {
	var out models.TableAssignment
	err := c.do(ctx, http.MethodPost, "/admin/reservations/"+url.PathEscape(reservationID)+"/free", nil, nil, &out)
	return out, err
}

func (c *Client) CheckAvailability(ctx context.Context, req rules.Request) (rules.Verdict, error) {
	var out rules.Verdict
	err := c.do(ctx, http.MethodPost, "/admin/availability", nil, req, &out)
	return out, err
}

func (c *Client) ListTables(ctx context.Context) ([]models.Table, error) {
	var out []models.Table
	err := c.do(ctx, http.MethodGet, "/admin/tables", nil, nil, &out)
	return out, err
}

func (c *Client) GetTable(ctx context.Context, id string) (models.Table, error) {
	var out models.Table
	err := c.do(ctx, http.MethodGet, "/admin/tables/"+url.PathEscape(id), nil, nil, &out)
	return out, err
}

func (c *Client) UpdateTableStatus(ctx context.Context, id string, change StatusChange) (models.Table, error) {
	var out models.Table
	err := c.do(ctx, http.MethodPut, "/admin/tables/"+url.PathEscape(id), nil, change, &out)
	return out, err
}

func (c *Client) ListWaitlist(ctx context.Context) ([]models.WaitlistEntry, error) {
	var out []models.WaitlistEntry
	err := c.do(ctx, http.MethodGet, "/admin/waitlist", nil, nil, &out)
	return out, err
}
