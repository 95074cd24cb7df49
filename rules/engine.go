package rules

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/yeremiapane/restaurant-reservations/models"
)

// Reasons carried by findings.
const (
	ReasonInvalidDate          = "invalid_date"
	ReasonInvalidPartySize     = "invalid_party_size"
	ReasonClosedMonday         = "closed_monday"
	ReasonClosedAfterHoliday   = "closed_tuesday_after_holiday"
	ReasonTurnNotAvailable     = "turn_not_available"
	ReasonLargeGroupRestricted = "large_group_turn_restriction"
	ReasonInsufficientAdvance  = "insufficient_advance_time"
	ReasonResourceExhausted    = "resource_exhausted"
)

// Request is one booking attempt. Date is YYYY-MM-DD and Time is HH:MM in the
// restaurant timezone; an empty Time means the start of the requested turn.
// ResourceUsage maps a ResourceLimit name to how many are already committed.
type Request struct {
	Date            string         `json:"date"`
	Time            string         `json:"time,omitempty"`
	PartySize       int            `json:"party_size"`
	TurnID          string         `json:"turn_id"`
	SpecialRequests []string       `json:"special_requests,omitempty"`
	CurrentInstant  time.Time      `json:"current_instant"`
	ResourceUsage   map[string]int `json:"resource_usage,omitempty"`
}

// Finding is a single rule outcome. Only the fields relevant to Reason are set.
type Finding struct {
	Reason        string `json:"reason"`
	Message       string `json:"message,omitempty"`
	Tag           string `json:"tag,omitempty"`
	Resource      string `json:"resource,omitempty"`
	RequiredHours int    `json:"required_hours,omitempty"`
	CurrentHours  *int   `json:"current_hours,omitempty"`
	Limit         int    `json:"limit,omitempty"`
	InUse         int    `json:"in_use,omitempty"`
}

// Metadata echoes the normalized request and what the rules computed from it.
type Metadata struct {
	Date            string   `json:"date"`
	Time            string   `json:"time,omitempty"`
	Weekday         string   `json:"weekday,omitempty"`
	PartySize       int      `json:"party_size"`
	TurnID          string   `json:"turn_id"`
	SpecialRequests []string `json:"special_requests"`
	ValidTurns      []string `json:"valid_turns"`
	HighDemand      bool     `json:"high_demand"`
	Closed          bool     `json:"closed"`
}

type Verdict struct {
	Admissible bool      `json:"admissible"`
	Errors     []Finding `json:"errors"`
	Warnings   []Finding `json:"warnings"`
	Metadata   Metadata  `json:"metadata"`
}

// HasError reports whether the verdict carries a blocking finding with reason.
func (v Verdict) HasError(reason string) bool {
	for _, f := range v.Errors {
		if f.Reason == reason {
			return true
		}
	}
	return false
}

// HasWarning reports whether the verdict carries a warning with reason.
func (v Verdict) HasWarning(reason string) bool {
	for _, f := range v.Warnings {
		if f.Reason == reason {
			return true
		}
	}
	return false
}

// Summary joins all error messages, for logs and API error strings.
func (v Verdict) Summary() string {
	msgs := make([]string, 0, len(v.Errors))
	for _, f := range v.Errors {
		msgs = append(msgs, f.Message)
	}
	return strings.Join(msgs, "; ")
}

// evaluation carries what every rule needs about the requested day.
type evaluation struct {
	rs      *RuleSet
	req     Request
	day     time.Time
	tags    []string
	closed  bool
	verdict Verdict
}

func (e *evaluation) fail(f Finding) { e.verdict.Errors = append(e.verdict.Errors, f) }
func (e *evaluation) warn(f Finding) { e.verdict.Warnings = append(e.verdict.Warnings, f) }

// Evaluate runs every rule, in order, against req. It never stops at the first
// failure so the verdict lists everything the caller has to change.
func Evaluate(rs *RuleSet, req Request) Verdict {
	e := &evaluation{
		rs:   rs,
		req:  req,
		tags: NormalizeTags(req.SpecialRequests),
		verdict: Verdict{
			Errors:   []Finding{},
			Warnings: []Finding{},
		},
	}
	e.verdict.Metadata = Metadata{
		Date:            strings.TrimSpace(req.Date),
		Time:            strings.TrimSpace(req.Time),
		PartySize:       req.PartySize,
		TurnID:          req.TurnID,
		SpecialRequests: e.tags,
		ValidTurns:      []string{},
	}

	day, err := time.ParseInLocation(models.DateLayout, e.verdict.Metadata.Date, rs.Location())
	if err != nil {
		e.fail(Finding{
			Reason:  ReasonInvalidDate,
			Message: fmt.Sprintf("date %q is not a valid YYYY-MM-DD date", req.Date),
		})
	}
	if req.PartySize <= 0 {
		e.fail(Finding{
			Reason:  ReasonInvalidPartySize,
			Message: fmt.Sprintf("party size must be at least 1, got %d", req.PartySize),
			Limit:   1,
		})
	}
	if len(e.verdict.Errors) > 0 {
		return e.verdict
	}
	e.day = day
	e.verdict.Metadata.Weekday = day.Weekday().String()
	e.verdict.Metadata.HighDemand = rs.IsHighDemand(day.Weekday())

	e.checkClosedDay()
	e.checkPostHolidayClosure()
	e.checkTurn()
	e.checkLargeGroup()
	e.checkLeadTimes()
	e.checkResources()

	e.verdict.Metadata.Closed = e.closed
	e.verdict.Admissible = len(e.verdict.Errors) == 0
	return e.verdict
}

func (e *evaluation) checkClosedDay() {
	if e.day.Weekday() != time.Weekday(e.rs.ClosedWeekday) {
		return
	}
	e.closed = true
	e.fail(Finding{
		Reason:  ReasonClosedMonday,
		Message: fmt.Sprintf("the restaurant is closed every %s", e.day.Weekday()),
	})
}

func (e *evaluation) checkPostHolidayClosure() {
	dayAfterClosed := (time.Weekday(e.rs.ClosedWeekday) + 1) % 7
	if e.day.Weekday() != dayAfterClosed {
		return
	}
	prev := e.day.AddDate(0, 0, -1).Format(models.DateLayout)
	if !e.rs.isHoliday(prev) {
		return
	}
	e.closed = true
	e.fail(Finding{
		Reason:  ReasonClosedAfterHoliday,
		Message: fmt.Sprintf("closed on %s because %s was a holiday", e.day.Weekday(), prev),
	})
}

// checkTurn records the turns offered that day. A closed day offers none and
// the closure finding already explains why the turn cannot be booked.
func (e *evaluation) checkTurn() {
	if e.closed {
		return
	}
	for _, t := range e.rs.TurnsFor(e.day.Weekday()) {
		e.verdict.Metadata.ValidTurns = append(e.verdict.Metadata.ValidTurns, t.ID)
	}
	if contains(e.verdict.Metadata.ValidTurns, e.req.TurnID) {
		return
	}
	e.fail(Finding{
		Reason:  ReasonTurnNotAvailable,
		Message: fmt.Sprintf("turn %q is not offered on %s", e.req.TurnID, e.day.Weekday()),
	})
}

func (e *evaluation) checkLargeGroup() {
	if e.closed || e.req.PartySize < e.rs.LargeGroupThreshold {
		return
	}
	if !e.rs.IsHighDemand(e.day.Weekday()) {
		return
	}
	if contains(e.rs.LargeGroupTurns, e.req.TurnID) {
		return
	}
	e.fail(Finding{
		Reason: ReasonLargeGroupRestricted,
		Message: fmt.Sprintf("groups of %d or more can only book %s on %s",
			e.rs.LargeGroupThreshold, strings.Join(e.rs.LargeGroupTurns, ", "), e.day.Weekday()),
	})
}

// checkLeadTimes only warns: the kitchen may still manage a late request.
func (e *evaluation) checkLeadTimes() {
	if len(e.rs.LeadTimes) == 0 || len(e.tags) == 0 {
		return
	}
	at := e.serviceInstant()
	hours := at.Sub(e.req.CurrentInstant).Hours()
	for _, tag := range e.tags {
		for _, lt := range e.rs.LeadTimes {
			if lt.Tag != tag || hours >= float64(lt.Hours) {
				continue
			}
			current := int(math.Floor(hours))
			e.warn(Finding{
				Reason:        ReasonInsufficientAdvance,
				Message:       fmt.Sprintf("%s needs %dh notice, only %dh left", tag, lt.Hours, current),
				Tag:           tag,
				RequiredHours: lt.Hours,
				CurrentHours:  &current,
			})
		}
	}
}

func (e *evaluation) checkResources() {
	if e.closed {
		return
	}
	for _, r := range e.rs.Resources {
		if !contains(e.tags, r.Tag) {
			continue
		}
		used := e.req.ResourceUsage[r.Name]
		if used < r.Max {
			continue
		}
		e.fail(Finding{
			Reason:   ReasonResourceExhausted,
			Message:  fmt.Sprintf("all %d %s are already booked", r.Max, r.Name),
			Tag:      r.Tag,
			Resource: r.Name,
			Limit:    r.Max,
			InUse:    used,
		})
	}
}

// serviceInstant combines the requested date with the explicit time, or the
// turn start when no time was given.
func (e *evaluation) serviceInstant() time.Time {
	clock := e.verdict.Metadata.Time
	if clock == "" {
		if t, ok := e.rs.Turn(e.req.TurnID); ok {
			clock = t.Start
		}
	}
	hm, err := time.Parse(models.TimeLayout, clock)
	if err != nil {
		return e.day
	}
	return time.Date(e.day.Year(), e.day.Month(), e.day.Day(), hm.Hour(), hm.Minute(), 0, 0, e.day.Location())
}

// NormalizeTags lowercases, trims and de-duplicates special request tags,
// keeping the first occurrence order.
func NormalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" || contains(out, t) {
			continue
		}
		out = append(out, t)
	}
	return out
}

// ResourceUsageFor counts, per limited resource, the active reservations for
// the same date and turn that asked for it. exceptID skips the reservation
// being re-evaluated.
func ResourceUsageFor(rs *RuleSet, reservations []models.Reservation, date, turnID, exceptID string) map[string]int {
	usage := make(map[string]int, len(rs.Resources))
	for _, r := range reservations {
		if r.ID == exceptID || r.Date != date || r.TurnID != turnID || !r.Status.Active() {
			continue
		}
		tags := NormalizeTags(r.SpecialRequests)
		for _, lim := range rs.Resources {
			if contains(tags, lim.Tag) {
				usage[lim.Name]++
			}
		}
	}
	return usage
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
