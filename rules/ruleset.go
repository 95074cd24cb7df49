// Package rules decides whether a reservation request is admissible for a
// date, turn, party size and set of special requests. Everything here is
// pure: a RuleSet is static data and Evaluate reads no clock and does no I/O.
package rules

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
	_ "time/tzdata"

	"gopkg.in/yaml.v3"
)

// Turn is a named service slot offered on some weekdays.
type Turn struct {
	ID       string    `yaml:"id" json:"id"`
	Start    string    `yaml:"start" json:"start"`
	Weekdays []Weekday `yaml:"weekdays" json:"weekdays"`
}

func (t Turn) offeredOn(day time.Weekday) bool {
	for _, d := range t.Weekdays {
		if time.Weekday(d) == day {
			return true
		}
	}
	return false
}

// LeadTime is the minimum notice a special request needs, in hours.
type LeadTime struct {
	Tag   string `yaml:"tag" json:"tag"`
	Hours int    `yaml:"hours" json:"hours"`
}

// ResourceLimit bounds a shared amenity (e.g. high chairs) requested by Tag.
type ResourceLimit struct {
	Name string `yaml:"name" json:"name"`
	Tag  string `yaml:"tag" json:"tag"`
	Max  int    `yaml:"max" json:"max"`
}

type RuleSet struct {
	Timezone            string          `yaml:"timezone"`
	ClosedWeekday       Weekday         `yaml:"closed_weekday"`
	HighDemandWeekdays  []Weekday       `yaml:"high_demand_weekdays"`
	Turns               []Turn          `yaml:"turns"`
	LargeGroupThreshold int             `yaml:"large_group_threshold"`
	LargeGroupTurns     []string        `yaml:"large_group_turns"`
	LeadTimes           []LeadTime      `yaml:"lead_times"`
	Resources           []ResourceLimit `yaml:"resources"`
	Holidays            []string        `yaml:"holidays"`

	loc *time.Location
}

// Default returns the house rules: closed on Mondays, two turns on Friday
// and Saturday, large groups only in the first weekend turn.
func Default() *RuleSet {
	openDays := []Weekday{
		Weekday(time.Tuesday), Weekday(time.Wednesday), Weekday(time.Thursday),
		Weekday(time.Friday), Weekday(time.Saturday), Weekday(time.Sunday),
	}
	rs := &RuleSet{
		Timezone:           "Europe/Madrid",
		ClosedWeekday:      Weekday(time.Monday),
		HighDemandWeekdays: []Weekday{Weekday(time.Friday), Weekday(time.Saturday)},
		Turns: []Turn{
			{ID: "turno_1", Start: "21:00", Weekdays: openDays},
			{ID: "turno_2", Start: "23:00", Weekdays: []Weekday{Weekday(time.Friday), Weekday(time.Saturday)}},
		},
		LargeGroupThreshold: 7,
		LargeGroupTurns:     []string{"turno_1"},
		LeadTimes:           []LeadTime{{Tag: "cachopo_sin_gluten", Hours: 24}},
		Resources:           []ResourceLimit{{Name: "tronas", Tag: "trona", Max: 2}},
	}
	rs.loc, _ = time.LoadLocation(rs.Timezone)
	return rs
}

// LoadFile reads a YAML rule file. Keys missing from the file keep the
// values from Default.
func LoadFile(path string) (*RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("rules: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes YAML rules over the defaults and validates the result.
func Parse(data []byte) (*RuleSet, error) {
	rs := Default()
	if err := yaml.Unmarshal(data, rs); err != nil {
		return nil, fmt.Errorf("rules: decode: %w", err)
	}
	if err := rs.Validate(); err != nil {
		return nil, err
	}
	return rs, nil
}

// Validate checks the turn schedule invariants and resolves the timezone.
func (rs *RuleSet) Validate() error {
	var errs []error

	loc, err := time.LoadLocation(rs.Timezone)
	if err != nil {
		errs = append(errs, fmt.Errorf("timezone %q: %w", rs.Timezone, err))
	} else {
		rs.loc = loc
	}

	for day := time.Sunday; day <= time.Saturday; day++ {
		if day == time.Weekday(rs.ClosedWeekday) {
			continue
		}
		n := len(rs.TurnsFor(day))
		if n == 0 {
			errs = append(errs, fmt.Errorf("%s is open but offers no turn", day))
		}
		if rs.IsHighDemand(day) && n != 2 {
			errs = append(errs, fmt.Errorf("high-demand %s must offer two turns, has %d", day, n))
		}
	}

	seen := make(map[string]bool, len(rs.Turns))
	for _, t := range rs.Turns {
		if t.ID == "" {
			errs = append(errs, errors.New("turn without id"))
			continue
		}
		if seen[t.ID] {
			errs = append(errs, fmt.Errorf("duplicate turn %q", t.ID))
		}
		seen[t.ID] = true
		if _, err := time.Parse("15:04", t.Start); err != nil {
			errs = append(errs, fmt.Errorf("turn %q start %q is not HH:MM", t.ID, t.Start))
		}
	}
	for _, id := range rs.LargeGroupTurns {
		if !seen[id] {
			errs = append(errs, fmt.Errorf("large group turn %q is not a configured turn", id))
		}
	}
	if rs.LargeGroupThreshold < 1 {
		errs = append(errs, fmt.Errorf("large group threshold must be positive, got %d", rs.LargeGroupThreshold))
	}
	for _, lt := range rs.LeadTimes {
		if lt.Tag == "" || lt.Hours <= 0 {
			errs = append(errs, fmt.Errorf("lead time %+v needs a tag and positive hours", lt))
		}
	}
	for _, r := range rs.Resources {
		if r.Name == "" || r.Tag == "" || r.Max < 0 {
			errs = append(errs, fmt.Errorf("resource %+v needs a name, a tag and a non-negative max", r))
		}
	}
	for _, h := range rs.Holidays {
		if _, err := time.Parse("2006-01-02", h); err != nil {
			errs = append(errs, fmt.Errorf("holiday %q is not YYYY-MM-DD", h))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("rules: invalid rule set: %w", errors.Join(errs...))
	}
	return nil
}

// Location is the restaurant timezone, falling back to UTC when the name
// cannot be resolved.
func (rs *RuleSet) Location() *time.Location {
	if rs.loc != nil {
		return rs.loc
	}
	if loc, err := time.LoadLocation(rs.Timezone); err == nil {
		return loc
	}
	return time.UTC
}

// TurnsFor lists the turns offered on day in configuration order.
func (rs *RuleSet) TurnsFor(day time.Weekday) []Turn {
	if day == time.Weekday(rs.ClosedWeekday) {
		return nil
	}
	var out []Turn
	for _, t := range rs.Turns {
		if t.offeredOn(day) {
			out = append(out, t)
		}
	}
	return out
}

// Turn looks a turn up by id regardless of weekday.
func (rs *RuleSet) Turn(id string) (Turn, bool) {
	for _, t := range rs.Turns {
		if t.ID == id {
			return t, true
		}
	}
	return Turn{}, false
}

func (rs *RuleSet) IsHighDemand(day time.Weekday) bool {
	for _, d := range rs.HighDemandWeekdays {
		if time.Weekday(d) == day {
			return true
		}
	}
	return false
}

func (rs *RuleSet) isHoliday(date string) bool {
	for _, h := range rs.Holidays {
		if h == date {
			return true
		}
	}
	return false
}

// Weekday is a time.Weekday that reads and writes English day names in YAML.
type Weekday time.Weekday

func (d Weekday) String() string { return time.Weekday(d).String() }

func (d Weekday) MarshalYAML() (interface{}, error) {
	return strings.ToLower(d.String()), nil
}

func (d *Weekday) UnmarshalYAML(value *yaml.Node) error {
	var name string
	if err := value.Decode(&name); err != nil {
		return err
	}
	for day := time.Sunday; day <= time.Saturday; day++ {
		if strings.EqualFold(day.String(), name) || strings.EqualFold(day.String()[:3], name) {
			*d = Weekday(day)
			return nil
		}
	}
	return fmt.Errorf("unknown weekday %q", name)
}
