package rules

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_IsValid(t *testing.T) {
	rs := Default()
	require.NoError(t, rs.Validate())

	assert.Empty(t, rs.TurnsFor(time.Monday))
	assert.Len(t, rs.TurnsFor(time.Tuesday), 1)
	assert.Len(t, rs.TurnsFor(time.Friday), 2)
	assert.Len(t, rs.TurnsFor(time.Saturday), 2)
	assert.Equal(t, "Europe/Madrid", rs.Location().String())
}

func TestValidate_RejectsBrokenSchedules(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(rs *RuleSet)
	}{
		{"open day without turn", func(rs *RuleSet) { rs.Turns[0].Weekdays = rs.Turns[0].Weekdays[1:] }},
		{"weekend with one turn", func(rs *RuleSet) { rs.Turns = rs.Turns[:1] }},
		{"unknown large group turn", func(rs *RuleSet) { rs.LargeGroupTurns = []string{"turno_9"} }},
		{"bad start", func(rs *RuleSet) { rs.Turns[1].Start = "11pm" }},
		{"bad holiday", func(rs *RuleSet) { rs.Holidays = []string{"8 Dec"} }},
		{"bad timezone", func(rs *RuleSet) { rs.Timezone = "Mars/Olympus" }},
		{"zero lead time", func(rs *RuleSet) { rs.LeadTimes = []LeadTime{{Tag: "x"}} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rs := Default()
			tt.mutate(rs)
			assert.Error(t, rs.Validate())
		})
	}
}

func TestLoadFile(t *testing.T) {
	rs, err := LoadFile(filepath.Join("testdata", "rules.yaml"))
	require.NoError(t, err)

	assert.Equal(t, Weekday(time.Monday), rs.ClosedWeekday)
	assert.Equal(t, 8, rs.LargeGroupThreshold)
	assert.Equal(t, []string{"turno_1"}, rs.LargeGroupTurns, "missing keys keep defaults")
	assert.Len(t, rs.LeadTimes, 2)
	assert.Equal(t, "22:30", rs.Turns[1].Start)

	now := time.Date(2025, 12, 1, 12, 0, 0, 0, rs.Location())
	v := Evaluate(rs, Request{Date: "2025-12-09", PartySize: 2, TurnID: "turno_1", CurrentInstant: now})
	assert.True(t, v.HasError(ReasonClosedAfterHoliday))
}

func TestParse_UnknownWeekday(t *testing.T) {
	_, err := Parse([]byte("closed_weekday: someday\n"))
	assert.Error(t, err)
}
