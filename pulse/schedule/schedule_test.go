package schedule

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/almasync/errors"
	"github.com/teranos/almasync/transfer"
)

func TestDataAcceptsQuotedScorecard(t *testing.T) {
	var d Data
	err := json.Unmarshal([]byte(`{"scorecard":"42","periods":["202401"],"note":"from form","retries":2}`), &d)
	require.NoError(t, err)

	assert.Equal(t, 42, d.Scorecard)
	assert.Equal(t, []string{"202401"}, d.Periods)
	assert.Equal(t, "from form", d.Extra["note"])
	assert.EqualValues(t, 2, d.Extra["retries"])
}

func TestDataRejectsNonNumericScorecard(t *testing.T) {
	var d Data
	err := json.Unmarshal([]byte(`{"scorecard":"forty"}`), &d)
	assert.Error(t, err)
}

func TestDataNullIsEmpty(t *testing.T) {
	var d Data
	require.NoError(t, json.Unmarshal([]byte(`null`), &d))
	assert.Equal(t, Data{}, d)
}

func TestDataMarshalFlattensExtra(t *testing.T) {
	d := Data{Scorecard: 7, RunFor: transfer.RunForPrevious, Extra: map[string]any{"note": "x"}}
	b, err := json.Marshal(d)
	require.NoError(t, err)
	assert.JSONEq(t, `{"scorecard":7,"runFor":"previous","note":"x"}`, string(b))
}

func TestSyncParamsDataOverridesWin(t *testing.T) {
	s := &Schedule{
		ID:             "s1",
		DHIS2Instance:  "play",
		AlmaInstance:   "prod",
		Scorecard:      1,
		IndicatorGroup: "grp",
		PeriodType:     transfer.PeriodMonth,
		Periods:        []string{"202401"},
		Data: Data{
			Scorecard:  9,
			PeriodType: transfer.PeriodQuarter,
			Periods:    []string{"2024Q1"},
			Extra:      map[string]any{"dryRun": true},
		},
	}

	p := s.SyncParams()
	assert.Equal(t, "s1", p.ScheduleID)
	assert.Equal(t, "play", p.DHIS2Instance)
	assert.Equal(t, 9, p.Scorecard)
	assert.Equal(t, transfer.PeriodQuarter, p.PeriodType)
	assert.Equal(t, []string{"2024Q1"}, p.Periods)
	assert.Equal(t, transfer.RunForCurrent, p.RunFor)
	assert.Equal(t, true, p.Extra["dryRun"])

	// Payload must not alias the schedule
	p.Periods[0] = "changed"
	assert.Equal(t, "2024Q1", s.Data.Periods[0])
}

func TestScheduleValidate(t *testing.T) {
	valid := func() *Schedule {
		return &Schedule{Name: "nightly", Type: TypeRecurring, CronExpression: "0 0 * * *"}
	}

	tests := []struct {
		name   string
		mutate func(s *Schedule)
		ok     bool
	}{
		{"valid recurring", func(s *Schedule) {}, true},
		{"immediate without cron", func(s *Schedule) { s.Type = TypeImmediate; s.CronExpression = "" }, true},
		{"missing name", func(s *Schedule) { s.Name = "  " }, false},
		{"unknown type", func(s *Schedule) { s.Type = "hourly" }, false},
		{"recurring without cron", func(s *Schedule) { s.CronExpression = "" }, false},
		{"bad cron", func(s *Schedule) { s.CronExpression = "every night" }, false},
		{"bad period type", func(s *Schedule) { s.PeriodType = "decade" }, false},
		{"bad runFor", func(s *Schedule) { s.RunFor = "next" }, false},
		{"negative retries", func(s *Schedule) { s.MaxRetries = -1 }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := valid()
			tt.mutate(s)
			err := s.Validate()
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.IsInvalidRequestError(err), "got %v", err)
		})
	}
}

func TestPatchApply(t *testing.T) {
	p := &Patch{}
	assert.True(t, p.IsEmpty())

	name := "renamed"
	card := 12
	periods := []string{"202402"}
	p = &Patch{Name: &name, Scorecard: &card, Periods: &periods}
	assert.False(t, p.IsEmpty())

	s := &Schedule{Name: "old", Scorecard: 1, DHIS2Instance: "play"}
	p.Apply(s)
	assert.Equal(t, "renamed", s.Name)
	assert.Equal(t, 12, s.Scorecard)
	assert.Equal(t, []string{"202402"}, s.Periods)
	assert.Equal(t, "play", s.DHIS2Instance)
}

func TestIsRecurring(t *testing.T) {
	assert.True(t, (&Schedule{Type: TypeRecurring, CronExpression: "@daily"}).IsRecurring())
	assert.False(t, (&Schedule{Type: TypeRecurring}).IsRecurring())
	assert.False(t, (&Schedule{Type: TypeOneTime, CronExpression: "@daily"}).IsRecurring())
}
