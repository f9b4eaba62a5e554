package config

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validSchedule = `{
  "workflow": "etl",
  "start_date": "2012-01-01",
  "time": "00.00.01.000",
  "recurrence": "1d",
  "overrun_policy": "skip",
  "emails": ["oncall@example.com"]
}`

const validJob = `{
  "workflow": "etl",
  "job": "extract",
  "is_condition": false,
  "template": "shell",
  "template_params": {"command": "true"},
  "parents": [],
  "emails": [],
  "max_attempts": 3,
  "retry_delay_sec": 60,
  "priority": 2.5
}`

func TestScheduleFromJSON(t *testing.T) {
	c, err := ScheduleFromJSON([]byte(validSchedule))
	require.NoError(t, err)
	assert.Equal(t, "etl", c.Workflow)
	assert.Equal(t, "skip", c.OverrunPolicy)
	assert.Equal(t, []string{"oncall@example.com"}, c.Emails)
}

func TestScheduleRoundTrip(t *testing.T) {
	c, err := ScheduleFromJSON([]byte(validSchedule))
	require.NoError(t, err)

	data, err := c.ToJSON()
	require.NoError(t, err)

	again, err := ScheduleFromJSON(data)
	require.NoError(t, err)
	assert.Equal(t, c, again)
}

func TestScheduleMissingRequiredField(t *testing.T) {
	var doc map[string]json.RawMessage
	require.NoError(t, json.Unmarshal([]byte(validSchedule), &doc))
	delete(doc, "recurrence")
	data, err := json.Marshal(doc)
	require.NoError(t, err)

	_, err = ScheduleFromJSON(data)
	require.Error(t, err)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Contains(t, ve.Error(), "recurrence")
}

func TestScheduleUnknownFieldFatal(t *testing.T) {
	data := []byte(`{
  "workflow": "etl", "start_date": "", "time": "00.00.00.000",
  "recurrence": "1d", "overrun_policy": "skip", "emails": [],
  "surprise": true
}`)
	_, err := ScheduleFromJSON(data)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
}

func TestJobFromJSON(t *testing.T) {
	c, err := JobFromJSON([]byte(validJob))
	require.NoError(t, err)
	assert.Equal(t, "extract", c.Job)
	assert.Equal(t, 3, c.MaxAttempts)
	assert.Equal(t, 2.5, c.Priority)
}

func TestJobRoundTrip(t *testing.T) {
	c, err := JobFromJSON([]byte(validJob))
	require.NoError(t, err)

	data, err := c.ToJSON()
	require.NoError(t, err)

	again, err := JobFromJSON(data)
	require.NoError(t, err)
	assert.Equal(t, c, again)
}

func TestJobConditionMustHaveNoParents(t *testing.T) {
	data := []byte(`{
  "workflow": "etl", "job": "ready", "is_condition": true,
  "template": "path_exists", "template_params": {"path": "/tmp/ready"},
  "parents": ["extract"], "emails": [], "max_attempts": 1,
  "retry_delay_sec": 0, "priority": 1
}`)
	_, err := JobFromJSON(data)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Contains(t, ve.Error(), "parents")
}

func TestJobMissingRequiredField(t *testing.T) {
	var doc map[string]json.RawMessage
	require.NoError(t, json.Unmarshal([]byte(validJob), &doc))
	delete(doc, "template")
	data, err := json.Marshal(doc)
	require.NoError(t, err)

	_, err = JobFromJSON(data)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Contains(t, ve.Error(), "template")
}

func TestRecurrenceToSeconds(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"10M", 600},
		{"10H", 36000},
		{"10d", 864000},
		{"10w", 6048000},
		{"10Y", 0},
		{"garbage", 0},
		{"", 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, RecurrenceToSeconds(tt.in), tt.in)
	}
}

func TestScheduleToTimestamp(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	// Seconds and fraction are fixed to zero.
	ts, err := ScheduleToTimestamp("00.00.01.000", "2012-01-01", now)
	require.NoError(t, err)
	assert.Equal(t, int64(1325376000), ts)

	ts, err = ScheduleToTimestamp("13.30.45.999", "2012-01-01", now)
	require.NoError(t, err)
	assert.Equal(t, int64(1325376000+13*3600+30*60), ts)
}

func TestScheduleToTimestampDefaultsToToday(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 34, 56, 0, time.UTC)
	ts, err := ScheduleToTimestamp("02.15.00.000", "", now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 6, 1, 2, 15, 0, 0, time.UTC).Unix(), ts)
}

func TestParseTimeOfDayRejectsBadInput(t *testing.T) {
	for _, in := range []string{"25.00.00.000", "00.61.00.000", "noon", "12.00"} {
		_, _, err := ParseTimeOfDay(in)
		assert.Error(t, err, in)
	}
}
