package trigger

import (
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cheri-hub/sicar-api/internal/apperror"
)

func TestFromDocument(t *testing.T) {
	tests := []struct {
		name string
		doc  Document
		want Spec
	}{
		{
			name: "daily",
			doc:  Document{ScheduleType: "daily", Hour: intPtr(2), Minute: intPtr(30)},
			want: Daily{Hour: 2, Minute: 30},
		},
		{
			name: "daily defaults",
			doc:  Document{ScheduleType: "DAILY"},
			want: Daily{},
		},
		{
			name: "weekly",
			doc:  Document{ScheduleType: "weekly", DayOfWeek: "fri", Hour: intPtr(8)},
			want: Weekly{Day: time.Friday, Hour: 8},
		},
		{
			name: "interval minutes only",
			doc:  Document{ScheduleType: "interval", IntervalMinutes: intPtr(45)},
			want: Interval{Every: 45 * time.Minute},
		},
		{
			name: "interval hours and minutes",
			doc:  Document{ScheduleType: "interval", IntervalHours: intPtr(1), IntervalMinutes: intPtr(30)},
			want: Interval{Every: 90 * time.Minute},
		},
		{
			name: "interval ignores stale day",
			doc:  Document{ScheduleType: "interval", IntervalHours: intPtr(6), DayOfWeek: "mon", Hour: intPtr(3)},
			want: Interval{Every: 6 * time.Hour},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := FromDocument(tt.doc)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFromDocumentRejects(t *testing.T) {
	tests := []struct {
		name string
		doc  Document
	}{
		{"unknown type", Document{ScheduleType: "monthly"}},
		{"hour too large", Document{ScheduleType: "daily", Hour: intPtr(25)}},
		{"minute too large", Document{ScheduleType: "daily", Minute: intPtr(60)}},
		{"weekly without day", Document{ScheduleType: "weekly", Hour: intPtr(3)}},
		{"weekly bad day", Document{ScheduleType: "weekly", DayOfWeek: "xyz"}},
		{"interval zero", Document{ScheduleType: "interval", IntervalHours: intPtr(0), IntervalMinutes: intPtr(0)}},
		{"interval empty", Document{ScheduleType: "interval"}},
		{"interval negative", Document{ScheduleType: "interval", IntervalHours: intPtr(2), IntervalMinutes: intPtr(-5)}},
		{"interval hours overflow", Document{ScheduleType: "interval", IntervalHours: intPtr(5124096)}},
		{"interval minutes overflow", Document{ScheduleType: "interval", IntervalMinutes: intPtr(1 << 30)}},
		{"interval over a year", Document{ScheduleType: "interval", IntervalHours: intPtr(366 * 24), IntervalMinutes: intPtr(1)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := FromDocument(tt.doc)
			require.Error(t, err)
			assert.True(t, errors.Is(err, apperror.ErrValidation))
		})
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	for _, spec := range []Spec{
		Daily{Hour: 2},
		Weekly{Day: time.Saturday, Hour: 23, Minute: 59},
		Interval{Every: 2*time.Hour + 15*time.Minute},
	} {
		raw, err := Marshal(spec)
		require.NoError(t, err)

		back, err := Unmarshal(raw)
		require.NoError(t, err)
		assert.Equal(t, spec, back)
	}
}

func TestMarshalOmitsOtherVariants(t *testing.T) {
	raw, err := Marshal(Interval{Every: 6 * time.Hour})
	require.NoError(t, err)
	assert.JSONEq(t, `{"schedule_type":"interval","interval_hours":6,"interval_minutes":0}`, raw)
}
