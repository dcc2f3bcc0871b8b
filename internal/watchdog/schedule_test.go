package watchdog

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func at(hhmm string) time.Time {
	t, err := time.Parse("2006-01-02 15:04", "2026-03-02 "+hhmm)
	if err != nil {
		panic(err)
	}
	return t
}

func TestIsNight(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		start, end string
		at         string
		want       bool
	}{
		{"wrap inside late", "22:00", "06:00", "23:00", true},
		{"wrap inside early", "22:00", "06:00", "03:00", true},
		{"wrap outside", "22:00", "06:00", "07:00", false},
		{"wrap start inclusive", "22:00", "06:00", "22:00", true},
		{"wrap end exclusive", "22:00", "06:00", "06:00", false},
		{"wrap just before end", "22:00", "06:00", "05:59", true},
		{"wrap just before start", "22:00", "06:00", "21:59", false},
		{"plain inside", "01:00", "05:00", "03:00", true},
		{"plain after", "01:00", "05:00", "06:00", false},
		{"plain start inclusive", "01:00", "05:00", "01:00", true},
		{"plain end exclusive", "01:00", "05:00", "05:00", false},
		{"plain before", "01:00", "05:00", "00:30", false},
		{"degenerate at bound", "08:00", "08:00", "08:00", false},
		{"degenerate elsewhere", "08:00", "08:00", "20:00", false},
		{"degenerate midnight", "00:00", "00:00", "00:00", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s, err := ParseSchedule(tt.start, tt.end, "UTC")
			require.NoError(t, err)
			assert.Equal(t, tt.want, s.IsNight(at(tt.at)))
		})
	}
}

func TestIsNightUsesLocation(t *testing.T) {
	s, err := ParseSchedule("22:00", "06:00", "Asia/Tokyo") // UTC+9, no DST
	require.NoError(t, err)
	// 14:00 UTC is 23:00 in Tokyo.
	assert.True(t, s.IsNight(at("14:00")))
	// 22:00 UTC is 07:00 in Tokyo.
	assert.False(t, s.IsNight(at("22:00")))
}

func TestIsNightSecondsResolution(t *testing.T) {
	s, err := ParseSchedule("22:00", "06:00", "UTC")
	require.NoError(t, err)
	assert.True(t, s.IsNight(at("05:59").Add(59*time.Second)))
	assert.False(t, s.IsNight(at("21:59").Add(59*time.Second)))
}

func TestParseScheduleFallbacks(t *testing.T) {
	s, err := ParseSchedule("22:00", "06:00", "Nowhere/Land")
	require.Error(t, err)
	assert.Equal(t, time.UTC, s.Location)
	assert.NoError(t, s.Err)
	assert.True(t, s.IsNight(at("23:00")))

	s, err = ParseSchedule("nope", "06:00", "UTC")
	require.Error(t, err)
	require.Error(t, s.Err)
	for _, hhmm := range []string{"00:00", "03:00", "12:00", "23:59"} {
		assert.False(t, s.IsNight(at(hhmm)), hhmm)
	}
	assert.Contains(t, s.String(), "invalid")
}

func TestThresholdAndPeriod(t *testing.T) {
	s, err := ParseSchedule("22:00", "06:00", "UTC")
	require.NoError(t, err)
	u := Unit{DayThreshold: 5 * time.Minute, NightThreshold: 2 * time.Minute}

	assert.Equal(t, 5*time.Minute, s.Threshold(u, at("12:00")))
	assert.Equal(t, PeriodDay, s.Period(at("12:00")))
	assert.Equal(t, 2*time.Minute, s.Threshold(u, at("23:00")))
	assert.Equal(t, PeriodNight, s.Period(at("23:00")))
	assert.Equal(t, "22:00-06:00 UTC", s.String())
}

func TestHumanDuration(t *testing.T) {
	assert.Equal(t, "45s", HumanDuration(45*time.Second))
	assert.Equal(t, "12m", HumanDuration(12*time.Minute+10*time.Second))
	assert.Equal(t, "1h05m", HumanDuration(65*time.Minute))
}
