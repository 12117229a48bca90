package dstreams

import (
	"testing"

	"github.com/alecthomas/assert/v2"
)

func TestTimeFloor(t *testing.T) {
	tests := []struct {
		name string
		in   Time
		step Duration
		want Time
	}{
		{"aligned", Time(2000), Seconds(1), Time(2000)},
		{"rounds down", Time(2999), Seconds(1), Time(2000)},
		{"zero", Time(0), Seconds(1), Time(0)},
		{"just above zero", Time(999), Seconds(1), Time(0)},
		{"negative rounds towards minus infinity", Time(-1), Seconds(1), Time(-1000)},
		{"negative aligned", Time(-2000), Seconds(1), Time(-2000)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.in.Floor(tt.step))
		})
	}
}

func TestTimeIsMultipleOf(t *testing.T) {
	assert.True(t, Time(3000).IsMultipleOf(Seconds(1)))
	assert.True(t, Time(0).IsMultipleOf(Seconds(1)))
	assert.False(t, Time(3500).IsMultipleOf(Seconds(1)))
	assert.True(t, Time(-2000).IsMultipleOf(Seconds(1)))
}

func TestDurationIsMultipleOf(t *testing.T) {
	assert.True(t, Seconds(4).IsMultipleOf(Seconds(2)))
	assert.False(t, Seconds(3).IsMultipleOf(Seconds(2)))
	assert.True(t, Duration(0).IsMultipleOf(Seconds(2)))
}

func TestTimeRange(t *testing.T) {
	t.Run("inclusive ascending", func(t *testing.T) {
		got := Time(1000).Range(Time(3000), Seconds(1))
		assert.Equal(t, []Time{1000, 2000, 3000}, got)
	})

	t.Run("single instant", func(t *testing.T) {
		got := Time(1000).Range(Time(1000), Seconds(1))
		assert.Equal(t, []Time{1000}, got)
	})

	t.Run("empty when end precedes start", func(t *testing.T) {
		assert.Zero(t, len(Time(2000).Range(Time(1000), Seconds(1))))
	})
}

func TestNonPositiveDurationsRejected(t *testing.T) {
	assert.Panics(t, func() { Time(1000).IsMultipleOf(0) })
	assert.Panics(t, func() { Time(1000).Floor(Duration(-5)) })
	assert.Panics(t, func() { Time(0).Range(Time(1000), 0) })
	assert.Panics(t, func() { Seconds(1).IsMultipleOf(0) })
}

func TestTimeArithmetic(t *testing.T) {
	assert.Equal(t, Seconds(2), Time(3000).Sub(Time(1000)))
	assert.Equal(t, Time(4000), Time(3000).Add(Seconds(1)))
	assert.Equal(t, Time(2000), Time(3000).Add(-Seconds(1)))
	assert.True(t, Time(1000).Before(Time(2000)))
	assert.True(t, Time(2000).After(Time(1000)))
}
