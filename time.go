package dstreams

import "fmt"

// Time is an instant on the logical clock of a stream graph, expressed as
// milliseconds since the Unix epoch. All alignment checks in the library are
// built on this type, so arithmetic is kept integral on purpose - there is no
// sub-millisecond scheduling.
type Time int64

// Duration is a span between two instants, in milliseconds.
type Duration int64

// Interval is an inclusive [Begin, End] span, used to describe the range of
// parent batches covered by a window.
type Interval struct {
	Begin Time
	End   Time
}

// Milliseconds builds a Duration from a millisecond count.
func Milliseconds(ms int64) Duration { return Duration(ms) }

// Seconds builds a Duration from a second count.
func Seconds(s int64) Duration { return Duration(s * 1000) }

// Minutes builds a Duration from a minute count.
func Minutes(m int64) Duration { return Duration(m * 60 * 1000) }

func (t Time) Add(d Duration) Time { return t + Time(d) }

func (t Time) Sub(o Time) Duration { return Duration(t - o) }

func (t Time) Before(o Time) bool { return t < o }

func (t Time) After(o Time) bool { return t > o }

// IsMultipleOf reports whether the distance between t and the epoch is an
// exact multiple of d. Panics on a non-positive duration, as every caller in
// the library would otherwise silently produce a misaligned schedule.
func (t Time) IsMultipleOf(d Duration) bool {
	if d <= 0 {
		panic(fmt.Sprintf("dstreams: IsMultipleOf with non-positive duration %d ms", d))
	}
	return int64(t)%int64(d) == 0
}

// Floor rounds t down to the nearest instant aligned to d. Uses true floor
// semantics, so negative instants round towards negative infinity rather than
// towards zero.
func (t Time) Floor(d Duration) Time {
	if d <= 0 {
		panic(fmt.Sprintf("dstreams: Floor with non-positive duration %d ms", d))
	}
	r := int64(t) % int64(d)
	if r < 0 {
		r += int64(d)
	}
	return t - Time(r)
}

// Range enumerates the ascending, inclusive sequence of instants from t to
// end at the given step. Returns nil if end is before t.
func (t Time) Range(end Time, step Duration) []Time {
	if step <= 0 {
		panic(fmt.Sprintf("dstreams: Range with non-positive step %d ms", step))
	}
	if end < t {
		return nil
	}
	out := make([]Time, 0, int64(end-t)/int64(step)+1)
	for cur := t; cur <= end; cur = cur.Add(step) {
		out = append(out, cur)
	}
	return out
}

func (t Time) String() string { return fmt.Sprintf("%d ms", int64(t)) }

func (d Duration) Milliseconds() int64 { return int64(d) }

// IsMultipleOf reports whether d is an exact multiple of o. Panics on a
// non-positive divisor.
func (d Duration) IsMultipleOf(o Duration) bool {
	if o <= 0 {
		panic(fmt.Sprintf("dstreams: IsMultipleOf with non-positive duration %d ms", o))
	}
	return int64(d)%int64(o) == 0
}

func (d Duration) Times(n int64) Duration { return Duration(int64(d) * n) }

func (d Duration) String() string { return fmt.Sprintf("%d ms", int64(d)) }

func maxDuration(a, b Duration) Duration {
	if a > b {
		return a
	}
	return b
}
