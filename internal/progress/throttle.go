package progress

import "math"

const bucketSize = 5

// Throttle turns byte counts into coarse percentage events. It emits at most
// one event per 5% bucket, so a transfer never produces more than 21 events.
type Throttle struct {
	last int
}

// NewThrottle returns a Throttle that has not emitted anything yet.
func NewThrottle() *Throttle {
	return &Throttle{last: -1}
}

// Update reports the percentage to emit for the given byte count, if any.
// A non-positive length means the size is unknown: 0 is emitted once and
// 100 on the final update.
func (t *Throttle) Update(total, length int64, final bool) (int, bool) {
	if final {
		if t.last == 100 {
			return 0, false
		}

		t.last = 100

		return 100, true
	}

	if length <= 0 {
		if t.last < 0 {
			t.last = 0

			return 0, true
		}

		return 0, false
	}

	bucket := Bucket(Percent(total, length))
	if bucket > t.last {
		t.last = bucket

		return bucket, true
	}

	return 0, false
}

// Percent computes round(100*total/length) clamped to [0, 100].
func Percent(total, length int64) int {
	if length <= 0 {
		return 0
	}

	pct := int(math.Round(100 * float64(total) / float64(length)))

	switch {
	case pct < 0:
		return 0
	case pct > 100:
		return 100
	default:
		return pct
	}
}

// Bucket rounds a percentage down to the nearest multiple of five.
func Bucket(pct int) int {
	return pct - pct%bucketSize
}
