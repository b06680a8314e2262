package randtime

import (
	"time"

	"github.com/valyala/fastrand"
)

// RandDuration picks a duration in [min, max). It returns max when the
// range is empty.
func RandDuration(min, max time.Duration) time.Duration {
	if min >= max {
		return max
	}
	span := int64(max - min)
	if span > int64(^uint32(0)) {
		return min + time.Duration(int64(fastrand.Uint32())*(span>>32))
	}
	return min + time.Duration(fastrand.Uint32n(uint32(span)))
}
