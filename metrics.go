package lease

import "sync/atomic"

// activeLeases is the process-wide "active lease count" metric (spec.md
// §5, §9): a monotonically-maintained counter, not a registry. Incremented
// at handle construction and decremented at dispose.
var activeLeases int64

// ActiveLeases reports the number of Handles currently constructed and not
// yet disposed/released/lost, across the whole process.
func ActiveLeases() int64 {
	return atomic.LoadInt64(&activeLeases)
}
