package protocol

import "time"

// nowMillis returns the current time as milliseconds since epoch, the
// unit spec.md's Frame.timestamp field uses. It is informational only
// (see spec.md §3: "not used for ordering beyond logging").
func nowMillis() int64 {
	return time.Now().UnixMilli()
}
