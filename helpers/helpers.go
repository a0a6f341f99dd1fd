package helpers

import (
	"encoding/json"
	"time"
)

// ToJsonString converts any value to JSON string.
func ToJsonString(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

// Await waits for the channel to deliver or close within the deadline and
// reports whether it did.
func Await(ch <-chan struct{}, d time.Duration) bool {
	select {
	case <-ch:
		return true
	case <-time.After(d):
		return false
	}
}

// AwaitAll waits for every channel under one shared deadline.
func AwaitAll(d time.Duration, chans ...<-chan struct{}) bool {
	deadline := time.NewTimer(d)
	defer deadline.Stop()

	for _, ch := range chans {
		select {
		case <-ch:
		case <-deadline.C:
			return false
		}
	}
	return true
}
