package broker

import (
	"strconv"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// The broker stamps an x-death header onto dead-lettered messages. The first
// entry describes the most recent death and carries the message's original
// per-message TTL, which is how the polling loop recovers the previous
// interval without carrying it in the payload.

func firstDeath(headers amqp.Table) (amqp.Table, bool) {
	var deaths, ok = headers["x-death"].([]interface{})
	if !ok || len(deaths) == 0 {
		return nil, false
	}
	entry, ok := deaths[0].(amqp.Table)
	if !ok {
		return nil, false
	}
	return entry, true
}

// PreviousTTL extracts the expired message's TTL from its x-death header.
func PreviousTTL(headers amqp.Table) (time.Duration, bool) {
	var entry, ok = firstDeath(headers)
	if !ok {
		return 0, false
	}
	exp, ok := entry["original-expiration"].(string)
	if !ok {
		return 0, false
	}
	ms, err := strconv.ParseInt(exp, 10, 64)
	if err != nil || ms <= 0 {
		return 0, false
	}
	return time.Duration(ms) * time.Millisecond, true
}

// DeathCount reports how many times the message has been dead-lettered, for
// resubmission bounding. Zero when the header is absent.
func DeathCount(headers amqp.Table) int64 {
	var entry, ok = firstDeath(headers)
	if !ok {
		return 0
	}
	switch n := entry["count"].(type) {
	case int64:
		return n
	case int32:
		return int64(n)
	case int:
		return int64(n)
	default:
		return 0
	}
}

// NextPollInterval computes the TTL for the next AWAIT message: the previous
// interval scaled by |scalar|, capped at |max|. A delivery with no usable
// x-death history restarts at |initial|. The sequence is non-decreasing.
func NextPollInterval(headers amqp.Table, initial, max time.Duration, scalar int64) time.Duration {
	var prev, ok = PreviousTTL(headers)
	if !ok {
		return initial
	}
	var next = prev * time.Duration(scalar)
	if next > max {
		return max
	}
	if next < initial {
		return initial
	}
	return next
}
