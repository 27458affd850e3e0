package broker

import (
	"strconv"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/require"
)

func deathHeaders(expirationMS int64, count int64) amqp.Table {
	return amqp.Table{
		"x-death": []interface{}{
			amqp.Table{
				"original-expiration": strconv.FormatInt(expirationMS, 10),
				"count":               count,
			},
		},
	}
}

func TestNextPollIntervalSequence(t *testing.T) {
	const initial, max = 60 * time.Second, 600 * time.Second

	// First poll has no death history.
	var ttl = NextPollInterval(nil, initial, max, 2)
	require.Equal(t, initial, ttl)

	// Each continued poll doubles up to the cap, then holds.
	var want = []time.Duration{
		120 * time.Second, 240 * time.Second, 480 * time.Second,
		600 * time.Second, 600 * time.Second,
	}
	for _, w := range want {
		ttl = NextPollInterval(deathHeaders(ttl.Milliseconds(), 1), initial, max, 2)
		require.Equal(t, w, ttl)
	}
}

func TestNextPollIntervalMalformedHeaders(t *testing.T) {
	const initial, max = 60 * time.Second, 600 * time.Second

	var cases = []amqp.Table{
		nil,
		{},
		{"x-death": "not-a-list"},
		{"x-death": []interface{}{}},
		{"x-death": []interface{}{amqp.Table{}}},
		{"x-death": []interface{}{amqp.Table{"original-expiration": "garbage"}}},
	}
	for _, headers := range cases {
		require.Equal(t, initial, NextPollInterval(headers, initial, max, 2))
	}
}

func TestDeathCount(t *testing.T) {
	require.EqualValues(t, 0, DeathCount(nil))
	require.EqualValues(t, 3, DeathCount(deathHeaders(60000, 3)))
}

func TestResolverNames(t *testing.T) {
	require.Equal(t, "cxoneflow:resolver-npm-legacy", ResolverQueue("npm-legacy"))
	require.Equal(t, "delegated.npm-legacy", ResolverRoutingKey("npm-legacy"))
}
