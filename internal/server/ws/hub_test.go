package ws

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func newTestClient() *client {
	return &client{types: map[string]bool{}, wagers: map[string]bool{}}
}

func TestClientFilter(t *testing.T) {
	c := newTestClient()
	created := event{kind: "wager_created", wagerID: "a"}
	moved := event{kind: "wager_transition", wagerID: "b"}

	assert.True(t, c.wants(created), "no filter passes everything")
	assert.True(t, c.wants(moved))

	c.applyFilter(filterMsg{Action: "subscribe", Types: []string{"wager_transition"}})
	assert.False(t, c.wants(created))
	assert.True(t, c.wants(moved))

	c.applyFilter(filterMsg{Action: "subscribe", WagerIDs: []string{"a"}})
	assert.False(t, c.wants(moved), "both filters must match")
	assert.False(t, c.wants(created))
	assert.True(t, c.wants(event{kind: "wager_transition", wagerID: "a"}))

	c.applyFilter(filterMsg{Action: "unsubscribe", Types: []string{"wager_transition"}})
	assert.True(t, c.wants(created), "type filter cleared")
	assert.False(t, c.wants(moved))

	c.applyFilter(filterMsg{Action: "reset"})
	assert.True(t, c.wants(moved))
}

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"https://ops.example"})

	r := httptest.NewRequest("GET", "/ws", nil)
	assert.True(t, check(r), "non-browser clients send no origin")

	r.Header.Set("Origin", "https://OPS.example")
	assert.True(t, check(r))

	r.Header.Set("Origin", "https://evil.example")
	assert.False(t, check(r))
	assert.True(t, originChecker(nil)(r), "empty list allows all")
}
