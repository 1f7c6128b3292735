package main

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fentz26/tollgate/internal/models"
)

func TestReadSSE(t *testing.T) {
	stream := "event: snapshot\ndata: {\"id\":\"t1\"}\n\n" +
		": keepalive\n\n" +
		"event: status\ndata: {\"type\":\"status\",\n" +
		"data: \"status\":\"working\"}\n\n" +
		"event: done\ndata: {\"type\":\"done\"}\n\n"

	type got struct{ event, data string }
	var events []got
	err := readSSE(strings.NewReader(stream), func(event string, data []byte) error {
		events = append(events, got{event, string(data)})
		return nil
	})
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, got{"snapshot", `{"id":"t1"}`}, events[0])
	assert.Equal(t, got{"status", "{\"type\":\"status\",\n\"status\":\"working\"}"}, events[1])
	assert.Equal(t, "done", events[2].event)
}

func TestReadSSEStopsOnCallbackError(t *testing.T) {
	stream := "event: a\ndata: 1\n\nevent: b\ndata: 2\n\n"
	calls := 0
	err := readSSE(strings.NewReader(stream), func(string, []byte) error {
		calls++
		return assert.AnError
	})
	assert.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, 1, calls)
}

func TestParseRequests(t *testing.T) {
	got, err := parseRequests(map[string]string{"compute_minutes": "2.5", "api_calls": "1"})
	require.NoError(t, err)
	assert.Equal(t, map[models.ResourceKey]float64{
		models.ResourceComputeMinutes: 2.5,
		models.ResourceAPICalls:       1,
	}, got)

	got, err = parseRequests(nil)
	require.NoError(t, err)
	assert.Nil(t, got)

	_, err = parseRequests(map[string]string{"api_calls": "lots"})
	assert.Error(t, err)
}

func TestFormatEvent(t *testing.T) {
	ts := time.Date(2024, 1, 1, 12, 30, 0, 0, time.UTC)
	assert.Contains(t, formatEvent(models.TaskEvent{Type: models.EventStatus, Status: models.TaskStatusWorking, Timestamp: ts}), "status    working")
	assert.Contains(t, formatEvent(models.TaskEvent{Type: models.EventCost, Cost: &models.Cost{Tokens: 5, USD: 0.01}, Timestamp: ts}), "5 tokens")
	assert.Contains(t, formatEvent(models.TaskEvent{Type: models.EventMessage, Timestamp: ts,
		Message: &models.Message{Role: models.RoleAgent, Parts: []models.Part{models.TextPart("hi")}}}), "[agent] hi")
	assert.Contains(t, formatEvent(models.TaskEvent{Type: models.EventError, Error: "boom", Timestamp: ts}), "error     boom")
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "a b", truncate("a\n b", 10))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))
	assert.Equal(t, "12345678", truncateID("123456789abc"))
}
