package queue

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatEvent(t *testing.T) {
	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	line := FormatEvent(GenerationEvent{
		Type: EventCompleted, QueueID: 7, UserID: 3, ModelID: "flux-pro", TicketCost: 5,
		ResultURL: "https://cdn/x.png", OccurredAt: at,
	})
	assert.Equal(t, "[2025-03-01T12:00:00Z] generation.completed | queue_id=7 | user_id=3 | model=\"flux-pro\" | tickets=5 | result=\"https://cdn/x.png\"\n", line)

	line = FormatEvent(GenerationEvent{Type: EventFailed, QueueID: 8, ErrorMessage: "timeout", OccurredAt: at})
	assert.Contains(t, line, `error="timeout"`)
}

func TestConsumer_HandleAppends(t *testing.T) {
	dir := t.TempDir()
	c := &Consumer{Dir: dir}

	for _, id := range []uint64{1, 2} {
		body, err := json.Marshal(GenerationEvent{Type: EventCancelled, QueueID: id, OccurredAt: time.Now()})
		require.NoError(t, err)
		require.NoError(t, c.Handle(body))
	}

	raw, err := os.ReadFile(filepath.Join(dir, "generation.log"))
	require.NoError(t, err)
	assert.Contains(t, string(raw), "queue_id=1")
	assert.Contains(t, string(raw), "queue_id=2")

	assert.Error(t, c.Handle([]byte("{not json")))
}
