package sse

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/malamar-dev/malamar/internal/common/logger"
	"github.com/malamar-dev/malamar/internal/events"
	"github.com/malamar-dev/malamar/internal/events/bus"
)

func startClient(t *testing.T, r *Registry) (*httptest.ResponseRecorder, context.CancelFunc, chan struct{}) {
	t.Helper()
	rec := httptest.NewRecorder()
	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/api/v1/events", nil).WithContext(ctx)

	done := make(chan struct{})
	go func() {
		r.ServeHTTP(rec, req)
		close(done)
	}()

	// Wait for the client to register.
	deadline := time.Now().Add(2 * time.Second)
	for r.ClientCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	require.Equal(t, 1, r.ClientCount(), "client did not register")
	return rec, cancel, done
}

func TestRegistryWritesPreamble(t *testing.T) {
	b := bus.NewMemoryEventBus(logger.NewNop())
	r := NewRegistry(b, logger.NewNop())
	defer r.Close()

	rec, cancel, done := startClient(t, r)
	cancel()
	<-done

	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.True(t, strings.HasPrefix(rec.Body.String(), "retry: 3000\n: ok\n\n"),
		"body should start with the reconnect preamble, got %q", rec.Body.String())
}

func TestRegistryBroadcastsEvents(t *testing.T) {
	b := bus.NewMemoryEventBus(logger.NewNop())
	r := NewRegistry(b, logger.NewNop())
	defer r.Close()

	rec, cancel, done := startClient(t, r)

	b.Publish(bus.NewEvent(events.TaskStatusChanged, events.TaskStatusChangedPayload{
		WorkspaceID: "ws1",
		TaskID:      "t1",
		OldStatus:   "todo",
		NewStatus:   "in_progress",
	}))

	cancel()
	<-done

	body := rec.Body.String()
	assert.Contains(t, body, "event: task.status_changed\n")
	assert.Contains(t, body, `"taskId":"t1"`)
	assert.Contains(t, body, `"workspaceId":"ws1"`)
}

func TestRegistryConcurrentPublishersKeepFramesIntact(t *testing.T) {
	b := bus.NewMemoryEventBus(logger.NewNop())
	r := NewRegistry(b, logger.NewNop())
	defer r.Close()

	rec, cancel, done := startClient(t, r)

	const publishers = 8
	const perPublisher = 25

	var wg sync.WaitGroup
	for p := 0; p < publishers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perPublisher; i++ {
				b.Publish(bus.NewEvent(events.TaskCommentAdded, events.TaskCommentAddedPayload{
					WorkspaceID: "ws1",
					TaskID:      "t1",
					AuthorName:  "worker",
				}))
			}
		}()
	}
	wg.Wait()

	cancel()
	<-done

	body := rec.Body.String()
	body = strings.TrimPrefix(body, "retry: 3000\n: ok\n\n")

	frames := strings.Split(strings.TrimSuffix(body, "\n\n"), "\n\n")
	require.Len(t, frames, publishers*perPublisher)
	for _, frame := range frames {
		lines := strings.Split(frame, "\n")
		require.Len(t, lines, 2, "interleaved frame: %q", frame)
		assert.Equal(t, "event: task.comment_added", lines[0])
		assert.True(t, strings.HasPrefix(lines[1], "data: {"), "mangled data line: %q", lines[1])
		assert.Contains(t, lines[1], `"authorName":"worker"`)
	}
}

func TestRegistryCloseReleasesClients(t *testing.T) {
	b := bus.NewMemoryEventBus(logger.NewNop())
	r := NewRegistry(b, logger.NewNop())

	_, cancel, done := startClient(t, r)
	defer cancel()

	r.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not release the connected client")
	}
	assert.Equal(t, 0, r.ClientCount())
}
