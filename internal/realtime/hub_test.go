package realtime

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/kestrelops/opqueue/internal/common"
	"github.com/kestrelops/opqueue/internal/models"
)

func testHub(t *testing.T) *Hub {
	t.Helper()
	return NewHub(common.NewSilentLogger(), Config{HeartbeatInterval: 50 * time.Millisecond})
}

func dialTestServer(t *testing.T, hub *Hub, userID string) (*websocket.Conn, func()) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := hub.Attach(userID, w, r, nil); err != nil {
			t.Errorf("attach failed: %v", err)
		}
	}))

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	return conn, func() {
		conn.Close()
		srv.Close()
	}
}

func TestPublish_DeliversToAttachedClient(t *testing.T) {
	hub := testHub(t)
	conn, cleanup := dialTestServer(t, hub, "user-1")
	defer cleanup()

	require.Eventually(t, func() bool { return hub.ClientCount("user-1") == 1 }, time.Second, 10*time.Millisecond)

	hub.Publish(models.LifecycleEvent{UserID: "user-1", JobID: "j1", Kind: models.EventStarted, Timestamp: time.Now()})

	var env models.Envelope
	require.NoError(t, conn.ReadJSON(&env))
	require.Equal(t, models.EventStarted, env.Type)
}

func TestPublish_DoesNotDeliverToOtherUsers(t *testing.T) {
	hub := testHub(t)
	conn, cleanup := dialTestServer(t, hub, "user-1")
	defer cleanup()
	require.Eventually(t, func() bool { return hub.ClientCount("user-1") == 1 }, time.Second, 10*time.Millisecond)

	hub.Publish(models.LifecycleEvent{UserID: "user-2", JobID: "j1", Kind: models.EventStarted, Timestamp: time.Now()})

	conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	var env models.Envelope
	err := conn.ReadJSON(&env)
	require.Error(t, err, "a different user's event must not be delivered")
}

func TestAttach_ReplaysBufferedEventsAfterResumePoint(t *testing.T) {
	hub := testHub(t)

	before := time.Now()
	hub.Publish(models.LifecycleEvent{UserID: "user-1", JobID: "old", Kind: models.EventCompleted, Timestamp: before})
	resumeAfter := time.Now()
	hub.Publish(models.LifecycleEvent{UserID: "user-1", JobID: "new", Kind: models.EventCompleted, Timestamp: time.Now().Add(time.Millisecond)})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.Attach("user-1", w, r, &resumeAfter)
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	var env models.Envelope
	require.NoError(t, conn.ReadJSON(&env))
	payload := env.Payload.(map[string]interface{})
	require.Equal(t, "new", payload["jobId"], "only the post-resumeAfter event should replay")
}

func TestPublish_ProgressEventsAreNotBuffered(t *testing.T) {
	hub := testHub(t)
	hub.Publish(models.LifecycleEvent{UserID: "user-1", JobID: "j1", Kind: models.EventProgress, Timestamp: time.Now()})

	rb := hub.bufferFor("user-1")
	require.Empty(t, rb.after(time.Time{}), "progress events must never be buffered for replay")
}

func TestRingBuffer_EvictsByCount(t *testing.T) {
	cfg := Config{BufferMaxCount: 3, BufferMaxAge: time.Hour}
	rb := &ringBuffer{}
	for i := 0; i < 5; i++ {
		rb.add(models.LifecycleEvent{JobID: "j", Timestamp: time.Now()}, cfg)
	}
	require.Len(t, rb.after(time.Time{}), 3)
}

func TestRingBuffer_EvictsByAge(t *testing.T) {
	cfg := Config{BufferMaxCount: 100, BufferMaxAge: 10 * time.Millisecond}
	rb := &ringBuffer{}
	rb.add(models.LifecycleEvent{JobID: "stale", Timestamp: time.Now()}, cfg)
	time.Sleep(20 * time.Millisecond)
	rb.add(models.LifecycleEvent{JobID: "fresh", Timestamp: time.Now()}, cfg)

	events := rb.after(time.Time{})
	require.Len(t, events, 1)
	require.Equal(t, "fresh", events[0].JobID)
}
