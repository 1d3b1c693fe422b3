package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type receivedHook struct {
	payload   Payload
	signature string
	event     string
}

// hookServer captures webhook deliveries and can fail the first n requests.
type hookServer struct {
	*httptest.Server
	mu       sync.Mutex
	failures int
	status   int
	hooks    []receivedHook
	notify   chan struct{}
}

func newHookServer(t *testing.T, failures, failStatus int) *hookServer {
	t.Helper()
	hs := &hookServer{status: failStatus, failures: failures, notify: make(chan struct{}, 16)}
	hs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)

		hs.mu.Lock()
		if hs.failures > 0 {
			hs.failures--
			status := hs.status
			hs.mu.Unlock()
			w.WriteHeader(status)
			hs.notify <- struct{}{}
			return
		}
		var payload Payload
		json.Unmarshal(body, &payload)
		hs.hooks = append(hs.hooks, receivedHook{
			payload:   payload,
			signature: r.Header.Get("X-Webhook-Signature"),
			event:     r.Header.Get("X-Webhook-Event"),
		})
		hs.mu.Unlock()
		hs.notify <- struct{}{}
	}))
	t.Cleanup(hs.Close)
	return hs
}

func (hs *hookServer) await(t *testing.T, requests int) {
	t.Helper()
	for i := 0; i < requests; i++ {
		select {
		case <-hs.notify:
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for webhook request %d of %d", i+1, requests)
		}
	}
}

func (hs *hookServer) delivered() []receivedHook {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	return append([]receivedHook(nil), hs.hooks...)
}

func startSender(t *testing.T, endpoints []Endpoint, cfg SenderConfig) *Sender {
	t.Helper()
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = time.Millisecond
	}
	sender := NewSender(endpoints, cfg)
	sender.Start()
	t.Cleanup(sender.Stop)
	return sender
}

func TestSendSignedPayload(t *testing.T) {
	server := newHookServer(t, 0, 0)
	sender := startSender(t, []Endpoint{
		{Name: "ops", URL: server.URL, Secret: "hunter2"},
	}, SenderConfig{})

	data := JobEventData{JobID: "j1", Printer: "front-desk", Status: "delivered", Retries: 1}
	sender.Send(EventJobDelivered, data)
	server.await(t, 1)

	hooks := server.delivered()
	require.Len(t, hooks, 1)
	hook := hooks[0]
	assert.Equal(t, "job_delivered", hook.event)
	assert.Equal(t, "job_delivered", hook.payload.Event)
	assert.Equal(t, data, hook.payload.Data)

	// Signature is HMAC-SHA256 over the data object only.
	dataBytes, err := json.Marshal(data)
	require.NoError(t, err)
	mac := hmac.New(sha256.New, []byte("hunter2"))
	mac.Write(dataBytes)
	assert.Equal(t, hex.EncodeToString(mac.Sum(nil)), hook.signature)
	assert.Equal(t, hook.signature, hook.payload.Signature)
}

func TestSendUnsignedWithoutSecret(t *testing.T) {
	server := newHookServer(t, 0, 0)
	sender := startSender(t, []Endpoint{{Name: "ops", URL: server.URL}}, SenderConfig{})

	sender.Send(EventJobFailed, JobEventData{JobID: "j1", Status: "failed"})
	server.await(t, 1)

	hooks := server.delivered()
	require.Len(t, hooks, 1)
	assert.Empty(t, hooks[0].signature)
}

func TestSendFiltersUnsubscribedEvents(t *testing.T) {
	server := newHookServer(t, 0, 0)
	sender := startSender(t, []Endpoint{
		{Name: "ops", URL: server.URL, Events: []string{"job_failed"}},
	}, SenderConfig{})

	sender.Send(EventJobDelivered, JobEventData{JobID: "ignored"})
	sender.Send(EventJobFailed, JobEventData{JobID: "wanted"})
	server.await(t, 1)

	hooks := server.delivered()
	require.Len(t, hooks, 1)
	assert.Equal(t, "wanted", hooks[0].payload.Data.JobID)
}

func TestSendRetriesServerErrors(t *testing.T) {
	server := newHookServer(t, 2, http.StatusInternalServerError)
	sender := startSender(t, []Endpoint{{Name: "ops", URL: server.URL}}, SenderConfig{RetryCount: 3})

	sender.Send(EventJobTimedOut, JobEventData{JobID: "j1"})
	server.await(t, 3) // two failures, then success

	hooks := server.delivered()
	require.Len(t, hooks, 1)
	assert.Equal(t, "job_timed_out", hooks[0].payload.Event)
}

func TestSendDoesNotRetryClientErrors(t *testing.T) {
	server := newHookServer(t, 10, http.StatusUnauthorized)
	sender := startSender(t, []Endpoint{{Name: "ops", URL: server.URL}}, SenderConfig{RetryCount: 3})

	sender.Send(EventJobQueued, JobEventData{JobID: "j1"})
	server.await(t, 1)

	// Give a hypothetical retry a moment to arrive; none should.
	select {
	case <-server.notify:
		t.Fatal("client errors must not be retried")
	case <-time.After(100 * time.Millisecond):
	}
	assert.Empty(t, server.delivered())
}

func TestSubscribed(t *testing.T) {
	all := Endpoint{Name: "all"}
	assert.True(t, subscribed(all, EventJobQueued))
	assert.True(t, subscribed(all, EventJobFailed))

	some := Endpoint{Name: "some", Events: []string{"job_failed", "job_timed_out"}}
	assert.True(t, subscribed(some, EventJobTimedOut))
	assert.False(t, subscribed(some, EventJobDelivered))
}
