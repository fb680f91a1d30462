package notifier

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/italolelis/ambiance/internal/download"
)

func TestDiscordNotifier_Notify(t *testing.T) {
	var got map[string]string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(srv.Close)

	err := NewDiscordNotifier(srv.URL).Notify(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"content": "hello"}, got)
}

func TestDiscordNotifier_Errors(t *testing.T) {
	err := (&DiscordNotifier{}).Notify(context.Background(), "hello")
	assert.ErrorIs(t, err, ErrNoWebhook)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	t.Cleanup(srv.Close)

	err = (&DiscordNotifier{WebhookURL: srv.URL}).Notify(context.Background(), "hello")
	assert.EqualError(t, err, "webhook failed with status 429")
}

type recordingNotifier struct {
	messages chan string
}

func (r *recordingNotifier) Notify(_ context.Context, content string) error {
	r.messages <- content

	return nil
}

func TestForwardFailures(t *testing.T) {
	failures := make(chan download.Failure, 1)
	n := &recordingNotifier{messages: make(chan string, 1)}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})

	go func() {
		defer close(done)

		ForwardFailures(ctx, failures, n)
	}()

	failures <- download.Failure{
		Source: "https://freesound.org/people/a/sounds/42/",
		Err:    errors.New("HTTP 503"),
		At:     time.Now(),
	}

	select {
	case msg := <-n.messages:
		assert.Contains(t, msg, "Sound 42")
		assert.Contains(t, msg, "https://freesound.org/people/a/sounds/42/")
		assert.Contains(t, msg, "HTTP 503")
	case <-time.After(time.Second):
		t.Fatal("failure was not forwarded")
	}

	close(failures)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("forwarder did not stop when the channel closed")
	}
}
