package webhook

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AshkanYarmoradi/go-stoat/bus"
)

func TestPublisher_Publish_Success(t *testing.T) {
	var gotBody, gotKey, gotType, gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		gotKey = r.Header.Get(HeaderKey)
		gotType = r.Header.Get("Content-Type")
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	p := New(server.URL, WithDefaultHeaders(map[string]string{"Authorization": "Bearer t"}))
	err := p.Publish(context.Background(), bus.Message{Key: "events/Order/1/3", Payload: []byte(`{"a":1}`)})
	require.NoError(t, err)

	assert.Equal(t, `{"a":1}`, gotBody)
	assert.Equal(t, "events/Order/1/3", gotKey)
	assert.Equal(t, "application/json", gotType)
	assert.Equal(t, "Bearer t", gotAuth)
}

func TestPublisher_Publish_Status(t *testing.T) {
	tests := []struct {
		status  int
		wantErr bool
	}{
		{http.StatusOK, false},
		{http.StatusNoContent, false},
		{http.StatusMultipleChoices, true},
		{http.StatusBadRequest, true},
		{http.StatusInternalServerError, true},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			err := New(server.URL).Publish(context.Background(), bus.Message{Key: "events/Order/1"})
			if tt.wantErr {
				assert.ErrorIs(t, err, bus.ErrPublishFailed)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestPublisher_Publish_ContextCancellation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(100 * time.Millisecond)
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := New(server.URL).Publish(ctx, bus.Message{Key: "events/Order/1"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPublisher_Options(t *testing.T) {
	client := &http.Client{}
	p := New("http://localhost", WithHTTPClient(client), WithTimeout(5*time.Second))

	assert.Same(t, client, p.client)
	assert.Equal(t, 5*time.Second, p.client.Timeout)
}
