package notification

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capturedRequest struct {
	path      string
	signature string
	body      []byte
}

func captureServer(t *testing.T, status int) (*httptest.Server, chan capturedRequest) {
	t.Helper()
	requests := make(chan capturedRequest, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		requests <- capturedRequest{path: r.URL.Path, signature: r.Header.Get("X-Signature-256"), body: body}
		w.WriteHeader(status)
		w.Write([]byte(`ok`))
	}))
	t.Cleanup(srv.Close)
	return srv, requests
}

func testMessage() *Message {
	return &Message{
		Notification: &Notification{
			ID:        11,
			Reference: "ref-11",
			UserID:    1,
			Category:  CategoryCourse,
			Priority:  3,
			Title:     "Class moved",
			Content:   "Maths is now in room 4",
		},
		Recipient: &Recipient{UserID: 1},
	}
}

func TestWebhookSenderSignsPayload(t *testing.T) {
	srv, requests := captureServer(t, http.StatusOK)
	ch := &Channel{ID: 1, ChannelType: ChannelWebhook, WebhookURL: srv.URL + "/hook", Configuration: StringMap{"secret": "s3cret"}}

	sender, err := NewWebhookSenderFactory(srv.Client())(ch)
	require.NoError(t, err)

	result, err := sender.Send(context.Background(), testMessage())
	require.NoError(t, err)
	assert.Equal(t, "ref-11", result.ExternalID)
	assert.Equal(t, http.StatusOK, result.StatusCode)
	assert.True(t, result.Delivered)

	got := <-requests
	assert.Equal(t, "/hook", got.path)

	mac := hmac.New(sha256.New, []byte("s3cret"))
	mac.Write(got.body)
	assert.Equal(t, "sha256="+hex.EncodeToString(mac.Sum(nil)), got.signature)

	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal(got.body, &payload))
	assert.Equal(t, "notification", payload["event"])
	body := payload["notification"].(map[string]interface{})
	assert.Equal(t, "Maths is now in room 4", body["content"])
	assert.Equal(t, "course", body["category"])
}

func TestWebhookSenderUnsigned(t *testing.T) {
	srv, requests := captureServer(t, http.StatusAccepted)
	sender, err := NewWebhookSenderFactory(srv.Client())(&Channel{ChannelType: ChannelWebhook, WebhookURL: srv.URL})
	require.NoError(t, err)

	require.NoError(t, sender.Test(context.Background(), nil))
	got := <-requests
	assert.Empty(t, got.signature)
}

func TestWebhookSenderStatusErrors(t *testing.T) {
	tests := []struct {
		status  int
		bounced bool
	}{
		{http.StatusGone, true},
		{http.StatusServiceUnavailable, false},
		{http.StatusBadRequest, false},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv, _ := captureServer(t, tt.status)
			sender, err := NewWebhookSenderFactory(srv.Client())(&Channel{ChannelType: ChannelWebhook, WebhookURL: srv.URL})
			require.NoError(t, err)

			_, err = sender.Send(context.Background(), testMessage())
			var derr *DeliveryError
			require.True(t, errors.As(err, &derr))
			assert.Equal(t, tt.status, derr.StatusCode)
			assert.Equal(t, tt.bounced, derr.Bounced)
		})
	}
}

func TestWebhookSenderRequiresURL(t *testing.T) {
	_, err := NewWebhookSenderFactory(nil)(&Channel{ID: 4, ChannelType: ChannelWebhook})
	assert.Error(t, err)
}
