package notification

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func terminalEvent() Event {
	return Event{
		Kind:            KindExecutionCompleted,
		JobName:         "patch tuesday",
		JobSerial:       "J-000001",
		ExecutionSerial: "J-000001.E-003",
		Status:          "completed",
		TotalTargets:    2,
		Successful:      2,
	}
}

func TestWebhookPostsSlackCompatibleBody(t *testing.T) {
	var (
		gotBody   []byte
		gotSig    string
		gotUA     string
		gotMethod string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotUA = r.Header.Get("User-Agent")
		gotSig = r.Header.Get("X-Drover-Signature")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL, "hmac-secret")
	require.NoError(t, n.Notify(context.Background(), terminalEvent()))

	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, "Drover-Webhook/1.0", gotUA)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(gotBody, &payload))
	assert.Equal(t, "execution_completed", payload["type"])
	// Slack-compatible field carries the human message.
	assert.Contains(t, payload["text"], "J-000001.E-003")
	assert.Contains(t, payload["text"], "2 succeeded")

	inner, ok := payload["payload"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "J-000001.E-003", inner["execution_serial"])
	assert.Equal(t, float64(2), inner["successful_targets"])

	// Signature must verify against the exact body bytes.
	require.True(t, strings.HasPrefix(gotSig, "sha256="))
	mac := hmac.New(sha256.New, []byte("hmac-secret"))
	mac.Write(gotBody)
	assert.Equal(t, "sha256="+hex.EncodeToString(mac.Sum(nil)), gotSig)
}

func TestWebhookUnsignedWithoutSecret(t *testing.T) {
	var gotSig string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get("X-Drover-Signature")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL, "")
	require.NoError(t, n.Notify(context.Background(), terminalEvent()))
	assert.Empty(t, gotSig)
}

func TestWebhookNon2xxIsADeliveryFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL, "")
	err := n.Notify(context.Background(), terminalEvent())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestEventText(t *testing.T) {
	started := Event{
		Kind:            KindExecutionStarted,
		JobName:         "fleet check",
		JobSerial:       "J-000002",
		ExecutionSerial: "J-000002.E-001",
		Status:          "running",
		TotalTargets:    3,
	}
	assert.Contains(t, started.Title(), "Execution started")
	assert.Contains(t, started.Body(), "3 target(s)")

	failed := terminalEvent()
	failed.Kind = KindExecutionFailed
	failed.Status = "failed"
	failed.Successful = 1
	failed.Failed = 1
	assert.Contains(t, failed.Title(), "Execution failed")
	assert.Contains(t, failed.Body(), "1 failed")
}
