package initiator

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"makerd/model"
)

func TestDummyInitiatorPush(t *testing.T) {
	src, err := NewDummyInitiator("nfc1", nil, nil)
	require.NoError(t, err)
	d := src.(*DummyInitiator)

	d.Push(Proposal{Resource: "m1", Actor: "alice", HasActor: true, Target: model.StateInUse("alice")})

	select {
	case p := <-src.Proposals():
		assert.Equal(t, "m1", p.Resource)
		assert.Equal(t, "alice", p.Actor)
	default:
		t.Fatal("expected a queued proposal")
	}
}

func TestWebhookInitiatorTranslatesPost(t *testing.T) {
	src, err := NewWebhookInitiator("nfc1", map[string]interface{}{"path": "/hook"}, nil)
	require.NoError(t, err)
	w := src.(*WebhookInitiator)

	req := httptest.NewRequest(http.MethodPost, "/hook", strings.NewReader(`{"resource":"m1","to":"in_use","actor":"alice"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	w.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusAccepted, rec.Code)

	select {
	case p := <-src.Proposals():
		assert.Equal(t, "m1", p.Resource)
		assert.True(t, p.HasActor)
		assert.Equal(t, model.InUse, p.Target.Kind)
	default:
		t.Fatal("expected a translated proposal")
	}
}

func TestWebhookInitiatorRejectsUnknownTarget(t *testing.T) {
	src, err := NewWebhookInitiator("nfc1", nil, nil)
	require.NoError(t, err)
	w := src.(*WebhookInitiator)

	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(`{"resource":"m1","to":"melted"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	w.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
