package transport_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/cybersentinel/dlp/internal/event"
	"github.com/cybersentinel/dlp/internal/transport"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func newClient(t *testing.T, handler http.HandlerFunc, opts ...transport.Option) *transport.Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return transport.New(srv.URL+"/api/v1", opts...)
}

func testEvent(id string) *event.Event {
	return &event.Event{
		EventID:   id,
		AgentID:   "agent-1",
		EventType: event.TypeFile,
		Timestamp: event.Now(),
	}
}

// ---------------------------------------------------------------------------
// Request shapes
// ---------------------------------------------------------------------------

func TestRegister(t *testing.T) {
	var gotPath, gotMethod string
	var gotBody transport.AgentInfo
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath, gotMethod = r.URL.Path, r.Method
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(transport.RegisteredAgent{AgentID: "agent-1", Name: "host-1", Status: "active"})
	})

	out, err := c.Register(context.Background(), transport.AgentInfo{AgentID: "agent-1", Name: "host-1", Platform: "linux"})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if gotMethod != http.MethodPost || gotPath != "/api/v1/agents" {
		t.Errorf("request = %s %s, want POST /api/v1/agents", gotMethod, gotPath)
	}
	if gotBody.AgentID != "agent-1" || gotBody.Platform != "linux" {
		t.Errorf("request body = %+v", gotBody)
	}
	if out.Status != "active" {
		t.Errorf("Status = %q, want active", out.Status)
	}
}

func TestHeartbeat(t *testing.T) {
	var gotPath, gotMethod string
	var gotBody transport.HeartbeatInfo
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath, gotMethod = r.URL.Path, r.Method
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusOK)
	})

	hb := transport.HeartbeatInfo{PolicyVersion: "v1", QueueDepth: 4}
	if err := c.Heartbeat(context.Background(), "agent-1", hb); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	if gotMethod != http.MethodPut || gotPath != "/api/v1/agents/agent-1/heartbeat" {
		t.Errorf("request = %s %s", gotMethod, gotPath)
	}
	if gotBody.PolicyVersion != "v1" || gotBody.QueueDepth != 4 {
		t.Errorf("request body = %+v", gotBody)
	}
}

func TestUnregister(t *testing.T) {
	var gotPath, gotMethod string
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath, gotMethod = r.URL.Path, r.Method
		w.WriteHeader(http.StatusOK)
	})

	if err := c.Unregister(context.Background(), "agent-1"); err != nil {
		t.Fatalf("Unregister: %v", err)
	}
	if gotMethod != http.MethodDelete || gotPath != "/api/v1/agents/agent-1/unregister" {
		t.Errorf("request = %s %s", gotMethod, gotPath)
	}
}

func TestSyncPolicies(t *testing.T) {
	var gotBody map[string]string
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotBody)
		fmt.Fprint(w, `{"version":"abc123","policy_count":1,"platform":"linux",
			"policies":{"clipboard_monitoring":[{"id":"p1","name":"clip","enabled":true,"action":"alert","config":{"action":"alert"}}]}}`)
	})

	resp, err := c.SyncPolicies(context.Background(), "agent-1", "linux", "old-version")
	if err != nil {
		t.Fatalf("SyncPolicies: %v", err)
	}
	if gotBody["platform"] != "linux" || gotBody["installed_version"] != "old-version" {
		t.Errorf("request body = %v", gotBody)
	}
	if resp.UpToDate() {
		t.Error("UpToDate = true for a response carrying a bundle")
	}
	if resp.Version != "abc123" || len(resp.Policies) != 1 {
		t.Errorf("bundle = %+v", resp.Bundle)
	}
}

func TestSyncPolicies_UpToDate(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"status":"up_to_date"}`)
	})

	resp, err := c.SyncPolicies(context.Background(), "agent-1", "linux", "current")
	if err != nil {
		t.Fatalf("SyncPolicies: %v", err)
	}
	if !resp.UpToDate() {
		t.Error("UpToDate = false, want true")
	}
}

func TestBearerToken(t *testing.T) {
	var gotAuth string
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}, transport.WithToken("tok-123"))

	if err := c.SendEvent(context.Background(), testEvent("e1")); err != nil {
		t.Fatalf("SendEvent: %v", err)
	}
	if gotAuth != "Bearer tok-123" {
		t.Errorf("Authorization = %q, want Bearer tok-123", gotAuth)
	}
}

// ---------------------------------------------------------------------------
// Failure classification
// ---------------------------------------------------------------------------

func TestSendEvent_StatusClassification(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusOK, nil},
		{http.StatusCreated, nil},
		{http.StatusBadRequest, transport.ErrRejected},
		{http.StatusNotFound, transport.ErrRejected},
		{http.StatusConflict, transport.ErrRejected},
		{http.StatusRequestTimeout, transport.ErrTransient},
		{http.StatusTooManyRequests, transport.ErrTransient},
		{http.StatusInternalServerError, transport.ErrTransient},
		{http.StatusServiceUnavailable, transport.ErrTransient},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.status), func(t *testing.T) {
			c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			})
			err := c.SendEvent(context.Background(), testEvent("e1"))
			if tt.want == nil {
				if err != nil {
					t.Fatalf("SendEvent: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.want) {
				t.Errorf("error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestSendEvent_ErrorBodySurfaced(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":"event_id is required"}`)
	})

	err := c.SendEvent(context.Background(), testEvent("e1"))
	if !errors.Is(err, transport.ErrRejected) {
		t.Fatalf("error = %v, want ErrRejected", err)
	}
	if !strings.Contains(err.Error(), "event_id is required") {
		t.Errorf("error %q does not carry the server message", err)
	}
}

func TestNetworkFailureIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := transport.New(url + "/api/v1")
	err := c.SendEvent(context.Background(), testEvent("e1"))
	if !errors.Is(err, transport.ErrTransient) {
		t.Errorf("error = %v, want ErrTransient for a connection failure", err)
	}
}

func TestRequestCounters(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "/fail/") {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	_ = c.SendEvent(context.Background(), testEvent("e1"))
	_ = c.Unregister(context.Background(), "fail")

	if c.RequestsTotal() != 2 {
		t.Errorf("RequestsTotal = %d, want 2", c.RequestsTotal())
	}
	if c.FailuresTotal() != 1 {
		t.Errorf("FailuresTotal = %d, want 1", c.FailuresTotal())
	}
}
