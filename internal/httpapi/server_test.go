package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/driplab/drip/internal/config"
	"github.com/driplab/drip/internal/delivery"
	"github.com/driplab/drip/internal/observability"
	"github.com/driplab/drip/internal/pacing"
	"github.com/driplab/drip/internal/splitter"
)

var metricsSeq atomic.Int64

func newTestStack(t *testing.T, sink delivery.Sink, turn delivery.TurnFunc, hub *BridgeHub) (*Server, *delivery.Registry) {
	t.Helper()
	metrics := observability.NewMetrics(fmt.Sprintf("drip_test_httpapi_%d_%d", time.Now().UnixNano(), metricsSeq.Add(1)))
	registry := delivery.NewRegistry(time.Minute)
	sched := delivery.NewScheduler(registry, sink, pacing.NewTypingController(0), metrics, nil, delivery.SchedulerConfig{})
	defaults := delivery.Profile{
		SplitMode: splitter.ModeSimple,
		SplitCfg:  splitter.Config{MaxChunkLen: 40, MinChunkLen: 5},
		Delay:     pacing.DelaySpec{Strategy: pacing.StrategyConstant},
	}
	pipe := delivery.NewPipeline(sched, defaults, nil, metrics, nil)
	if turn == nil {
		turn = func(context.Context, delivery.InterruptEvent, string) {}
	}
	coord := delivery.NewCoordinator(registry, metrics, nil, turn)
	cfg := config.Config{ConvertMarkdown: true, AllowAnyOrigin: true}
	return New(context.Background(), cfg, pipe, registry, coord, hub, metrics, nil), registry
}

func postJSON(t *testing.T, url string, payload any) *http.Response {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	res, err := http.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s error = %v", url, err)
	}
	return res
}

func TestHealthAndReady(t *testing.T) {
	srv, _ := newTestStack(t, delivery.NewCapturingSink(), nil, nil)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	for _, path := range []string{"/healthz", "/readyz"} {
		res, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatalf("GET %s error = %v", path, err)
		}
		res.Body.Close()
		if res.StatusCode != http.StatusOK {
			t.Fatalf("GET %s status = %d, want %d", path, res.StatusCode, http.StatusOK)
		}
	}
}

func TestSubmitResponseDelivers(t *testing.T) {
	sink := delivery.NewCapturingSink()
	srv, _ := newTestStack(t, sink, nil, nil)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	res := postJSON(t, ts.URL+"/v1/responses", map[string]string{
		"chat_id": "chat-1",
		"text":    "First sentence here. Second sentence follows.",
	})
	defer res.Body.Close()
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("submit status = %d, want %d", res.StatusCode, http.StatusAccepted)
	}

	var snap delivery.SessionSnapshot
	if err := json.NewDecoder(res.Body).Decode(&snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if snap.ChatID != "chat-1" || snap.TotalChunks != 2 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(sink.Sent()) == 2 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("sink received %d chunks, want 2", len(sink.Sent()))
}

func TestSubmitResponseValidation(t *testing.T) {
	srv, _ := newTestStack(t, delivery.NewCapturingSink(), nil, nil)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	cases := []struct {
		name    string
		payload map[string]string
		status  int
	}{
		{"missing chat id", map[string]string{"text": "hi"}, http.StatusBadRequest},
		{"unknown mode", map[string]string{"chat_id": "c", "text": "hi", "mode": "clever"}, http.StatusBadRequest},
		{"unknown policy", map[string]string{"chat_id": "c", "text": "hi", "policy": "maybe"}, http.StatusBadRequest},
		{"unknown profile", map[string]string{"chat_id": "c", "text": "hi", "profile": "nope"}, http.StatusBadRequest},
	}
	for _, tc := range cases {
		res := postJSON(t, ts.URL+"/v1/responses", tc.payload)
		res.Body.Close()
		if res.StatusCode != tc.status {
			t.Fatalf("%s: status = %d, want %d", tc.name, res.StatusCode, tc.status)
		}
	}
}

func TestSubmitResponseBusyChatConflicts(t *testing.T) {
	sink := delivery.NewCapturingSink()
	srv, registry := newTestStack(t, sink, nil, nil)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	// Park a long-running delivery on the chat.
	res := postJSON(t, ts.URL+"/v1/responses", map[string]any{
		"chat_id": "chat-1",
		"text":    "Sentence one is right here. Sentence two follows on after it.",
		"profile": "",
	})
	res.Body.Close()
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("first submit status = %d", res.StatusCode)
	}
	active, ok := registry.Active("chat-1")
	if !ok {
		// The short plan may already have finished; retry with a manual hold.
		t.Skip("delivery finished before conflict could be observed")
	}

	res = postJSON(t, ts.URL+"/v1/responses", map[string]string{
		"chat_id": "chat-1",
		"text":    "Another response.",
		"policy":  "answer_safe",
	})
	res.Body.Close()
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("second submit status = %d, want %d", res.StatusCode, http.StatusConflict)
	}

	active.Cancel("test cleanup")
	<-active.Done()
}

func TestDeliveryStatusAndCancelEndpoints(t *testing.T) {
	sink := delivery.NewCapturingSink()
	srv, registry := newTestStack(t, sink, nil, nil)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	res, err := http.Get(ts.URL + "/v1/chats/chat-9/delivery")
	if err != nil {
		t.Fatalf("GET delivery error = %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("idle chat status = %d, want %d", res.StatusCode, http.StatusNotFound)
	}

	submit := postJSON(t, ts.URL+"/v1/responses", map[string]string{
		"chat_id": "chat-9",
		"text":    "One sentence here. Another one there. And one more to go.",
	})
	submit.Body.Close()

	if active, ok := registry.Active("chat-9"); ok {
		statusRes, err := http.Get(ts.URL + "/v1/chats/chat-9/delivery")
		if err != nil {
			t.Fatalf("GET delivery error = %v", err)
		}
		if statusRes.StatusCode != http.StatusOK {
			t.Fatalf("active delivery status = %d, want %d", statusRes.StatusCode, http.StatusOK)
		}
		statusRes.Body.Close()

		cancelRes := postJSON(t, ts.URL+"/v1/chats/chat-9/cancel", map[string]string{})
		if cancelRes.StatusCode != http.StatusAccepted {
			t.Fatalf("cancel status = %d, want %d", cancelRes.StatusCode, http.StatusAccepted)
		}
		cancelRes.Body.Close()
		<-active.Done()
	}
}

func TestInterruptEndpointQueuesEvent(t *testing.T) {
	var handled atomic.Int64
	turn := func(context.Context, delivery.InterruptEvent, string) { handled.Add(1) }
	srv, _ := newTestStack(t, delivery.NewCapturingSink(), turn, nil)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	res := postJSON(t, ts.URL+"/v1/chats/chat-1/interrupt", map[string]string{
		"message_id": "m1",
		"text":       "wait, actually...",
	})
	res.Body.Close()
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("interrupt status = %d, want %d", res.StatusCode, http.StatusAccepted)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if handled.Load() == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("interrupt was not handled")
}

func TestSettingsEndpoint(t *testing.T) {
	srv, _ := newTestStack(t, delivery.NewCapturingSink(), nil, nil)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	res, err := http.Get(ts.URL + "/v1/settings")
	if err != nil {
		t.Fatalf("GET /v1/settings error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("settings status = %d, want %d", res.StatusCode, http.StatusOK)
	}

	var payload map[string]any
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		t.Fatalf("decode settings: %v", err)
	}
	if payload["split_mode"] != "simple" {
		t.Fatalf("split_mode = %v, want %q", payload["split_mode"], "simple")
	}
	if payload["convert_markdown"] != true {
		t.Fatalf("convert_markdown = %v, want true", payload["convert_markdown"])
	}
}

func TestPerfPacingEndpoint(t *testing.T) {
	srv, _ := newTestStack(t, delivery.NewCapturingSink(), nil, nil)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	res, err := http.Get(ts.URL + "/v1/perf/pacing")
	if err != nil {
		t.Fatalf("GET /v1/perf/pacing error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("pacing status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	var payload map[string]any
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		t.Fatalf("decode pacing snapshot: %v", err)
	}
	if _, ok := payload["window_size"]; !ok {
		t.Fatalf("pacing snapshot missing window_size: %+v", payload)
	}
}
