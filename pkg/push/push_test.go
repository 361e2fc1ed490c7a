package push

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

func TestHTTPPublisherDelivers(t *testing.T) {
	var mu sync.Mutex
	var received []Envelope
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var env Envelope
		if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
			t.Errorf("decode: %v", err)
		}
		mu.Lock()
		received = append(received, env)
		mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	p := NewHTTPPublisher(srv.URL)
	env, err := Marshal(TypeCardCreated, "ev-1", map[string]string{"title": "Raft"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	p.Publish(context.Background(), env)
	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 {
		t.Fatalf("expected 1 delivery, got %d", len(received))
	}
	got := received[0]
	if got.Type != TypeCardCreated || got.EventID != "ev-1" {
		t.Errorf("unexpected envelope: %+v", got)
	}
	if got.At.IsZero() {
		t.Error("expected At stamped")
	}
}

func TestEnvelopeWireShape(t *testing.T) {
	env := Envelope{
		Type:    TypeFactUpdate,
		EventID: "ev-1",
		Payload: json.RawMessage(`{}`),
		At:      time.Now(),
	}
	raw, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, key := range []string{"type", "event_id", "payload", "timestamp"} {
		if _, ok := fields[key]; !ok {
			t.Errorf("envelope missing %q field: %s", key, raw)
		}
	}
	if _, ok := fields["at"]; ok {
		t.Errorf("envelope carries stray at field: %s", raw)
	}
}

func TestHTTPPublisherNeverBlocks(t *testing.T) {
	// Endpoint that never responds within the test.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(50 * time.Millisecond)
	}))
	defer srv.Close()

	p := NewHTTPPublisher(srv.URL, WithQueueSize(1))
	defer p.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			p.Publish(context.Background(), Envelope{Type: TypeFactUpdate, EventID: "ev-1"})
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on slow endpoint")
	}
}

func TestHTTPPublisherPing(t *testing.T) {
	t.Run("reachable", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Many webhook endpoints reject HEAD; reachability is enough.
			w.WriteHeader(http.StatusMethodNotAllowed)
		}))
		defer srv.Close()

		p := NewHTTPPublisher(srv.URL)
		defer p.Close()
		if err := p.Ping(context.Background()); err != nil {
			t.Errorf("ping: %v", err)
		}
	})

	t.Run("server error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer srv.Close()

		p := NewHTTPPublisher(srv.URL)
		defer p.Close()
		if err := p.Ping(context.Background()); err == nil {
			t.Error("expected ping failure on 500")
		}
	})

	t.Run("unreachable", func(t *testing.T) {
		p := NewHTTPPublisher("http://127.0.0.1:1")
		defer p.Close()
		if err := p.Ping(context.Background()); err == nil {
			t.Error("expected ping failure on refused connection")
		}
	})
}

func TestMarshalError(t *testing.T) {
	if _, err := Marshal(TypeStatusUpdate, "ev-1", func() {}); err == nil {
		t.Fatal("expected marshal error for unencodable payload")
	}
}
