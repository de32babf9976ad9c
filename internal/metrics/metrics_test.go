package metrics

import (
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/mailroom/mailroom/framework/log"
)

func TestCollectorsRegistered(t *testing.T) {
	QueuedMessages.WithLabelValues("/tmp/queue").Set(3)
	RouterDispatches.WithLabelValues("logger", "ok").Inc()
	RelayDeliveries.WithLabelValues("delivered").Inc()
	RouterDispatchDuration.Observe(0.01)
}

func TestEndpointServeListener(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen: %v", err)
	}

	e := NewEndpoint(log.Nop())
	done := make(chan error, 1)
	go func() { done <- e.ServeListener(l) }()

	resp, err := http.Get("http://" + l.Addr().String() + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}

	if err := e.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("ServeListener returned %v after Close", err)
		}
	case <-time.After(2 * time.Second):
		t.Error("ServeListener did not return after Close")
	}
}
