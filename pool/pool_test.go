package pool

import (
	"net/http"
	"testing"
	"time"
)

func TestNew_Defaults(t *testing.T) {
	client := New(Config{}).GetHTTPClient()
	if client == nil {
		t.Fatal("no client built")
	}
	if client.Timeout != 10*time.Minute {
		t.Errorf("timeout = %v, want 10m", client.Timeout)
	}

	transport, ok := client.Transport.(*http.Transport)
	if !ok {
		t.Fatalf("transport = %T", client.Transport)
	}
	if transport.TLSClientConfig.InsecureSkipVerify {
		t.Error("default transport must verify certificates")
	}
	if !transport.ForceAttemptHTTP2 {
		t.Error("transport must attempt HTTP/2")
	}
}

func TestNew_ReusesOneClient(t *testing.T) {
	p := New(Config{Timeout: time.Second})
	if p.GetHTTPClient() != p.GetHTTPClient() {
		t.Error("a pool must hand out one shared client")
	}
}

func TestSharedAndInstall(t *testing.T) {
	original := Shared()
	if original == nil {
		t.Fatal("shared pool not built")
	}
	if Shared() != original {
		t.Error("shared pool must be stable across calls")
	}

	replacement := New(Config{Timeout: time.Second})
	previous := Install(replacement)
	defer Install(previous)

	if previous != original {
		t.Errorf("Install returned %v, want the prior pool", previous)
	}
	if Shared() != replacement {
		t.Error("Install must take effect for subsequent Shared calls")
	}
}
