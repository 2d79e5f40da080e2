package iceconfig

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mossy-p/webcam-relay/config"
)

func TestFetch_UsesRelayTurnServer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/turn-config" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"turnServer":{"urls":"turn:10.0.0.5:3478","username":"u","credential":"c"}}`))
	}))
	defer srv.Close()

	servers := NewProvider(srv.URL, nil).Fetch(context.Background())
	if len(servers) != 2 {
		t.Fatalf("expected 2 servers, got %d", len(servers))
	}
	if servers[0].URLs[0] != config.DefaultStunURL {
		t.Errorf("first server = %v, want stun", servers[0].URLs)
	}
	turn := servers[1]
	if turn.URLs[0] != "turn:10.0.0.5:3478" || turn.Username != "u" || turn.Credential != "c" {
		t.Errorf("unexpected turn server %#v", turn)
	}
}

func TestFetch_FallsBack(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"server error", func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "boom", http.StatusInternalServerError)
		}},
		{"malformed body", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"turnServer":`))
		}},
		{"empty body", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{}`))
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			servers := NewProvider(srv.URL, nil).Fetch(context.Background())
			if len(servers) != 2 {
				t.Fatalf("expected 2 servers, got %d", len(servers))
			}
			want := Fallback(srv.URL)
			if servers[1].URLs[0] != want.URLs[0] || servers[1].Username != config.DefaultTurnUsername {
				t.Errorf("got %#v, want %#v", servers[1], want)
			}
		})
	}
}

func TestFetch_UnreachableRelay(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	servers := NewProvider(url, nil).Fetch(context.Background())
	if len(servers) != 2 || servers[1].Credential != config.DefaultTurnCredential {
		t.Fatalf("unexpected servers %#v", servers)
	}
}

func TestFallback_Host(t *testing.T) {
	tests := map[string]string{
		"http://192.168.1.20:8080": "turn:192.168.1.20:3478",
		"https://relay.example":    "turn:relay.example:3478",
		"":                         "turn:localhost:3478",
	}
	for in, want := range tests {
		if got := Fallback(in).URLs[0]; got != want {
			t.Errorf("Fallback(%q) = %s, want %s", in, got, want)
		}
	}
}
