package adminws

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestHub_BroadcastReachesConnectedClient(t *testing.T) {
	h := NewHub(nil, nil)
	srv := httptest.NewServer(h)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer client.Close()

	deadline := time.Now().Add(2 * time.Second)
	for h.ConnectionCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if h.ConnectionCount() != 1 {
		t.Fatalf("expected 1 connected client, got %d", h.ConnectionCount())
	}

	h.Broadcast("tick_result", map[string]int{"processed": 5, "succeeded": 4, "failed": 1})

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := client.ReadMessage()
	if err != nil {
		t.Fatalf("read message failed: %v", err)
	}

	var decoded struct {
		Type string `json:"type"`
		Data struct {
			Processed int `json:"processed"`
		} `json:"data"`
	}
	if err := json.Unmarshal(msg, &decoded); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if decoded.Type != "tick_result" || decoded.Data.Processed != 5 {
		t.Errorf("unexpected broadcast payload: %+v", decoded)
	}
}

func TestHub_DisconnectRemovesClient(t *testing.T) {
	h := NewHub(nil, nil)
	srv := httptest.NewServer(h)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for h.ConnectionCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	client.Close()

	deadline = time.Now().Add(2 * time.Second)
	for h.ConnectionCount() != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if h.ConnectionCount() != 0 {
		t.Errorf("expected client removed after disconnect, got %d", h.ConnectionCount())
	}
}
