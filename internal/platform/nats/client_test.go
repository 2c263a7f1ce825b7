package nats

import (
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.URL != "nats://localhost:4222" {
		t.Errorf("expected default URL nats://localhost:4222, got %s", cfg.URL)
	}
	if cfg.MaxReconnects != -1 {
		t.Errorf("expected unlimited reconnects (-1), got %d", cfg.MaxReconnects)
	}
	if cfg.ReconnectWait != 2*time.Second {
		t.Errorf("expected 2s reconnect wait, got %v", cfg.ReconnectWait)
	}
}

func TestDefaultChainHeadStreamConfig(t *testing.T) {
	cfg := DefaultChainHeadStreamConfig()

	if cfg.Name != "ATTEST_CHAIN_HEAD" {
		t.Errorf("expected stream name ATTEST_CHAIN_HEAD, got %s", cfg.Name)
	}
	if len(cfg.Subjects) != 1 || cfg.Subjects[0] != "attest.chain.head.>" {
		t.Errorf("expected subjects [attest.chain.head.>], got %v", cfg.Subjects)
	}
	if cfg.MaxAge != 24*time.Hour {
		t.Errorf("expected 24h max age, got %v", cfg.MaxAge)
	}
}

func TestSubjectForChainHead(t *testing.T) {
	tests := []struct {
		chainKey string
		expected string
	}{
		{"head", "attest.chain.head.head"},
		{"test-chain", "attest.chain.head.test-chain"},
	}

	for _, tt := range tests {
		got := SubjectForChainHead(tt.chainKey)
		if got != tt.expected {
			t.Errorf("SubjectForChainHead(%q) = %q, want %q", tt.chainKey, got, tt.expected)
		}
	}
}

func TestDefaultFanoutConsumerConfig(t *testing.T) {
	cfg := DefaultFanoutConsumerConfig("test-consumer")

	if cfg.Name != "test-consumer" {
		t.Errorf("expected consumer name test-consumer, got %s", cfg.Name)
	}
	if !cfg.Durable {
		t.Error("expected durable consumer")
	}
	if cfg.MaxDeliver != 3 {
		t.Errorf("expected max deliver 3, got %d", cfg.MaxDeliver)
	}
}
