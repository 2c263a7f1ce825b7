// +build integration

package nats_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	pnats "github.com/permachain/attest-writer/internal/platform/nats"
)

func TestNATSIntegration(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cfg := pnats.DefaultConfig()
	cfg.URL = "nats://localhost:4222"
	cfg.Name = "integration-test"

	client, err := pnats.Connect(ctx, cfg)
	if err != nil {
		t.Fatalf("Failed to connect to NATS: %v", err)
	}
	defer client.Close()

	t.Log("Successfully connected to NATS")

	streamCfg := pnats.DefaultChainHeadStreamConfig()
	stream, err := pnats.EnsureStream(ctx, client.JetStream(), streamCfg)
	if err != nil {
		t.Fatalf("Failed to create stream: %v", err)
	}

	t.Logf("Created stream: %s", streamCfg.Name)

	consumerCfg := pnats.DefaultFanoutConsumerConfig("integration-test-consumer")
	consumer, err := pnats.EnsureConsumer(ctx, stream, consumerCfg)
	if err != nil {
		t.Fatalf("Failed to create consumer: %v", err)
	}

	t.Logf("Created consumer: %s", consumerCfg.Name)

	testNotification := map[string]interface{}{
		"chain_key": "head",
		"seq":       42,
		"tx":        "test-tx-001",
		"cid":       "test-cid-001",
	}

	data, err := json.Marshal(testNotification)
	if err != nil {
		t.Fatalf("Failed to marshal notification: %v", err)
	}

	subject := pnats.SubjectForChainHead("head")
	ack, err := client.JetStream().Publish(ctx, subject, data)
	if err != nil {
		t.Fatalf("Failed to publish notification: %v", err)
	}

	t.Logf("Published notification to %s, seq=%d", subject, ack.Sequence)

	msgs, err := consumer.Fetch(1)
	if err != nil {
		t.Fatalf("Failed to fetch messages: %v", err)
	}

	msgCount := 0
	for msg := range msgs.Messages() {
		var received map[string]interface{}
		if err := json.Unmarshal(msg.Data(), &received); err != nil {
			t.Errorf("Failed to unmarshal received message: %v", err)
		} else {
			t.Logf("Received notification: chain_key=%v seq=%v", received["chain_key"], received["seq"])
			if received["chain_key"] != testNotification["chain_key"] {
				t.Errorf("chain_key mismatch: got %v, want %v", received["chain_key"], testNotification["chain_key"])
			}
		}
		msg.Ack()
		msgCount++
	}

	if msgCount != 1 {
		t.Errorf("Expected 1 message, got %d", msgCount)
	}

	t.Log("NATS JetStream integration test passed!")
}
