// +build integration

package notify_test

import (
	"context"
	"testing"
	"time"

	"github.com/permachain/attest-writer/internal/notify"
	pnats "github.com/permachain/attest-writer/internal/platform/nats"
)

func TestNotifier_PublishHeadAdvanced(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cfg := pnats.DefaultConfig()
	cfg.Name = "notify-integration-test"

	client, err := pnats.Connect(ctx, cfg)
	if err != nil {
		t.Fatalf("connect to nats: %v", err)
	}
	defer client.Close()

	if err := notify.EnsureStream(ctx, client); err != nil {
		t.Fatalf("ensure stream: %v", err)
	}

	n := notify.New(client)
	if err := n.PublishHeadAdvanced(ctx, notify.HeadAdvanced{
		ChainKey: "head",
		TX:       "tx-integration-1",
		CID:      "cid-integration-1",
		Seq:      1,
	}); err != nil {
		t.Fatalf("publish head advanced: %v", err)
	}
}
