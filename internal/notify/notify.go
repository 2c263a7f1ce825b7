// Package notify publishes chain-head advance events to JetStream so the
// read-side API can react without polling the gateway.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	pnats "github.com/permachain/attest-writer/internal/platform/nats"
)

// HeadAdvanced is the payload published whenever a finalize call commits a
// new chain head.
type HeadAdvanced struct {
	ChainKey  string    `json:"chain_key"`
	TX        string    `json:"tx"`
	CID       string    `json:"cid"`
	Seq       int64     `json:"seq"`
	Bundled   bool      `json:"bundled"`
	Published time.Time `json:"published"`
}

// Notifier publishes HeadAdvanced events for a chain key.
type Notifier struct {
	client *pnats.Client
}

// New returns a Notifier over an already-connected client. EnsureStream
// should be called once at startup before any publish.
func New(client *pnats.Client) *Notifier {
	return &Notifier{client: client}
}

// EnsureStream creates or updates the chain-head stream this package
// publishes to. Idempotent.
func EnsureStream(ctx context.Context, client *pnats.Client) error {
	_, err := pnats.EnsureStream(ctx, client.JetStream(), pnats.DefaultChainHeadStreamConfig())
	if err != nil {
		return fmt.Errorf("notify: ensure stream: %w", err)
	}
	return nil
}

// PublishHeadAdvanced publishes a head-advance event on
// attest.chain.head.{chain_key}. A publish failure is returned to the
// caller rather than swallowed: unlike an alert, a missed notification has
// no other path to the read-side API, though the caller is expected to log
// and continue rather than fail the finalize that already committed.
func (n *Notifier) PublishHeadAdvanced(ctx context.Context, event HeadAdvanced) error {
	event.Published = time.Now()

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("notify: marshal head-advanced event: %w", err)
	}

	subject := pnats.SubjectForChainHead(event.ChainKey)
	if _, err := n.client.JetStream().Publish(ctx, subject, body); err != nil {
		return fmt.Errorf("notify: publish to %s: %w", subject, err)
	}
	return nil
}
