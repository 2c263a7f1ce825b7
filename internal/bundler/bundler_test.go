package bundler

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"testing"

	"github.com/permachain/attest-writer/pkg/attestation"
)

func signedRecord(t *testing.T, payload, signature []byte) attestation.SignedRecord {
	t.Helper()
	id := sha256.Sum256(signature)
	return attestation.SignedRecord{
		Payload:   payload,
		Signature: signature,
		ID:        base64.RawURLEncoding.EncodeToString(id[:]),
	}
}

func TestPackUnpack_RoundTrip(t *testing.T) {
	records := []attestation.SignedRecord{
		signedRecord(t, []byte(`{"seq":1}`), bytes.Repeat([]byte{0x01}, 65)),
		signedRecord(t, []byte(`{"seq":2}`), bytes.Repeat([]byte{0x02}, 65)),
		signedRecord(t, []byte(`{"seq":3,"extra":"more bytes here"}`), bytes.Repeat([]byte{0x03}, 65)),
	}

	packed, err := Pack(records)
	if err != nil {
		t.Fatalf("Pack failed: %v", err)
	}

	bundle, err := Unpack(packed)
	if err != nil {
		t.Fatalf("Unpack failed: %v", err)
	}

	if len(bundle.Items) != len(records) {
		t.Fatalf("expected %d items, got %d", len(records), len(bundle.Items))
	}

	for i, item := range bundle.Items {
		if item.ID != records[i].ID {
			t.Errorf("item %d: expected id %s, got %s", i, records[i].ID, item.ID)
		}
		wantData := itemBytes(records[i])
		if !bytes.Equal(item.Data, wantData) {
			t.Errorf("item %d: data mismatch", i)
		}
	}
}

func TestPack_EmptyBatchErrors(t *testing.T) {
	if _, err := Pack(nil); err == nil {
		t.Error("expected error packing an empty batch")
	}
}

func TestPack_InvalidIDErrors(t *testing.T) {
	bad := []attestation.SignedRecord{
		{Payload: []byte("x"), Signature: []byte("y"), ID: "not-hex"},
	}
	if _, err := Pack(bad); err == nil {
		t.Error("expected error packing a record with an invalid id")
	}
}

func TestUnpack_TruncatedBufferErrors(t *testing.T) {
	records := []attestation.SignedRecord{
		signedRecord(t, []byte(`{"seq":1}`), bytes.Repeat([]byte{0x01}, 65)),
	}
	packed, err := Pack(records)
	if err != nil {
		t.Fatalf("Pack failed: %v", err)
	}

	if _, err := Unpack(packed[:len(packed)-10]); err == nil {
		t.Error("expected error unpacking a truncated buffer")
	}
}

func TestThresholds_ShouldUpload(t *testing.T) {
	th := DefaultThresholds()

	if th.ShouldUpload(100, 0) {
		t.Error("expected small/young batch not to be ready")
	}
	if !th.ShouldUpload(th.SizeThreshold, 0) {
		t.Error("expected batch at the size threshold to be ready")
	}
	if !th.ShouldUpload(0, th.TimeThreshold) {
		t.Error("expected batch at the age threshold to be ready")
	}
}

func TestThresholds_SplitBySize(t *testing.T) {
	th := Thresholds{MaxBundleSize: 100}

	sizes := []int64{30, 30, 30, 30}
	split := th.SplitBySize(sizes)
	if split != 3 {
		t.Errorf("expected split at 3 items (90 bytes fits, +30 would overflow), got %d", split)
	}

	allFit := th.SplitBySize([]int64{10, 10, 10})
	if allFit != 3 {
		t.Errorf("expected all items to fit, got split=%d", allFit)
	}
}
