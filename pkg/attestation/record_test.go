package attestation

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"
)

func TestRecord_IsGenesis(t *testing.T) {
	genesis := Record{Seq: 1, PrevTX: nil, PrevCID: nil}
	if !genesis.IsGenesis() {
		t.Error("expected seq=1 with nil prev to be genesis")
	}

	prevTX := "tx-0"
	prevCID := "cid-0"
	nonGenesis := Record{Seq: 2, PrevTX: &prevTX, PrevCID: &prevCID}
	if nonGenesis.IsGenesis() {
		t.Error("expected seq=2 with non-nil prev not to be genesis")
	}

	wrongSeq := Record{Seq: 5, PrevTX: nil, PrevCID: nil}
	if wrongSeq.IsGenesis() {
		t.Error("expected seq=5 not to be genesis even with nil prev")
	}
}

func TestRecord_CanonicalBytes_Deterministic(t *testing.T) {
	ts := NewEpochMillis(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	r := Record{
		Seq:      1,
		CID:      "cid-1",
		EntityID: "entity-1",
		Ver:      1,
		Op:       OpCreate,
		Vis:      VisibilityPublic,
		TS:       ts,
		Manifest: Manifest{EntityID: "entity-1", CID: "cid-1", ContentHash: "hash-1"},
	}

	a, err := r.CanonicalBytes()
	if err != nil {
		t.Fatalf("CanonicalBytes failed: %v", err)
	}
	b, err := r.CanonicalBytes()
	if err != nil {
		t.Fatalf("CanonicalBytes failed: %v", err)
	}
	if !bytes.Equal(a, b) {
		t.Error("expected identical records to canonicalize to identical bytes")
	}
}

func TestEpochMillis_RoundTrip(t *testing.T) {
	ts := time.Date(2026, 3, 15, 12, 30, 0, 0, time.UTC)
	m := NewEpochMillis(ts)

	data, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var got EpochMillis
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if !got.Time().Equal(ts) {
		t.Errorf("expected %v, got %v", ts, got.Time())
	}
}

func TestTagsFor(t *testing.T) {
	prevTX := "tx-prev"
	prevCID := "cid-prev"
	sr := SignedRecord{
		Record: Record{
			EntityID: "entity-42",
			Ver:      3,
			CID:      "cid-42",
			Seq:      7,
			Op:       OpUpdate,
			Vis:      VisibilityPrivate,
			PrevTX:   &prevTX,
			PrevCID:  &prevCID,
		},
	}

	tags := TagsFor(sr)
	if tags["PI"] != "entity-42" {
		t.Errorf("expected PI tag entity-42, got %s", tags["PI"])
	}
	if tags["Ver"] != "3" {
		t.Errorf("expected Ver tag 3, got %s", tags["Ver"])
	}
	if tags["Seq"] != "7" {
		t.Errorf("expected Seq tag 7, got %s", tags["Seq"])
	}
	if tags["Prev-TX"] != "tx-prev" {
		t.Errorf("expected Prev-TX tag tx-prev, got %s", tags["Prev-TX"])
	}
	if tags["Prev-CID"] != "cid-prev" {
		t.Errorf("expected Prev-CID tag cid-prev, got %s", tags["Prev-CID"])
	}
}
