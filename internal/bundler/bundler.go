// Package bundler packs signed records into a single ANS-104-style binary
// container, preserving each record's individually-addressable id.
package bundler

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"fmt"

	"github.com/permachain/attest-writer/pkg/attestation"
)

// headerSize is the per-item (size, id) header: a 32-byte little-endian
// length followed by a 32-byte item id.
const headerSize = 64

// itemIDSize is the width of the id half of each item header.
const itemIDSize = 32

// itemBytes is the on-the-wire representation of a single bundled record:
// its signature immediately followed by its canonical payload. The item id
// (sha256 of the signature) lets a reader locate and verify the record
// without parsing every other item in the bundle.
func itemBytes(sr attestation.SignedRecord) []byte {
	buf := make([]byte, 0, len(sr.Signature)+len(sr.Payload))
	buf = append(buf, sr.Signature...)
	buf = append(buf, sr.Payload...)
	return buf
}

// Bundle is the decoded form of a packed container: useful for tests and for
// the ghost-upload verification the uploader performs after a bundle post.
type Bundle struct {
	Items []BundleItem
}

// BundleItem is one entry extracted from a decoded bundle.
type BundleItem struct {
	ID   string // base64url-encoded, matches attestation.SignedRecord.ID
	Data []byte
}

// Pack concatenates records into the binary container described by the
// ANS-104-style layout: a 32-byte little-endian item count, followed by one
// 64-byte (size, id) header per item in order, followed by the items'
// bytes concatenated in the same order.
func Pack(records []attestation.SignedRecord) ([]byte, error) {
	if len(records) == 0 {
		return nil, fmt.Errorf("pack bundle: no records")
	}

	items := make([][]byte, len(records))
	ids := make([][]byte, len(records))
	for i, sr := range records {
		items[i] = itemBytes(sr)
		idBytes, err := base64.RawURLEncoding.DecodeString(sr.ID)
		if err != nil || len(idBytes) != itemIDSize {
			return nil, fmt.Errorf("pack bundle: record %d has invalid id %q", i, sr.ID)
		}
		ids[i] = idBytes
	}

	var buf bytes.Buffer

	countBuf := make([]byte, 32)
	binary.LittleEndian.PutUint64(countBuf, uint64(len(records)))
	buf.Write(countBuf)

	for i := range items {
		sizeBuf := make([]byte, 32)
		binary.LittleEndian.PutUint64(sizeBuf, uint64(len(items[i])))
		buf.Write(sizeBuf)
		buf.Write(ids[i])
	}

	for _, item := range items {
		buf.Write(item)
	}

	return buf.Bytes(), nil
}

// Unpack decodes a bundle container back into its items, validating the
// header's declared sizes against the remaining buffer length.
func Unpack(data []byte) (Bundle, error) {
	if len(data) < 32 {
		return Bundle{}, fmt.Errorf("unpack bundle: too short for count header")
	}

	count := binary.LittleEndian.Uint64(data[:32])
	offset := 32

	headersEnd := offset + int(count)*headerSize
	if headersEnd > len(data) {
		return Bundle{}, fmt.Errorf("unpack bundle: item headers overflow buffer")
	}

	type header struct {
		size uint64
		id   string
	}
	headers := make([]header, count)
	for i := 0; i < int(count); i++ {
		h := data[offset : offset+headerSize]
		size := binary.LittleEndian.Uint64(h[:itemIDSize])
		id := base64.RawURLEncoding.EncodeToString(h[itemIDSize:])
		headers[i] = header{size: size, id: id}
		offset += headerSize
	}

	items := make([]BundleItem, count)
	for i, h := range headers {
		if offset+int(h.size) > len(data) {
			return Bundle{}, fmt.Errorf("unpack bundle: item %d overflows buffer", i)
		}
		items[i] = BundleItem{ID: h.id, Data: data[offset : offset+int(h.size)]}
		offset += int(h.size)
	}

	return Bundle{Items: items}, nil
}
