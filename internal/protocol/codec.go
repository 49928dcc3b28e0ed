package protocol

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/flate"
	"github.com/vmihailenco/msgpack/v5"
)

// Compression envelope. Snapshot states are the only payloads big enough
// to be worth compressing; everything else ships raw.
const (
	envelopeRaw   = 0x00
	envelopeFlate = 0x01

	// compressThreshold is the payload size at or above which Pack
	// applies flate. Below it the header byte is the only overhead.
	compressThreshold = 512
)

// Marshal encodes v as msgpack with sorted map keys, so two encodings of
// the same value are byte-identical on every machine.
func Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetSortMapKeys(true)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("encoding %T: %w", v, err)
	}
	return buf.Bytes(), nil
}

// Unmarshal decodes msgpack data into v.
func Unmarshal(data []byte, v any) error {
	if err := msgpack.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decoding %T: %w", v, err)
	}
	return nil
}

// Pack wraps payload in the compression envelope, compressing with flate
// when it is large enough to pay for itself.
func Pack(payload []byte) ([]byte, error) {
	if len(payload) < compressThreshold {
		return append([]byte{envelopeRaw}, payload...), nil
	}
	var buf bytes.Buffer
	buf.WriteByte(envelopeFlate)
	fw, err := flate.NewWriter(&buf, flate.BestSpeed)
	if err != nil {
		return nil, fmt.Errorf("creating flate writer: %w", err)
	}
	if _, err := fw.Write(payload); err != nil {
		return nil, fmt.Errorf("compressing payload: %w", err)
	}
	if err := fw.Close(); err != nil {
		return nil, fmt.Errorf("flushing flate writer: %w", err)
	}
	// Compression can lose on already-dense payloads; keep the smaller.
	if buf.Len() >= len(payload)+1 {
		return append([]byte{envelopeRaw}, payload...), nil
	}
	return buf.Bytes(), nil
}

// Unpack reverses Pack.
func Unpack(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty envelope")
	}
	switch data[0] {
	case envelopeRaw:
		return data[1:], nil
	case envelopeFlate:
		fr := flate.NewReader(bytes.NewReader(data[1:]))
		defer fr.Close()
		payload, err := io.ReadAll(fr)
		if err != nil {
			return nil, fmt.Errorf("decompressing payload: %w", err)
		}
		return payload, nil
	default:
		return nil, fmt.Errorf("unknown envelope flag 0x%02x", data[0])
	}
}

// MsgpackCodec is the default world codec: a structural msgpack
// round-trip with deterministic key order. Games with custom wire needs
// implement game.Codec instead.
type MsgpackCodec[W any] struct{}

func (MsgpackCodec[W]) Serialize(w W) ([]byte, error) { return Marshal(w) }

func (MsgpackCodec[W]) Deserialize(data []byte) (W, error) {
	var w W
	if err := Unmarshal(data, &w); err != nil {
		return w, err
	}
	return w, nil
}
