// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package result

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// MaxDatagramSize is the hard cap for one UDP payload. Results that do not
// fit are dropped, never fragmented.
const MaxDatagramSize = 1400

// ErrOversizeDatagram is returned when a result cannot fit in one datagram.
var ErrOversizeDatagram = errors.New("result exceeds datagram size limit")

var cborEnc = func() cbor.EncMode {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

// EncodeJSON serializes a result for the text transports (WS, HTTP, SSE,
// MQTT).
func EncodeJSON(r AnalysisResult) ([]byte, error) {
	return json.Marshal(r)
}

// DecodeJSON parses a result, rejecting unknown fields so that malformed
// producer output fails at the boundary.
func DecodeJSON(data []byte) (AnalysisResult, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var r AnalysisResult
	if err := dec.Decode(&r); err != nil {
		return AnalysisResult{}, err
	}
	if err := r.Validate(); err != nil {
		return AnalysisResult{}, err
	}
	return r, nil
}

// EncodeDatagram serializes a result to a length-prefixed CBOR payload for
// UDP. The 4-byte big-endian prefix covers the CBOR body only.
func EncodeDatagram(r AnalysisResult) ([]byte, error) {
	body, err := cborEnc.Marshal(r)
	if err != nil {
		return nil, err
	}
	if len(body)+4 > MaxDatagramSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrOversizeDatagram, len(body)+4)
	}
	out := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(out, uint32(len(body)))
	copy(out[4:], body)
	return out, nil
}

// DecodeDatagram parses a length-prefixed CBOR payload. Truncated payloads
// are rejected; there is no reassembly.
func DecodeDatagram(data []byte) (AnalysisResult, error) {
	if len(data) < 4 {
		return AnalysisResult{}, errors.New("datagram too short")
	}
	n := binary.BigEndian.Uint32(data)
	if int(n) != len(data)-4 {
		return AnalysisResult{}, fmt.Errorf("datagram length mismatch: prefix %d, body %d", n, len(data)-4)
	}
	var r AnalysisResult
	if err := cbor.Unmarshal(data[4:], &r); err != nil {
		return AnalysisResult{}, err
	}
	return r, nil
}

// recordLine is the persisted shape of one recorded result.
type recordLine struct {
	TS      int64          `json:"ts"`
	Stream  string         `json:"stream"`
	Payload AnalysisResult `json:"payload"`
}

// EncodeRecordLine serializes one recording entry as a newline-terminated
// JSON object.
func EncodeRecordLine(streamID string, r AnalysisResult) ([]byte, error) {
	line, err := json.Marshal(recordLine{
		TS:      time.Now().UnixNano(),
		Stream:  streamID,
		Payload: r,
	})
	if err != nil {
		return nil, err
	}
	return append(line, '\n'), nil
}
