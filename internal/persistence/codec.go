package persistence

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"time"

	"github.com/petrijr/stepwise/pkg/api"
)

// EncodeValue serializes a value using encoding/gob. Interface-typed fields
// (payloads) require their concrete types to be registered via
// api.RegisterPayload.
func EncodeValue(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, fmt.Errorf("gob encode %T: %w", v, err)
	}
	return buf.Bytes(), nil
}

// DecodeValue decodes data produced by EncodeValue into a T. Empty data
// yields the zero value.
func DecodeValue[T any](data []byte) (T, error) {
	var v T
	if len(data) == 0 {
		return v, nil
	}
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&v); err != nil {
		return v, fmt.Errorf("gob decode %T: %w", v, err)
	}
	return v, nil
}

// payloadEnvelope lets a bare interface value travel through gob, which
// refuses to encode a nil or interface-typed top-level value.
type payloadEnvelope struct {
	Value api.Payload
}

// EncodePayload encodes a step output. A nil payload encodes to nil.
func EncodePayload(p api.Payload) ([]byte, error) {
	if p == nil {
		return nil, nil
	}
	return EncodeValue(payloadEnvelope{Value: p})
}

// DecodePayload reverses EncodePayload.
func DecodePayload(data []byte) (api.Payload, error) {
	env, err := DecodeValue[payloadEnvelope](data)
	if err != nil {
		return nil, err
	}
	return env.Value, nil
}

// EncodeContext encodes a workflow context. Nil and empty contexts encode to
// nil.
func EncodeContext(c api.Context) ([]byte, error) {
	if len(c) == 0 {
		return nil, nil
	}
	return EncodeValue(c)
}

// DecodeContext reverses EncodeContext. It never returns a nil map.
func DecodeContext(data []byte) (api.Context, error) {
	c, err := DecodeValue[api.Context](data)
	if err != nil {
		return nil, err
	}
	if c == nil {
		c = api.Context{}
	}
	return c, nil
}

// EncodeLogs encodes a step log.
func EncodeLogs(logs []string) ([]byte, error) {
	if len(logs) == 0 {
		return nil, nil
	}
	return EncodeValue(logs)
}

// DecodeLogs reverses EncodeLogs.
func DecodeLogs(data []byte) ([]string, error) {
	return DecodeValue[[]string](data)
}

// unixNanos maps the zero time to 0 so that "unset" survives a round trip
// through integer columns.
func unixNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
