package wasm

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/openfroyo/unitkernel/pkg/kernel"
)

// decodeResponse parses the factory output, a JSON object, into a record
// keeping key order. An object whose only key is "error" is a failure.
func decodeResponse(data []byte) (*kernel.Record, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return kernel.NewRecord(), nil
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	v, err := decodeValue(dec)
	if err != nil {
		return nil, fmt.Errorf("invalid factory result: %w", err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, errors.New("invalid factory result: trailing data")
	}

	rec, ok := v.(*kernel.Record)
	if !ok {
		return nil, fmt.Errorf("factory must return a JSON object, got %T", v)
	}
	if rec.Len() == 1 {
		if msg, ok := rec.Get("error"); ok {
			return nil, fmt.Errorf("factory error: %v", msg)
		}
	}
	return rec, nil
}

func decodeValue(dec *json.Decoder) (any, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}

	switch t := tok.(type) {
	case json.Delim:
		switch t {
		case '{':
			rec := kernel.NewRecord()
			for dec.More() {
				keyTok, err := dec.Token()
				if err != nil {
					return nil, err
				}
				key, ok := keyTok.(string)
				if !ok {
					return nil, fmt.Errorf("unexpected object key %v", keyTok)
				}
				v, err := decodeValue(dec)
				if err != nil {
					return nil, err
				}
				rec.Set(key, v)
			}
			_, err := dec.Token()
			return rec, err
		case '[':
			list := []any{}
			for dec.More() {
				v, err := decodeValue(dec)
				if err != nil {
					return nil, err
				}
				list = append(list, v)
			}
			_, err := dec.Token()
			return list, err
		}
		return nil, fmt.Errorf("unexpected delimiter %v", t)
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return int(i), nil
		}
		return t.Float64()
	default:
		// string, bool or nil
		return t, nil
	}
}
