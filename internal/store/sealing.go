package store

import (
	"encoding/json"

	"github.com/sells-group/variant-optimizer/internal/apperr"
	"github.com/sells-group/variant-optimizer/internal/statecodec"
)

const pathKey = "path"

func sealPath(c *statecodec.Codec, path []string) ([]byte, error) {
	return c.Encrypt(map[string]any{pathKey: path})
}

func openPath(c *statecodec.Codec, blob []byte) ([]string, error) {
	m, err := c.Decrypt(blob)
	if err != nil {
		return nil, err
	}
	raw, ok := m[pathKey].([]any)
	if !ok {
		return nil, apperr.New(apperr.Integrity, "store: sealed path has no path list")
	}
	out := make([]string, len(raw))
	for i, v := range raw {
		s, ok := v.(string)
		if !ok {
			return nil, apperr.New(apperr.Integrity, "store: sealed path element %d is not a string", i)
		}
		out[i] = s
	}
	return out, nil
}

// marshalMap encodes an optional JSON object column.
func marshalMap(m map[string]any) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.InvalidArgument, "store: marshal json column")
	}
	return b, nil
}

func unmarshalMap(b []byte) (map[string]any, error) {
	if len(b) == 0 || string(b) == "null" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, apperr.Wrap(err, apperr.Internal, "store: unmarshal json column")
	}
	return m, nil
}

func contentBytes(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
