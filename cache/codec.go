package cache

import jsoniter "github.com/json-iterator/go"

// Codec is the encode/decode contract for cached values. The arena never
// inspects value contents; it stores whatever bytes the codec produces.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// JSONCodec is the default Codec.
type JSONCodec struct{}

var json = jsoniter.ConfigCompatibleWithStandardLibrary

func (JSONCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (JSONCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

var _ Codec = JSONCodec{}
