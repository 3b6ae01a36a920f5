package sandwichjson

import (
	"io"
	"runtime"

	"github.com/bytedance/sonic"
	jsoniter "github.com/json-iterator/go"
)

// UseSonic is true on platforms sonic has a JIT for.
const UseSonic = runtime.GOARCH == "amd64" && runtime.GOOS == "linux"

func Unmarshal(data []byte, v any) error {
	if UseSonic {
		return sonic.Unmarshal(data, v)
	}

	return jsoniter.Unmarshal(data, v)
}

func UnmarshalReader(reader io.Reader, v any) error {
	if UseSonic {
		return sonic.ConfigDefault.NewDecoder(reader).Decode(v)
	}

	return jsoniter.NewDecoder(reader).Decode(v)
}

func Marshal(v any) ([]byte, error) {
	if UseSonic {
		return sonic.Marshal(v)
	}

	return jsoniter.Marshal(v)
}

func MarshalToWriter(writer io.Writer, v any) error {
	if UseSonic {
		return sonic.ConfigDefault.NewEncoder(writer).Encode(v)
	}

	return jsoniter.NewEncoder(writer).Encode(v)
}

// GetString reads a string field without decoding the whole document.
// Missing or mistyped paths return an empty string.
func GetString(data []byte, path ...any) string {
	return jsoniter.Get(data, path...).ToString()
}

// GetBool reads a boolean field without decoding the whole document.
func GetBool(data []byte, path ...any) bool {
	return jsoniter.Get(data, path...).ToBool()
}
