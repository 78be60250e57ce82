// Package wire holds the request envelopes and codecs shared by the remote
// client and server.
package wire

import (
	"fmt"
	"mime"
	"strings"

	"github.com/fxamacker/cbor/v2"
	json "github.com/goccy/go-json"
)

// Codec encodes call envelopes for one content type.
type Codec struct {
	Name        string
	ContentType string
	Marshal     func(v any) ([]byte, error)
	Unmarshal   func(data []byte, v any) error
}

var (
	JSON = Codec{
		Name:        "json",
		ContentType: "application/json",
		Marshal:     json.Marshal,
		Unmarshal:   json.Unmarshal,
	}
	CBOR = Codec{
		Name:        "cbor",
		ContentType: "application/cbor",
		Marshal:     cborEnc.Marshal,
		Unmarshal:   cborDec.Unmarshal,
	}
)

var (
	cborEnc = mustEncMode()
	cborDec = mustDecMode()
)

// Cache tensors dominate payload size; shortest-float encoding keeps
// float32 values that fit in float16 at two bytes.
func mustEncMode() cbor.EncMode {
	opts := cbor.CoreDetEncOptions()
	opts.ShortestFloat = cbor.ShortestFloat16
	em, err := opts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("wire: cbor encoder: %v", err))
	}
	return em
}

func mustDecMode() cbor.DecMode {
	dm, err := cbor.DecOptions{
		MaxArrayElements: 1 << 27,
		MaxMapPairs:      1 << 20,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("wire: cbor decoder: %v", err))
	}
	return dm
}

// ByName resolves a codec name; empty selects JSON.
func ByName(name string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", JSON.Name:
		return JSON, nil
	case CBOR.Name:
		return CBOR, nil
	default:
		return Codec{}, fmt.Errorf("unknown codec %q (expected json or cbor)", name)
	}
}

// ForContentType picks the codec for a Content-Type header value.
func ForContentType(header string) (Codec, bool) {
	if header == "" {
		return Codec{}, false
	}
	mediaType, _, err := mime.ParseMediaType(header)
	if err != nil {
		return Codec{}, false
	}
	switch mediaType {
	case JSON.ContentType:
		return JSON, true
	case CBOR.ContentType:
		return CBOR, true
	default:
		return Codec{}, false
	}
}
