package crdt

import (
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
)

// Block tags. The first byte of every update block selects how the rest is
// encoded. These are wire constants: changing them breaks every replica.
const (
	tagCBOR byte = 0x00
	tagZstd byte = 0x01
)

// formatVersion is stored in every block and checked on decode.
const formatVersion = 1

// DefaultCompressThreshold is the encoded size (bytes) above which a block is
// zstd-compressed.
const DefaultCompressThreshold = 16 * 1024

// maxDecodedSize bounds zstd output so a small hostile block cannot expand
// into an unbounded allocation.
const maxDecodedSize = 64 << 20

var (
	encMode cbor.EncMode
	decMode cbor.DecMode

	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error

	// Core Deterministic Encoding: sorted map keys, shortest integers. Equal
	// logical state must always produce identical bytes.
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("crdt: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		DupMapKey:      cbor.DupMapKeyEnforcedAPF,
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("crdt: CBOR decoder initialization failed: " + err.Error())
	}

	zstdEncoder, err = zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedDefault),
		zstd.WithEncoderConcurrency(1),
	)
	if err != nil {
		panic("crdt: zstd encoder initialization failed: " + err.Error())
	}

	zstdDecoder, err = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxDecodedSize))
	if err != nil {
		panic("crdt: zstd decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes a value stored inside a document (for example an activity
// entry) with the same deterministic encoding used for blocks.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes a value previously stored with Marshal.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

type wireRegister struct {
	Value string `cbor:"v"`
	Stamp ID     `cbor:"t"`
}

type wireItem struct {
	ID    ID              `cbor:"id"`
	Value cbor.RawMessage `cbor:"v"`
}

type wireList struct {
	Items   []wireItem `cbor:"items,omitempty"`
	Deleted []ID       `cbor:"deleted,omitempty"`
}

type wireState struct {
	Version int                     `cbor:"ver"`
	Texts   map[string]wireRegister `cbor:"texts,omitempty"`
	Lists   map[string]wireList     `cbor:"lists,omitempty"`
}

func encodeBlock(st *wireState, compressThreshold int) ([]byte, error) {
	st.Version = formatVersion
	payload, err := encMode.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("crdt: encode state: %w", err)
	}

	if compressThreshold > 0 && len(payload) >= compressThreshold {
		return zstdEncoder.EncodeAll(payload, []byte{tagZstd}), nil
	}

	block := make([]byte, 0, len(payload)+1)
	block = append(block, tagCBOR)
	return append(block, payload...), nil
}

func decodeBlock(block []byte) (*wireState, error) {
	if len(block) == 0 {
		return nil, &DecodeError{Reason: "empty block"}
	}

	var payload []byte
	switch block[0] {
	case tagCBOR:
		payload = block[1:]
	case tagZstd:
		var err error
		payload, err = zstdDecoder.DecodeAll(block[1:], nil)
		if err != nil {
			return nil, &DecodeError{Reason: "zstd payload", Err: err}
		}
	default:
		return nil, &DecodeError{Reason: fmt.Sprintf("unknown block tag 0x%02x", block[0])}
	}

	var st wireState
	if err := decMode.Unmarshal(payload, &st); err != nil {
		return nil, &DecodeError{Reason: "cbor payload", Err: err}
	}
	if st.Version != formatVersion {
		return nil, &DecodeError{Reason: fmt.Sprintf("unsupported format version %d", st.Version)}
	}
	if err := st.validate(); err != nil {
		return nil, err
	}
	return &st, nil
}

func (st *wireState) validate() error {
	for name, reg := range st.Texts {
		if !reg.Stamp.valid() {
			return &DecodeError{Reason: fmt.Sprintf("text %q: invalid stamp %v", name, reg.Stamp)}
		}
	}
	for name, list := range st.Lists {
		for _, it := range list.Items {
			if !it.ID.valid() {
				return &DecodeError{Reason: fmt.Sprintf("list %q: invalid item id %v", name, it.ID)}
			}
			if len(it.Value) == 0 {
				return &DecodeError{Reason: fmt.Sprintf("list %q: item %v has no value", name, it.ID)}
			}
		}
		for _, id := range list.Deleted {
			if !id.valid() {
				return &DecodeError{Reason: fmt.Sprintf("list %q: invalid tombstone %v", name, id)}
			}
		}
	}
	return nil
}
