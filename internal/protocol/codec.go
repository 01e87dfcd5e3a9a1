package protocol

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// Codec names.
const (
	CodecJSON = "json"
	CodecCBOR = "cbor"
)

// Encoder writes messages to a stream.
type Encoder interface {
	Encode(m *Message) error
}

// Decoder reads messages from a stream.
type Decoder interface {
	Decode(m *Message) error
}

// Codec builds encoders and decoders for one wire format.
type Codec interface {
	Name() string
	NewEncoder(w io.Writer) Encoder
	NewDecoder(r io.Reader) Decoder
}

// CodecByName returns the codec registered under name. An empty name
// selects JSON.
func CodecByName(name string) (Codec, error) {
	switch name {
	case "", CodecJSON:
		return JSONCodec{}, nil
	case CodecCBOR:
		return CBORCodec{}, nil
	default:
		return nil, fmt.Errorf("unknown codec %q (supported: json, cbor)", name)
	}
}

// JSONCodec frames each message as one line of JSON.
type JSONCodec struct{}

func (JSONCodec) Name() string { return CodecJSON }

func (JSONCodec) NewEncoder(w io.Writer) Encoder {
	return &jsonEncoder{enc: json.NewEncoder(w)}
}

func (JSONCodec) NewDecoder(r io.Reader) Decoder {
	return &jsonDecoder{dec: json.NewDecoder(bufio.NewReader(r))}
}

var (
	_ Encoder = (*jsonEncoder)(nil)
	_ Encoder = (*cborEncoder)(nil)
	_ Decoder = (*jsonDecoder)(nil)
	_ Decoder = (*cborDecoder)(nil)
)

type jsonEncoder struct {
	enc *json.Encoder
}

func (e *jsonEncoder) Encode(m *Message) error {
	return e.enc.Encode(m)
}

type jsonDecoder struct {
	dec *json.Decoder
}

func (d *jsonDecoder) Decode(m *Message) error {
	*m = Message{}
	return d.dec.Decode(m)
}

var (
	cborEnc cbor.EncMode
	cborDec cbor.DecMode
)

func init() {
	var err error

	// Core Deterministic Encoding: sorted keys, shortest integers.
	cborEnc, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("protocol: CBOR encoder initialization failed: " + err.Error())
	}

	cborDec, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("protocol: CBOR decoder initialization failed: " + err.Error())
	}
}

// CBORCodec writes messages as a CBOR sequence. Struct fields use their
// json tags as map keys.
type CBORCodec struct{}

func (CBORCodec) Name() string { return CodecCBOR }

func (CBORCodec) NewEncoder(w io.Writer) Encoder {
	return &cborEncoder{enc: cborEnc.NewEncoder(w)}
}

func (CBORCodec) NewDecoder(r io.Reader) Decoder {
	return &cborDecoder{dec: cborDec.NewDecoder(r)}
}

type cborEncoder struct {
	enc *cbor.Encoder
}

func (e *cborEncoder) Encode(m *Message) error {
	return e.enc.Encode(m)
}

type cborDecoder struct {
	dec *cbor.Decoder
}

func (d *cborDecoder) Decode(m *Message) error {
	*m = Message{}
	return d.dec.Decode(m)
}
