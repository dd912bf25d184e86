package builtin

import (
	"io"

	"github.com/ChuLiYu/nearline-mover/internal/stage"
	"github.com/ChuLiYu/nearline-mover/internal/wire"
)

// Decoder reads msgpack request frames.
type Decoder struct {
	maxFrame int
}

func NewDecoder(maxFrame int) *Decoder { return &Decoder{maxFrame: maxFrame} }

func (d *Decoder) Name() string { return stage.NameDecode }

func (d *Decoder) NewDecoder(r io.Reader) stage.RequestReader {
	return wire.NewRequestReader(wire.NewFrameReader(r, d.maxFrame))
}

// Encoder writes msgpack response frames.
type Encoder struct {
	maxFrame int
}

func NewEncoder(maxFrame int) *Encoder { return &Encoder{maxFrame: maxFrame} }

func (e *Encoder) Name() string { return stage.NameEncode }

func (e *Encoder) NewEncoder(w io.Writer) stage.ResponseWriter {
	return wire.NewResponseWriter(wire.NewFrameWriter(w, e.maxFrame))
}
