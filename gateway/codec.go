package gateway

import (
	"bytes"
	"compress/flate"
	"io"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/kierajs/kiera-go/types"
)

// zlibSuffix terminates every sync-flushed message on a compressed stream.
var zlibSuffix = []byte{0x00, 0x00, 0xff, 0xff}

const inflateWindowSize = 32 << 10

// Codec handles the per-connection wire format. The encoding selector always
// resolves to JSON in this implementation; the platform's binary encoding has
// no ecosystem decoder and the gateway negotiates JSON happily. Compression
// is zlib-stream: one DEFLATE stream spans the whole connection, each message
// delimited by a sync flush, so the decoder has to carry the 32 KiB sliding
// window across messages.
type Codec struct {
	compress bool

	frag    []byte // compressed bytes accumulated until the flush marker
	window  []byte // tail of the decompressed stream, reused as dictionary
	started bool   // zlib stream header consumed
}

func NewCodec(compress bool) *Codec {
	return &Codec{compress: compress}
}

func (c *Codec) Compress() bool { return c.compress }

// Decode consumes one WebSocket message and returns the decoded payload
// bytes, or nil when the message was an incomplete piece of a compressed
// frame. Gorilla already reassembles protocol-level fragments; this layer
// reassembles the compression framing on top.
func (c *Codec) Decode(messageType int, data []byte) ([]byte, error) {
	if !c.compress {
		return data, nil
	}
	if messageType != websocket.BinaryMessage {
		// Control of the stream never mixes encodings mid-connection.
		return data, nil
	}

	c.frag = append(c.frag, data...)
	if len(c.frag) < len(zlibSuffix) || !bytes.HasSuffix(c.frag, zlibSuffix) {
		return nil, nil
	}

	chunk := c.frag
	c.frag = nil

	if !c.started {
		if len(chunk) < 2 {
			return nil, &DecoderError{Err: errors.New("short zlib header")}
		}
		if chunk[0]&0x0f != 8 {
			return nil, &DecoderError{Err: errors.Errorf("bad zlib header 0x%02x%02x", chunk[0], chunk[1])}
		}
		chunk = chunk[2:]
		c.started = true
	}

	fr := flate.NewReaderDict(bytes.NewReader(chunk), c.window)
	out, err := io.ReadAll(fr)
	fr.Close()
	// A sync flush leaves the stream open, so the reader runs out of input
	// at the message boundary. That is the expected end condition.
	if err != nil && err != io.ErrUnexpectedEOF {
		return nil, &DecoderError{Err: err}
	}

	c.window = append(c.window, out...)
	if len(c.window) > inflateWindowSize {
		c.window = c.window[len(c.window)-inflateWindowSize:]
	}
	return out, nil
}

// DecodePayload decodes raw bytes into a gateway payload envelope.
func (c *Codec) DecodePayload(raw []byte) (*types.Payload, error) {
	var p types.Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, &DecoderError{Err: err}
	}
	return &p, nil
}

// Encode serializes an outbound payload, returning the frame and its
// WebSocket message type.
func (c *Codec) Encode(op int, data interface{}) ([]byte, int, error) {
	raw, err := json.Marshal(struct {
		Op   int         `json:"op"`
		Data interface{} `json:"d"`
	}{op, data})
	if err != nil {
		return nil, 0, errors.Wrap(err, "encode payload")
	}
	return raw, websocket.TextMessage, nil
}
