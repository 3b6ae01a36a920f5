package sandwich

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/WelcomerTeam/Discord/discord"
	"github.com/WelcomerTeam/Sandwich-Gateway/sandwichjson"
	"github.com/WelcomerTeam/czlib"
	"github.com/klauspost/compress/flate"
	"nhooyr.io/websocket"
)

// CompressionMode is how inbound gateway frames are compressed.
type CompressionMode uint8

const (
	// CompressionNone expects plain JSON text frames.
	CompressionNone CompressionMode = iota
	// CompressionPayload expects each binary frame to be a complete zlib payload.
	CompressionPayload
	// CompressionZlibStream expects one zlib stream for the whole connection,
	// with each message terminated by a sync flush.
	CompressionZlibStream
)

func (mode CompressionMode) String() string {
	switch mode {
	case CompressionNone:
		return "none"
	case CompressionPayload:
		return "payload"
	case CompressionZlibStream:
		return "zlib-stream"
	default:
		return fmt.Sprintf("CompressionMode(%d)", mode)
	}
}

// ParseCompressionMode accepts the configuration spelling of a compression mode.
func ParseCompressionMode(value string) (CompressionMode, error) {
	switch strings.ToLower(value) {
	case "", "none":
		return CompressionNone, nil
	case "payload":
		return CompressionPayload, nil
	case "zlib-stream", "zlib_stream", "stream":
		return CompressionZlibStream, nil
	default:
		return CompressionNone, fmt.Errorf("unknown compression mode %q", value)
	}
}

const (
	zlibHeaderLength = 2
	flateWindowSize  = 32 << 10
)

var zlibFlushSuffix = []byte{0x00, 0x00, 0xff, 0xff}

var errInvalidZlibHeader = errors.New("invalid zlib header")

// FrameCodec turns websocket frames into gateway payloads and back. A codec
// belongs to a single connection and is not safe for concurrent use.
type FrameCodec struct {
	mode CompressionMode

	pending    bytes.Buffer
	history    []byte
	headerRead bool
	inflater   io.ReadCloser
}

// NewFrameCodec creates a codec for the given compression mode.
func NewFrameCodec(mode CompressionMode) *FrameCodec {
	return &FrameCodec{
		mode: mode,
	}
}

// Mode returns the compression mode of the codec.
func (codec *FrameCodec) Mode() CompressionMode {
	return codec.mode
}

// Reset clears the decompression context. It must be called for every new connection.
func (codec *FrameCodec) Reset() {
	codec.pending.Reset()
	codec.history = codec.history[:0]
	codec.headerRead = false
}

// Decode decodes a single websocket frame. In zlib-stream mode ErrNeedMoreData
// is returned until the buffered frames end with a sync flush.
func (codec *FrameCodec) Decode(messageType websocket.MessageType, frame []byte) (payload discord.GatewayPayload, err error) {
	data := frame

	if messageType == websocket.MessageBinary {
		switch codec.mode {
		case CompressionPayload:
			data, err = czlib.Decompress(frame)
			if err != nil {
				return payload, &ProtocolError{Err: fmt.Errorf("failed to decompress payload: %w", err)}
			}
		case CompressionZlibStream:
			data, err = codec.inflate(frame)
			if err != nil {
				return payload, err
			}
		case CompressionNone:
		}
	}

	// The shallower d field captures the event data as raw json.
	var envelope struct {
		discord.GatewayPayload
		Data json.RawMessage `json:"d"`
	}

	err = sandwichjson.Unmarshal(data, &envelope)
	if err != nil {
		return payload, &ProtocolError{Err: fmt.Errorf("failed to unmarshal payload: %w", err)}
	}

	payload = envelope.GatewayPayload
	payload.Data = append(payload.Data[:0], envelope.Data...)

	return payload, nil
}

func (codec *FrameCodec) inflate(frame []byte) ([]byte, error) {
	codec.pending.Write(frame)

	if !bytes.HasSuffix(codec.pending.Bytes(), zlibFlushSuffix) {
		return nil, ErrNeedMoreData
	}

	defer codec.pending.Reset()

	compressed := codec.pending.Bytes()

	if !codec.headerRead {
		if len(compressed) < zlibHeaderLength || !validZlibHeader(compressed[0], compressed[1]) {
			return nil, &ProtocolError{Err: errInvalidZlibHeader}
		}

		compressed = compressed[zlibHeaderLength:]
		codec.headerRead = true
	}

	reader := bytes.NewReader(compressed)

	if codec.inflater == nil {
		codec.inflater = flate.NewReaderDict(reader, codec.history)
	} else if err := codec.inflater.(flate.Resetter).Reset(reader, codec.history); err != nil {
		return nil, &ProtocolError{Err: fmt.Errorf("failed to reset inflater: %w", err)}
	}

	// The stream is never finished, so the reader runs out of input right
	// after the sync flush block.
	data, err := io.ReadAll(codec.inflater)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, &ProtocolError{Err: fmt.Errorf("failed to inflate payload: %w", err)}
	}

	codec.remember(data)

	return data, nil
}

// remember keeps the tail of the inflated output as the next dictionary.
func (codec *FrameCodec) remember(data []byte) {
	if len(data) >= flateWindowSize {
		codec.history = append(codec.history[:0], data[len(data)-flateWindowSize:]...)

		return
	}

	codec.history = append(codec.history, data...)

	if overflow := len(codec.history) - flateWindowSize; overflow > 0 {
		codec.history = append(codec.history[:0], codec.history[overflow:]...)
	}
}

func validZlibHeader(cmf, flg byte) bool {
	return cmf&0x0f == 8 && (uint16(cmf)<<8|uint16(flg))%31 == 0
}

// Encode marshals an outbound payload. Outbound frames are never compressed.
func (codec *FrameCodec) Encode(op discord.GatewayOp, data any) ([]byte, error) {
	res, err := sandwichjson.Marshal(discord.SentPayload{
		Op:   op,
		Data: data,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	return res, nil
}
