package sandwich

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/WelcomerTeam/Discord/discord"
	"github.com/klauspost/compress/zlib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
)

var codecTestMessages = []string{
	`{"op":10,"d":{"heartbeat_interval":41250}}`,
	`{"op":0,"s":1,"t":"READY","d":{"session_id":"abc","resume_gateway_url":"wss://resume.discord.gg","user":{"id":"1","username":"sandwich","bot":true}}}`,
	`{"op":11}`,
	`{"op":0,"s":2,"t":"GUILD_CREATE","d":{"id":"100","name":"` + strings.Repeat("guild", 200) + `"}}`,
	`{"op":0,"s":3,"t":"MESSAGE_CREATE","d":{"id":"200","content":"` + strings.Repeat("guild", 200) + `"}}`,
}

// zlibStreamMessages compresses each message into the same zlib stream, as
// the gateway does with zlib-stream compression.
func zlibStreamMessages(t *testing.T, messages []string) [][]byte {
	t.Helper()

	var buf bytes.Buffer

	writer := zlib.NewWriter(&buf)

	out := make([][]byte, 0, len(messages))

	for _, message := range messages {
		_, err := writer.Write([]byte(message))
		require.NoError(t, err)
		require.NoError(t, writer.Flush())

		out = append(out, append([]byte(nil), buf.Bytes()...))
		buf.Reset()
	}

	return out
}

func decodeChunks(t *testing.T, codec *FrameCodec, chunks [][]byte) []discord.GatewayPayload {
	t.Helper()

	payloads := make([]discord.GatewayPayload, 0)

	for _, chunk := range chunks {
		payload, err := codec.Decode(websocket.MessageBinary, chunk)
		if errors.Is(err, ErrNeedMoreData) {
			continue
		}

		require.NoError(t, err)

		payloads = append(payloads, payload)
	}

	return payloads
}

func splitEvery(message []byte, size int) [][]byte {
	chunks := make([][]byte, 0, len(message)/size+1)

	for len(message) > size {
		chunks = append(chunks, message[:size])
		message = message[size:]
	}

	return append(chunks, message)
}

func TestFrameCodecZlibStream(t *testing.T) {
	t.Parallel()

	messages := zlibStreamMessages(t, codecTestMessages)

	codec := NewFrameCodec(CompressionZlibStream)
	payloads := decodeChunks(t, codec, messages)

	require.Len(t, payloads, len(codecTestMessages))
	assert.Equal(t, discord.GatewayOpHello, payloads[0].Op)
	assert.Equal(t, "READY", payloads[1].Type)
	assert.EqualValues(t, 1, payloads[1].Sequence)
	assert.Equal(t, discord.GatewayOpHeartbeatACK, payloads[2].Op)
	assert.EqualValues(t, 3, payloads[4].Sequence)
	assert.Contains(t, string(payloads[4].Data), strings.Repeat("guild", 200))
}

func TestFrameCodecZlibStreamArbitrarySplits(t *testing.T) {
	t.Parallel()

	messages := zlibStreamMessages(t, codecTestMessages)
	expected := decodeChunks(t, NewFrameCodec(CompressionZlibStream), messages)

	for _, size := range []int{1, 2, 3, 5, 7, 16, 64} {
		size := size

		t.Run(fmt.Sprintf("chunk size %d", size), func(t *testing.T) {
			t.Parallel()

			chunks := make([][]byte, 0)
			for _, message := range messages {
				chunks = append(chunks, splitEvery(message, size)...)
			}

			assert.Equal(t, expected, decodeChunks(t, NewFrameCodec(CompressionZlibStream), chunks))
		})
	}
}

func TestFrameCodecZlibStreamMarkerSplit(t *testing.T) {
	t.Parallel()

	messages := zlibStreamMessages(t, codecTestMessages[:2])
	codec := NewFrameCodec(CompressionZlibStream)

	for i, message := range messages {
		require.True(t, bytes.HasSuffix(message, zlibFlushSuffix))

		// Split inside the flush marker itself.
		head := message[:len(message)-2]
		tail := message[len(message)-2:]

		_, err := codec.Decode(websocket.MessageBinary, head)
		require.ErrorIs(t, err, ErrNeedMoreData)

		payload, err := codec.Decode(websocket.MessageBinary, tail)
		require.NoError(t, err)

		if i == 0 {
			assert.Equal(t, discord.GatewayOpHello, payload.Op)
		} else {
			assert.Equal(t, "READY", payload.Type)
		}
	}
}

func TestFrameCodecResetStartsNewStream(t *testing.T) {
	t.Parallel()

	codec := NewFrameCodec(CompressionZlibStream)

	first := zlibStreamMessages(t, codecTestMessages[:2])
	require.Len(t, decodeChunks(t, codec, first), 2)

	codec.Reset()

	second := zlibStreamMessages(t, codecTestMessages[:1])
	payloads := decodeChunks(t, codec, second)
	require.Len(t, payloads, 1)
	assert.Equal(t, discord.GatewayOpHello, payloads[0].Op)
}

func TestFrameCodecZlibStreamRejectsGarbage(t *testing.T) {
	t.Parallel()

	codec := NewFrameCodec(CompressionZlibStream)

	_, err := codec.Decode(websocket.MessageBinary, []byte{0x01, 0x02, 0x00, 0x00, 0xff, 0xff})

	var protocolError *ProtocolError
	assert.ErrorAs(t, err, &protocolError)
}

func TestFrameCodecPayloadCompression(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	writer := zlib.NewWriter(&buf)
	_, err := writer.Write([]byte(codecTestMessages[1]))
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	codec := NewFrameCodec(CompressionPayload)

	payload, err := codec.Decode(websocket.MessageBinary, buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, "READY", payload.Type)

	// Text frames are never compressed.
	payload, err = codec.Decode(websocket.MessageText, []byte(codecTestMessages[0]))
	require.NoError(t, err)
	assert.Equal(t, discord.GatewayOpHello, payload.Op)
}

func TestFrameCodecRejectsMalformedJSON(t *testing.T) {
	t.Parallel()

	_, err := NewFrameCodec(CompressionNone).Decode(websocket.MessageText, []byte(`{"op":`))

	var protocolError *ProtocolError
	assert.ErrorAs(t, err, &protocolError)
}

func TestFrameCodecEncode(t *testing.T) {
	t.Parallel()

	codec := NewFrameCodec(CompressionZlibStream)

	res, err := codec.Encode(discord.GatewayOpHeartbeat, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"op":1,"d":null}`, string(res))

	res, err = codec.Encode(discord.GatewayOpResume, discord.Resume{Token: "token", SessionID: "abc", Sequence: 1})
	require.NoError(t, err)
	assert.JSONEq(t, `{"op":6,"d":{"token":"token","session_id":"abc","seq":1}}`, string(res))
}

func TestParseCompressionMode(t *testing.T) {
	t.Parallel()

	mode, err := ParseCompressionMode("zlib-stream")
	require.NoError(t, err)
	assert.Equal(t, CompressionZlibStream, mode)

	mode, err = ParseCompressionMode("")
	require.NoError(t, err)
	assert.Equal(t, CompressionNone, mode)

	_, err = ParseCompressionMode("brotli")
	assert.Error(t, err)
}
