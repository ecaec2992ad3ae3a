package protocol

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chunkedReader yields its parts one Read at a time, simulating arbitrary
// network chunk boundaries.
type chunkedReader struct {
	parts []string
}

func (c *chunkedReader) Read(p []byte) (int, error) {
	if len(c.parts) == 0 {
		return 0, io.EOF
	}
	n := copy(p, c.parts[0])
	c.parts[0] = c.parts[0][n:]
	if c.parts[0] == "" {
		c.parts = c.parts[1:]
	}
	return n, nil
}

func TestWriteFrameReadBack(t *testing.T) {
	rec := httptest.NewRecorder()

	require.NoError(t, WriteFrame(rec, nil, NewStatus("run-1", 1, "extracting", "")))
	require.NoError(t, WriteFrame(rec, nil, NewPing("run-1")))
	require.NoError(t, WriteFrame(rec, nil, &Event{
		Type: EventResult, RunID: "run-1", Seq: 2,
		Result: &ResultPayload{MessageID: "m-1", AssistantText: "done", StepCount: 1},
	}))

	fr := NewFrameReader(strings.NewReader(rec.Body.String()))

	ev, err := fr.Next()
	require.NoError(t, err)
	assert.Equal(t, EventStatus, ev.Type)
	assert.Equal(t, uint64(1), ev.Seq)

	ev, err = fr.Next()
	require.NoError(t, err)
	assert.Equal(t, EventPing, ev.Type)

	ev, err = fr.Next()
	require.NoError(t, err)
	assert.Equal(t, EventResult, ev.Type)
	assert.Equal(t, "m-1", ev.Result.MessageID)

	_, err = fr.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestFrameReaderSplitAcrossChunks(t *testing.T) {
	frame := "event: status\ndata: {\"run_id\":\"run-7\",\"seq\":5,\"status\":{\"phase\":\"drafting\"}}\n\n"
	// Split mid-line and mid-JSON.
	r := &chunkedReader{parts: []string{frame[:9], frame[9:31], frame[31:]}}

	var chunks int
	fr := NewFrameReader(r, WithChunkCallback(func() { chunks++ }))

	ev, err := fr.Next()
	require.NoError(t, err)
	assert.Equal(t, EventStatus, ev.Type)
	assert.Equal(t, "run-7", ev.RunID)
	assert.Equal(t, uint64(5), ev.Seq)
	assert.Equal(t, 3, chunks)
}

func TestFrameReaderSkipsGarbage(t *testing.T) {
	stream := ": keepalive comment\n\n" +
		"event: bogus\ndata: {}\n\n" +
		"event: status\ndata: not-json\n\n" +
		"event: status\ndata: {\"run_id\":\"r\",\"seq\":1,\"status\":{\"phase\":\"p\"}}\n\n"
	fr := NewFrameReader(strings.NewReader(stream))

	_, err := fr.Next()
	assert.ErrorIs(t, err, ErrFrameSkipped) // bogus type

	_, err = fr.Next()
	assert.ErrorIs(t, err, ErrFrameSkipped) // bad json

	ev, err := fr.Next()
	require.NoError(t, err)
	assert.Equal(t, EventStatus, ev.Type)
}

func TestFrameReaderCRLF(t *testing.T) {
	stream := "event: ping\r\ndata: {\"run_id\":\"r\"}\r\n\r\n"
	fr := NewFrameReader(strings.NewReader(stream))

	ev, err := fr.Next()
	require.NoError(t, err)
	assert.Equal(t, EventPing, ev.Type)
}

func TestFrameReaderPropagatesReadError(t *testing.T) {
	boom := errors.New("connection reset")
	fr := NewFrameReader(io.MultiReader(strings.NewReader("event: ping\n"), &failReader{err: boom}))

	_, err := fr.Next()
	assert.ErrorIs(t, err, boom)
}

type failReader struct{ err error }

func (f *failReader) Read([]byte) (int, error) { return 0, f.err }
