package protocol

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// WriteFrame writes one event as an SSE frame and flushes it. Returns an
// error if the write fails (e.g., client disconnected).
func WriteFrame(w io.Writer, flusher http.Flusher, ev *Event) error {
	data, err := ev.MarshalData()
	if err != nil {
		return fmt.Errorf("marshal event data: %w", err)
	}

	if _, err := fmt.Fprintf(w, "event: %s\n", ev.Type); err != nil {
		return fmt.Errorf("write event type: %w", err)
	}
	if ev.Seq > 0 {
		if _, err := fmt.Fprintf(w, "id: %d\n", ev.Seq); err != nil {
			return fmt.Errorf("write event id: %w", err)
		}
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return fmt.Errorf("write event data: %w", err)
	}

	if flusher != nil {
		flusher.Flush()
	}
	return nil
}

// ErrFrameSkipped is returned by FrameReader.Next for frames that decode to
// nothing useful (unknown event type, malformed payload). Callers should
// log and continue reading.
var ErrFrameSkipped = errors.New("frame skipped")

// FrameReader incrementally decodes SSE frames from a chunked byte stream.
// Partial lines are carried across reads, so frames split at arbitrary
// chunk boundaries reassemble correctly.
type FrameReader struct {
	r     io.Reader
	buf   []byte
	carry string

	// onChunk, when set, fires once per successful read from the
	// underlying stream. Transports use it to reset idle timers; it fires
	// for ping frames too, which is the point of pings.
	onChunk func()

	pending []pendingFrame

	eventType string
	data      strings.Builder
}

// pendingFrame is a decoded frame or a decode failure awaiting delivery.
type pendingFrame struct {
	ev  *Event
	err error
}

// FrameReaderOption configures a FrameReader.
type FrameReaderOption func(*FrameReader)

// WithChunkCallback registers a callback invoked on every received chunk.
func WithChunkCallback(fn func()) FrameReaderOption {
	return func(fr *FrameReader) { fr.onChunk = fn }
}

// NewFrameReader wraps r for frame-by-frame consumption.
func NewFrameReader(r io.Reader, opts ...FrameReaderOption) *FrameReader {
	fr := &FrameReader{
		r:   r,
		buf: make([]byte, 4096),
	}
	for _, opt := range opts {
		opt(fr)
	}
	return fr
}

// Next returns the next decoded event. It returns ErrFrameSkipped for
// frames it cannot decode, io.EOF when the stream ends cleanly, and the
// underlying read error otherwise.
func (fr *FrameReader) Next() (*Event, error) {
	for {
		if len(fr.pending) > 0 {
			p := fr.pending[0]
			fr.pending = fr.pending[1:]
			return p.ev, p.err
		}

		n, err := fr.r.Read(fr.buf)
		if n > 0 {
			if fr.onChunk != nil {
				fr.onChunk()
			}
			fr.consume(string(fr.buf[:n]))
			continue
		}
		if err != nil {
			return nil, err
		}
	}
}

// consume feeds a chunk through the line accumulator, collecting any
// completed frames into the pending queue.
func (fr *FrameReader) consume(chunk string) {
	text := fr.carry + chunk
	for {
		idx := strings.IndexByte(text, '\n')
		if idx < 0 {
			break
		}
		line := strings.TrimSuffix(text[:idx], "\r")
		text = text[idx+1:]
		fr.consumeLine(line)
	}
	fr.carry = text
}

func (fr *FrameReader) consumeLine(line string) {
	if line == "" {
		// Blank line terminates the frame.
		if fr.eventType != "" {
			ev, err := DecodeEvent(fr.eventType, []byte(fr.data.String()))
			if err != nil {
				fr.pending = append(fr.pending, pendingFrame{err: fmt.Errorf("%w: %w", ErrFrameSkipped, err)})
			} else {
				fr.pending = append(fr.pending, pendingFrame{ev: ev})
			}
		}
		fr.eventType = ""
		fr.data.Reset()
		return
	}

	// SSE comment lines keep the connection warm; ignore.
	if strings.HasPrefix(line, ":") {
		return
	}

	field, value, found := strings.Cut(line, ":")
	if !found {
		return
	}
	value = strings.TrimPrefix(value, " ")

	switch field {
	case "event":
		fr.eventType = value
	case "data":
		if fr.data.Len() > 0 {
			fr.data.WriteByte('\n')
		}
		fr.data.WriteString(value)
	case "id", "retry":
		// Seq travels in the JSON body; the SSE id line is advisory.
	}
}
