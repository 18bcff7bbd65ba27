package stdio

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
)

// ErrMessageTooLarge is reported when an inbound frame exceeds the configured
// maximum message size.
var ErrMessageTooLarge = errors.New("message exceeds maximum size")

// frameReader splits a byte stream into newline-delimited frames. Blank lines
// are skipped and a trailing carriage return is dropped. A final frame that
// is not newline terminated is still returned before io.EOF.
type frameReader struct {
	r   *bufio.Reader
	max int
}

func newFrameReader(r io.Reader, max int) *frameReader {
	if max <= 0 {
		max = DefaultMaxMessageSize
	}
	return &frameReader{r: bufio.NewReaderSize(r, min(max+2, 64<<10)), max: max}
}

// next returns the next non-blank frame. The returned slice is owned by the
// caller.
func (fr *frameReader) next() ([]byte, error) {
	for {
		line, err := fr.readLine()
		if err != nil && (len(line) == 0 || !errors.Is(err, io.EOF)) {
			return nil, err
		}
		line = trimEOL(line)
		if len(line) > fr.max {
			return nil, ErrMessageTooLarge
		}
		if len(bytes.TrimSpace(line)) == 0 {
			if err != nil {
				return nil, err
			}
			continue
		}
		return line, nil
	}
}

func (fr *frameReader) readLine() ([]byte, error) {
	var buf []byte
	for {
		chunk, err := fr.r.ReadSlice('\n')
		buf = append(buf, chunk...)
		if len(buf) > fr.max+2 {
			return nil, ErrMessageTooLarge
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		return buf, err
	}
}

func trimEOL(b []byte) []byte {
	b = bytes.TrimSuffix(b, []byte{'\n'})
	return bytes.TrimSuffix(b, []byte{'\r'})
}

// writeMux serializes writes so that each message reaches the stream as one
// contiguous frame.
type writeMux struct {
	mu sync.Mutex
	w  io.Writer
}

func (wm *writeMux) writeJSONRPC(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	b = append(b, '\n')

	wm.mu.Lock()
	defer wm.mu.Unlock()
	_, err = wm.w.Write(b)
	return err
}
