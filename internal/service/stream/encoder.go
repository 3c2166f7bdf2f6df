package stream

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// Encoder writes deltas using the framing Consumer understands.
type Encoder struct {
	w       io.Writer
	flusher http.Flusher
}

// NewEncoder returns an encoder. When w is an http.Flusher every frame is flushed.
func NewEncoder(w io.Writer) *Encoder {
	flusher, _ := w.(http.Flusher)
	return &Encoder{w: w, flusher: flusher}
}

// WriteDelta emits a single content frame.
func (e *Encoder) WriteDelta(content string) error {
	data, err := json.Marshal(map[string]string{"content": content})
	if err != nil {
		return fmt.Errorf("marshal delta: %w", err)
	}
	return e.writeFrame(string(data))
}

// WriteDone emits the end-of-stream sentinel.
func (e *Encoder) WriteDone() error {
	return e.writeFrame(DoneSentinel)
}

func (e *Encoder) writeFrame(payload string) error {
	if _, err := fmt.Fprintf(e.w, "%s %s\n\n", DataPrefix, payload); err != nil {
		return err
	}
	if e.flusher != nil {
		e.flusher.Flush()
	}
	return nil
}
