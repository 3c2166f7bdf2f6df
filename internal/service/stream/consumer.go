package stream

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
)

const (
	// DataPrefix marks records that carry a payload.
	DataPrefix = "data:"
	// DoneSentinel terminates the stream.
	DoneSentinel = "[DONE]"

	maxLineSize = 1 << 20
)

// ErrTransport wraps failures reading from the underlying transport.
var ErrTransport = errors.New("stream transport failed")

// chunk accepts both the native {"content": ...} payload and the
// OpenAI-compatible choices[].delta.content shape.
type chunk struct {
	Content *string `json:"content"`
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

// Consumer turns a newline-delimited event stream into text deltas.
// It is single-use and must be read by one goroutine.
type Consumer struct {
	body      io.ReadCloser
	scanner   *bufio.Scanner
	closeOnce sync.Once
	closed    atomic.Bool
	done      bool
	completed bool
	deltas    int
}

// NewConsumer wraps the raw response body of a completion request.
func NewConsumer(body io.ReadCloser) *Consumer {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	return &Consumer{body: body, scanner: scanner}
}

// Recv returns the next non-empty delta. It returns io.EOF once the
// sentinel is seen, the transport ends cleanly, or the consumer was closed.
// Transport failures are wrapped with ErrTransport.
func (c *Consumer) Recv() (string, error) {
	for {
		if c.done || c.closed.Load() {
			c.done = true
			return "", io.EOF
		}

		if !c.scanner.Scan() {
			c.done = true
			if c.closed.Load() {
				return "", io.EOF
			}
			if err := c.scanner.Err(); err != nil {
				return "", fmt.Errorf("%w: %v", ErrTransport, err)
			}
			c.completed = true
			return "", io.EOF
		}

		payload, ok := payloadOf(c.scanner.Text())
		if !ok {
			continue
		}
		if payload == DoneSentinel {
			c.done = true
			c.completed = true
			return "", io.EOF
		}

		delta, ok := parseDelta(payload)
		if !ok || delta == "" {
			continue
		}
		c.deltas++
		return delta, nil
	}
}

// Close cancels the stream. Pending and later Recv calls report io.EOF.
func (c *Consumer) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		err = c.body.Close()
	})
	return err
}

// Completed reports whether the stream reached its end on its own. It stays
// true if Close is called afterwards.
func (c *Consumer) Completed() bool {
	return c.completed
}

// Cancelled reports whether Close was called.
func (c *Consumer) Cancelled() bool {
	return c.closed.Load()
}

// Deltas is the number of deltas returned so far.
func (c *Consumer) Deltas() int {
	return c.deltas
}

// Collect drains body into a single string, invoking onDelta for each delta.
func Collect(ctx context.Context, body io.ReadCloser, onDelta func(string)) (string, error) {
	consumer := NewConsumer(body)
	defer consumer.Close()

	stop := context.AfterFunc(ctx, func() { _ = consumer.Close() })
	defer stop()

	var builder strings.Builder
	for {
		delta, err := consumer.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return builder.String(), err
		}
		builder.WriteString(delta)
		if onDelta != nil {
			onDelta(delta)
		}
	}

	if !consumer.Completed() && consumer.Cancelled() {
		return builder.String(), ctx.Err()
	}
	return builder.String(), nil
}

func payloadOf(line string) (string, bool) {
	line = strings.TrimRight(line, "\r")
	if !strings.HasPrefix(line, DataPrefix) {
		return "", false
	}
	payload := strings.TrimPrefix(line[len(DataPrefix):], " ")
	return strings.TrimSpace(payload), true
}

func parseDelta(payload string) (string, bool) {
	var c chunk
	if err := json.Unmarshal([]byte(payload), &c); err != nil {
		return "", false
	}
	if c.Content != nil {
		return *c.Content, true
	}
	var builder strings.Builder
	for _, choice := range c.Choices {
		builder.WriteString(choice.Delta.Content)
	}
	return builder.String(), true
}
