// Package llm is the boundary to the language model. The engine only sees
// the Client interface and a chunk stream; the Anthropic implementation and
// prompt assembly live behind it.
package llm

import "context"

type Message struct {
	Role    string
	Content string
}

type Request struct {
	System    string
	Messages  []Message
	MaxTokens int
}

// Client produces one streamed completion per call. Implementations must not
// retry on their own; retry policy belongs to the caller.
type Client interface {
	Stream(ctx context.Context, req Request) (*Stream, error)
}

// Stream delivers model output as an incremental sequence of text fragments.
// Chunks is closed at end of stream; Err is valid after that and reports why
// the stream ended early, if it did.
type Stream struct {
	chunks chan string
	err    error
}

func NewStream(buffer int) *Stream {
	return &Stream{chunks: make(chan string, buffer)}
}

func (s *Stream) Chunks() <-chan string { return s.chunks }

func (s *Stream) Err() error { return s.err }

// Send delivers one fragment, giving up when the context ends.
func (s *Stream) Send(ctx context.Context, text string) error {
	select {
	case s.chunks <- text:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close finishes the stream with the given terminal error (nil for a clean
// end). Only the producing goroutine may call it, exactly once.
func (s *Stream) Close(err error) {
	s.err = err
	close(s.chunks)
}
