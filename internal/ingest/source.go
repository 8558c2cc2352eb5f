package ingest

import (
	"context"
	"io"
	"sync"
)

// Source yields raw HL7 messages one at a time. Next blocks until a message
// is available, the source is exhausted (io.EOF) or ctx is done.
type Source interface {
	Next(ctx context.Context) ([]byte, error)
}

// ChannelSource reads messages from a channel; a closed channel is io.EOF.
type ChannelSource <-chan []byte

func (s ChannelSource) Next(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case msg, ok := <-s:
		if !ok {
			return nil, io.EOF
		}
		return msg, nil
	}
}

// SliceSource replays a fixed list of messages.
type SliceSource struct {
	mu   sync.Mutex
	msgs [][]byte
	pos  int
}

func NewSliceSource(msgs ...[]byte) *SliceSource {
	return &SliceSource{msgs: msgs}
}

func (s *SliceSource) Next(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pos >= len(s.msgs) {
		return nil, io.EOF
	}
	msg := s.msgs[s.pos]
	s.pos++
	return msg, nil
}
