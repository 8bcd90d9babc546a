package routeros

import (
	"context"
	"strings"
)

// scriptedClient answers sentences from a table keyed by the command word.
type scriptedClient struct {
	replies map[string][]map[string]string
	errs    map[string]error
	seen    [][]string
	closed  bool
}

func (s *scriptedClient) Run(_ context.Context, sentence ...string) ([]map[string]string, error) {
	s.seen = append(s.seen, sentence)
	if err := s.errs[sentence[0]]; err != nil {
		return nil, err
	}
	return s.replies[sentence[0]], nil
}

func (s *scriptedClient) Close() error { s.closed = true; return nil }

func (s *scriptedClient) joined(i int) string { return strings.Join(s.seen[i], " ") }
