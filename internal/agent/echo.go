package agent

import (
	"context"
	"fmt"
	"strings"
)

// Echo is a local runner that replies with the turn's own text. It stands in
// for a real runtime during development and in tests.
type Echo struct {
	Prefix string
}

// Run delivers a single reply echoing the turn body.
func (e Echo) Run(ctx context.Context, turn Turn, sink Sink) error {
	body := strings.TrimSpace(turn.Body)
	if body == "" {
		body = "(empty message)"
	}
	text := e.Prefix + body
	if turn.MediaPath != "" {
		text += fmt.Sprintf("\n(received %s attachment)", orDefault(turn.MediaType, "media"))
	}
	return sink.Deliver(ctx, Reply{Text: text})
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
