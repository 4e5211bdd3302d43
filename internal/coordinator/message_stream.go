package coordinator

import (
	"context"
	"errors"
	"io"

	"github.com/agentpilot/agentpilot/internal/domain"
	"github.com/agentpilot/agentpilot/internal/stream"
)

// MessageStream is the lazy sequence of messages decoded from one session's
// agent output. Each Next call decodes one message, stamps it with the
// session id, appends it to the session history, persists the record, and
// only then hands the message to the caller. A decode failure moves the
// session to the error state before it is surfaced, as the terminal item of
// the sequence.
//
// Not safe for concurrent use; one consumer drives one stream.
type MessageStream struct {
	c         *Coordinator
	sessionID string
	decoder   *stream.Decoder
	err       error
	done      bool
}

func newMessageStream(c *Coordinator, sessionID string, decoder *stream.Decoder) *MessageStream {
	return &MessageStream{c: c, sessionID: sessionID, decoder: decoder}
}

// Next returns the next decoded message, io.EOF at the clean end of the
// stream, or the terminal error. Previously returned messages remain valid
// and already persisted regardless of how the stream ends.
func (s *MessageStream) Next(ctx context.Context) (*domain.Message, error) {
	if s.done {
		if s.err != nil {
			return nil, s.err
		}
		return nil, io.EOF
	}

	msg, err := s.decoder.Next()
	if err != nil {
		s.done = true
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}

		details := map[string]any{
			"session_id":    s.sessionID,
			"decoded_count": s.decoder.Count(),
			"trace":         s.decoder.Trace(),
		}
		var decodeErr *stream.DecodeError
		if errors.As(err, &decodeErr) {
			details["line"] = decodeErr.Line
		}

		if session, getErr := s.c.store.Get(ctx, s.sessionID); getErr == nil {
			s.c.failSession(ctx, session, err)
		}
		s.err = domainErr("failed to process agent stream", err, details)
		return nil, s.err
	}

	msg.SessionID = s.sessionID

	session, err := s.c.store.Get(ctx, s.sessionID)
	if err != nil {
		s.done = true
		s.err = domainErr("failed to get session", err, map[string]any{"session_id": s.sessionID})
		return nil, s.err
	}
	session.AddMessage(msg)
	if err := s.c.store.Update(ctx, session); err != nil {
		s.done = true
		s.err = domainErr("failed to persist session", err, map[string]any{"session_id": s.sessionID})
		return nil, s.err
	}

	s.c.audit.Record(s.sessionID, "received", msg)
	return msg, nil
}

// Count returns the number of messages decoded so far.
func (s *MessageStream) Count() int {
	return s.decoder.Count()
}

// Drain consumes the rest of the stream, returning the collected messages.
// A clean end returns a nil error.
func (s *MessageStream) Drain(ctx context.Context) ([]*domain.Message, error) {
	var out []*domain.Message
	for {
		msg, err := s.Next(ctx)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, msg)
	}
}
