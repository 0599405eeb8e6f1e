// ABOUTME: Per-connection session state machine
// ABOUTME: Reads inbound messages, runs each exchange in order, and streams events back

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/2389/chat-gateway/internal/conversation"
	"github.com/2389/chat-gateway/internal/metrics"
)

const (
	defaultExchangeTimeout = 5 * time.Minute
	defaultSendTimeout     = 10 * time.Second

	// WelcomeMessage is the text of the connection event.
	WelcomeMessage = "Connected to chat server"
)

// Transport is the duplex channel a session runs over.
type Transport interface {
	ID() string
	// Read blocks until one inbound unit arrives.
	Read(ctx context.Context) ([]byte, error)
	Send(ctx context.Context, msg any) error
}

// TransportError is a read or write failure on the connection itself.
// It ends the session.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsTransportError reports whether err ended a session at the connection level.
func IsTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// Options tune a session. Zero values select defaults.
type Options struct {
	// ChunkDelay paces chunk delivery while the client is connected.
	ChunkDelay time.Duration
	// ExchangeTimeout bounds one exchange, including after a disconnect.
	ExchangeTimeout time.Duration
	// SendTimeout bounds a single outbound write.
	SendTimeout time.Duration
	// RateLimit is inbound messages per second; 0 disables limiting.
	RateLimit float64
	RateBurst int
	Metrics   *metrics.Collector
}

// Session drives one connection through its lifecycle. A session handles
// its inbound messages strictly one at a time.
type Session struct {
	userID  int64
	conn    Transport
	svc     *conversation.Service
	opts    Options
	limiter *rate.Limiter
	logger  *slog.Logger

	state atomic.Int32
}

// New creates a session for a connection already bound to userID.
func New(userID int64, conn Transport, svc *conversation.Service, opts Options, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.ExchangeTimeout <= 0 {
		opts.ExchangeTimeout = defaultExchangeTimeout
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = defaultSendTimeout
	}

	s := &Session{
		userID: userID,
		conn:   conn,
		svc:    svc,
		opts:   opts,
		logger: logger.With("component", "session", "user_id", userID, "conn_id", conn.ID()),
	}
	if opts.RateLimit > 0 {
		burst := opts.RateBurst
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}
	return s
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) transition(to State) {
	from := State(s.state.Swap(int32(to)))
	if from != to {
		s.logger.Debug("session transition", "from", from, "to", to)
	}
}

// Run sends the connection event and processes inbound messages until the
// connection fails or ctx ends. The returned error is always a *TransportError.
func (s *Session) Run(ctx context.Context) error {
	defer s.transition(Closed)

	if err := s.send(ctx, Connected{Message: WelcomeMessage, UserID: s.userID}); err != nil {
		return err
	}
	s.transition(Open)

	for {
		s.transition(AwaitingInput)
		data, err := s.conn.Read(ctx)
		if err != nil {
			return &TransportError{Op: "read", Err: err}
		}

		if s.limiter != nil {
			if err := s.limiter.Wait(ctx); err != nil {
				return &TransportError{Op: "rate limit", Err: err}
			}
		}

		if err := s.handle(ctx, data); err != nil {
			return err
		}
		s.transition(Open)
	}
}

func (s *Session) send(ctx context.Context, ev Event) error {
	sendCtx, cancel := context.WithTimeout(ctx, s.opts.SendTimeout)
	defer cancel()

	if err := s.conn.Send(sendCtx, ev); err != nil {
		return &TransportError{Op: "send " + ev.EventType(), Err: err}
	}
	return nil
}

// fail reports an exchange error to the client and returns to Open.
func (s *Session) fail(ctx context.Context, err error) error {
	s.transition(Errored)
	s.logger.Warn("exchange failed", "error", err)
	return s.send(ctx, Error{Message: conversation.UserMessage(err)})
}

// handle runs one exchange. Only a transport failure is returned; every
// other failure is reported to the client as an error event.
func (s *Session) handle(ctx context.Context, data []byte) error {
	start := time.Now()
	var (
		exchangeErr error
		completed   bool
	)
	defer func() {
		if exchangeErr != nil || completed {
			s.opts.Metrics.Exchange(metrics.SurfaceWebSocket, conversation.Outcome(exchangeErr), time.Since(start))
		}
	}()

	in, perr := ParseInbound(data)
	if perr != nil {
		exchangeErr = perr
		return s.fail(ctx, perr)
	}

	// Once the user turn is durable the exchange runs to completion even if
	// the client leaves, so its reply is in history on reconnect.
	exCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.ExchangeTimeout)
	defer cancel()

	s.transition(ResolvingConversation)
	conv, created, rerr := s.svc.Resolve(exCtx, s.userID, in.ConversationID, conversation.TitleFrom(in.Message))
	if rerr != nil {
		exchangeErr = rerr
		return s.fail(ctx, rerr)
	}
	if created {
		if err := s.send(ctx, ConversationCreated{ConversationID: conv.ID}); err != nil {
			return err
		}
	}

	if _, perr := s.svc.RecordUserTurn(exCtx, conv.ID, in.Message); perr != nil {
		exchangeErr = perr
		return s.fail(ctx, perr)
	}

	// From here on a failed send marks the client gone; the exchange
	// continues without it and the transport error is returned at the end.
	var gone error
	deliver := func(ev Event) {
		if gone != nil {
			return
		}
		if err := s.send(ctx, ev); err != nil {
			gone = err
			s.logger.Info("client gone mid-exchange, continuing", "conversation_id", conv.ID, "error", err)
		}
	}

	deliver(UserMessage{ConversationID: conv.ID, Message: in.Message})

	s.transition(Streaming)
	history, herr := s.svc.History(exCtx, conv.ID)
	if herr != nil {
		exchangeErr = herr
		return s.finishFailed(ctx, gone, herr)
	}

	deliver(Typing{ConversationID: conv.ID})

	full, serr := s.svc.StreamReply(exCtx, history, func(chunk, acc string) {
		deliver(Chunk{ConversationID: conv.ID, Content: chunk, FullResponse: acc})
		if gone != nil {
			return
		}
		s.opts.Metrics.Chunk(metrics.SurfaceWebSocket)
		s.pace(ctx)
	})
	if serr != nil {
		exchangeErr = serr
		return s.finishFailed(ctx, gone, serr)
	}

	s.transition(Persisting)
	if _, perr := s.svc.RecordAssistantTurn(exCtx, conv.ID, full); perr != nil {
		exchangeErr = perr
		return s.finishFailed(ctx, gone, perr)
	}
	completed = true

	deliver(MessageComplete{ConversationID: conv.ID, FullResponse: full})
	return gone
}

func (s *Session) finishFailed(ctx context.Context, gone, err error) error {
	if gone != nil {
		s.logger.Warn("exchange failed after client left", "error", err)
		return gone
	}
	return s.fail(ctx, err)
}

func (s *Session) pace(ctx context.Context) {
	if s.opts.ChunkDelay <= 0 {
		return
	}
	t := time.NewTimer(s.opts.ChunkDelay)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
