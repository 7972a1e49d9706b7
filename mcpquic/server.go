package mcpquic

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/quic-go/quic-go"

	"github.com/hazyhaar/manuscript/idgen"
	"github.com/hazyhaar/manuscript/kit"
)

// DefaultMaxSessions bounds concurrent sessions on one listener.
const DefaultMaxSessions = 64

// Listener serves one MCP server over QUIC: each accepted connection carries
// one session on its first bidirectional stream.
type Listener struct {
	ql     *quic.Listener
	srv    *mcp.Server
	logger *slog.Logger
	newID  idgen.Generator
	slots  chan struct{}
	active atomic.Int64
	wg     sync.WaitGroup
}

type Option func(*Listener)

// WithSessionIDs replaces the session ID generator.
func WithSessionIDs(gen idgen.Generator) Option {
	return func(l *Listener) { l.newID = gen }
}

// WithMaxSessions changes DefaultMaxSessions. Connections beyond the limit
// are refused with ConnErrorInternal.
func WithMaxSessions(n int) Option {
	return func(l *Listener) {
		if n > 0 {
			l.slots = make(chan struct{}, n)
		}
	}
}

// NewListener binds addr. tlsCfg must advertise ALPNProtocolMCP.
func NewListener(addr string, tlsCfg *tls.Config, srv *mcp.Server, logger *slog.Logger, opts ...Option) (*Listener, error) {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Listener{
		srv:    srv,
		logger: logger.With("component", "mcpquic"),
		newID:  idgen.For(idgen.PrefixSession),
		slots:  make(chan struct{}, DefaultMaxSessions),
	}
	for _, o := range opts {
		o(l)
	}
	ql, err := quic.ListenAddr(addr, tlsCfg, ProductionQUICConfig())
	if err != nil {
		return nil, err
	}
	l.ql = ql
	l.logger.Info("listening", "addr", l.Addr())
	return l, nil
}

// Addr is the bound UDP address.
func (l *Listener) Addr() string { return l.ql.Addr().String() }

// Sessions reports how many sessions are open.
func (l *Listener) Sessions() int { return int(l.active.Load()) }

// Serve accepts connections until ctx is done or the listener is closed.
// On cancellation it closes the listener, which ends every open session,
// and returns ctx.Err() once they have drained.
func (l *Listener) Serve(ctx context.Context) error {
	defer l.wg.Wait()
	for {
		conn, err := l.ql.Accept(ctx)
		switch {
		case err == nil:
		case ctx.Err() != nil:
			l.ql.Close()
			return ctx.Err()
		case errors.Is(err, quic.ErrServerClosed):
			return ErrConnectionClosed
		default:
			l.logger.Warn("accept", "error", err)
			continue
		}

		if got := conn.ConnectionState().TLS.NegotiatedProtocol; got != ALPNProtocolMCP {
			conn.CloseWithError(ConnErrorUnsupportedALPN, "unsupported ALPN "+got)
			continue
		}
		select {
		case l.slots <- struct{}{}:
		default:
			l.logger.Warn("session limit reached", "remote", conn.RemoteAddr().String())
			conn.CloseWithError(ConnErrorInternal, "too many sessions")
			continue
		}
		l.wg.Go(func() {
			defer func() { <-l.slots }()
			l.active.Add(1)
			defer l.active.Add(-1)
			l.serveConn(ctx, conn)
		})
	}
}

func (l *Listener) Close() error { return l.ql.Close() }

func (l *Listener) serveConn(ctx context.Context, conn *quic.Conn) {
	remote := conn.RemoteAddr().String()

	hctx, cancel := context.WithTimeout(ctx, DefaultHandshakeTimeout)
	stream, err := conn.AcceptStream(hctx)
	cancel()
	if err != nil {
		l.logger.Warn("no stream opened", "remote", remote, "error", err)
		conn.CloseWithError(ConnErrorProtocolViolation, "no stream")
		return
	}
	if err := ValidateMagicBytes(stream); err != nil {
		l.logger.Warn("bad preamble", "remote", remote, "error", err)
		stream.CancelRead(StreamErrorProtocolConfusion)
		stream.CancelWrite(StreamErrorProtocolConfusion)
		conn.CloseWithError(ConnErrorProtocolViolation, "bad preamble")
		return
	}

	id := l.newID()
	log := l.logger.With("session_id", id, "remote", remote)
	ctx = kit.WithRemoteAddr(kit.WithSessionID(kit.WithTransport(ctx, "mcp_quic"), id), remote)

	ss, err := l.srv.Connect(ctx, &streamTransport{stream: stream, id: id}, nil)
	if err != nil {
		log.Error("session setup failed", "error", err)
		stream.Close()
		conn.CloseWithError(ConnErrorInternal, "session setup failed")
		return
	}
	log.Info("session open")
	if err := ss.Wait(); err != nil && !errors.Is(err, io.EOF) {
		log.Debug("session ended with error", "error", err)
	}
	conn.CloseWithError(ConnErrorNoError, "")
	log.Info("session closed")
}

// streamTransport adapts a QUIC stream to mcp.Transport with newline
// delimited JSON-RPC, and names the session.
type streamTransport struct {
	stream *quic.Stream
	id     string
}

func (t *streamTransport) Connect(ctx context.Context) (mcp.Connection, error) {
	c, err := (&mcp.IOTransport{Reader: io.NopCloser(t.stream), Writer: streamWriteCloser{t.stream}}).Connect(ctx)
	if err != nil {
		return nil, err
	}
	return namedConn{Connection: c, id: t.id}, nil
}

type namedConn struct {
	mcp.Connection
	id string
}

func (c namedConn) SessionID() string { return c.id }

type streamWriteCloser struct{ s *quic.Stream }

func (w streamWriteCloser) Write(p []byte) (int, error) { return w.s.Write(p) }
func (w streamWriteCloser) Close() error                { return w.s.Close() }
