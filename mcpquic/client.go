package mcpquic

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/quic-go/quic-go"
)

// ErrToolFailed wraps the text of a tool result flagged IsError.
var ErrToolFailed = errors.New("mcpquic: tool failed")

// Client is one MCP session on one QUIC stream. `manuscript remote` uses it
// to drive a server's tools without the HTTP endpoint.
type Client struct {
	conn    *quic.Conn
	stream  *quic.Stream
	session *mcp.ClientSession
}

// Dial connects to addr, checks ALPN, sends the stream preamble and runs the
// MCP initialize exchange. A nil tlsCfg verifies the server certificate.
func Dial(ctx context.Context, addr string, tlsCfg *tls.Config) (*Client, error) {
	if tlsCfg == nil {
		tlsCfg = ClientTLSConfig(false)
	}
	conn, err := quic.DialAddr(ctx, addr, tlsCfg, ProductionQUICConfig())
	if err != nil {
		return nil, fmt.Errorf("mcpquic: dial %s: %w", addr, err)
	}
	c := &Client{conn: conn}

	if got := conn.ConnectionState().TLS.NegotiatedProtocol; got != ALPNProtocolMCP {
		conn.CloseWithError(ConnErrorUnsupportedALPN, "unsupported ALPN")
		return nil, &ConnectionError{RemoteAddr: addr, Code: ConnErrorUnsupportedALPN,
			Err: fmt.Errorf("%w: %q", ErrUnsupportedALPN, got)}
	}
	if c.stream, err = conn.OpenStreamSync(ctx); err != nil {
		c.abort(ConnErrorInternal, "open stream")
		return nil, fmt.Errorf("mcpquic: open stream: %w", err)
	}
	if err := SendMagicBytes(c.stream); err != nil {
		c.abort(ConnErrorProtocolViolation, "preamble")
		return nil, err
	}

	initCtx, cancel := context.WithTimeout(ctx, DefaultHandshakeTimeout)
	defer cancel()
	impl := &mcp.Implementation{Name: "manuscript-remote", Version: "1.0.0"}
	c.session, err = mcp.NewClient(impl, nil).Connect(initCtx, &mcp.IOTransport{
		Reader: io.NopCloser(c.stream),
		Writer: streamWriteCloser{c.stream},
	}, nil)
	if err != nil {
		c.abort(ConnErrorInternal, "initialize")
		return nil, fmt.Errorf("mcpquic: initialize with %s: %w", addr, err)
	}
	return c, nil
}

func (c *Client) live() error {
	if c == nil || c.session == nil {
		return ErrNotConnected
	}
	return nil
}

// Tools lists every tool, following pagination cursors.
func (c *Client) Tools(ctx context.Context) ([]*mcp.Tool, error) {
	if err := c.live(); err != nil {
		return nil, err
	}
	var tools []*mcp.Tool
	params := &mcp.ListToolsParams{}
	for {
		res, err := c.session.ListTools(ctx, params)
		if err != nil {
			return nil, err
		}
		tools = append(tools, res.Tools...)
		if res.NextCursor == "" {
			return tools, nil
		}
		params.Cursor = res.NextCursor
	}
}

// Call invokes a tool and returns its text output. Results flagged IsError
// come back as ErrToolFailed carrying the tool's message.
func (c *Client) Call(ctx context.Context, tool string, args map[string]any) (string, error) {
	if err := c.live(); err != nil {
		return "", err
	}
	res, err := c.session.CallTool(ctx, &mcp.CallToolParams{Name: tool, Arguments: args})
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for _, part := range res.Content {
		if tc, ok := part.(*mcp.TextContent); ok {
			b.WriteString(tc.Text)
		}
	}
	if res.IsError {
		return "", fmt.Errorf("%w: %s: %s", ErrToolFailed, tool, b.String())
	}
	return b.String(), nil
}

// CallJSON is Call with the output decoded into out.
func (c *Client) CallJSON(ctx context.Context, tool string, args map[string]any, out any) error {
	text, err := c.Call(ctx, tool, args)
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(text), out)
}

func (c *Client) Ping(ctx context.Context) error {
	if err := c.live(); err != nil {
		return err
	}
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return c.session.Ping(pctx, nil)
}

// Close ends the session and the connection. Calls after Close return
// ErrNotConnected.
func (c *Client) Close() error {
	if c.session != nil {
		c.session.Close()
		c.session = nil
	}
	return c.abort(ConnErrorNoError, "bye")
}

func (c *Client) abort(code quic.ApplicationErrorCode, reason string) error {
	if c.stream != nil {
		c.stream.Close()
	}
	return c.conn.CloseWithError(code, reason)
}
