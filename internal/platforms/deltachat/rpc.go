package deltachat

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/jsonrpc2"
)

// ErrClosed is returned for calls made after the transport shut down.
var ErrClosed = jsonrpc2.ErrClosed

// RPCError is an error object returned by the server.
type RPCError = jsonrpc2.Error

// stdio joins a process's stdout and stdin into one stream.
type stdio struct {
	io.ReadCloser
	io.WriteCloser
}

func (s stdio) Close() error {
	return errors.Join(s.WriteCloser.Close(), s.ReadCloser.Close())
}

// RPC speaks newline-delimited JSON-RPC 2.0, the framing used by
// deltachat-rpc-server on its stdio.
type RPC struct {
	conn *jsonrpc2.Conn
}

// NewRPC starts a connection reading responses from r and writing
// requests to w. Closing the RPC closes both.
func NewRPC(r io.ReadCloser, w io.WriteCloser, log zerolog.Logger) *RPC {
	stream := jsonrpc2.NewPlainObjectStream(stdio{ReadCloser: r, WriteCloser: w})
	logger := log.With().Str("stream", "jsonrpc").Logger()
	conn := jsonrpc2.NewConn(context.Background(), stream,
		jsonrpc2.HandlerWithError(rejectServerRequests).SuppressErrClosed(),
		jsonrpc2.SetLogger(&logger),
	)
	return &RPC{conn: conn}
}

// The server never calls the client.
func rejectServerRequests(_ context.Context, _ *jsonrpc2.Conn, req *jsonrpc2.Request) (any, error) {
	return nil, &jsonrpc2.Error{Code: jsonrpc2.CodeMethodNotFound, Message: "unexpected request " + req.Method}
}

// Done is closed once the server stops answering.
func (c *RPC) Done() <-chan struct{} {
	return c.conn.DisconnectNotify()
}

// Close shuts the connection down and closes the underlying streams.
func (c *RPC) Close() error {
	err := c.conn.Close()
	if errors.Is(err, ErrClosed) {
		return nil
	}
	return err
}

// Call invokes method and decodes the result into result, which may be nil.
func (c *RPC) Call(ctx context.Context, method string, result any, params ...any) error {
	if params == nil {
		params = []any{}
	}
	err := c.conn.Call(ctx, method, params, result)
	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		return err
	}
	return fmt.Errorf("%s: %w", method, err)
}
