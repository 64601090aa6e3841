package deltachat

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/jsonrpc2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dcrelay/internal/types"
)

// fakeCall is one request as the server saw it.
type fakeCall struct {
	Method string
	Params []any
}

// fakeServer answers requests written by the client from a method table.
type fakeServer struct {
	mu      sync.Mutex
	calls   []fakeCall
	handler func(req fakeCall) (any, *RPCError)
	events  chan Event
}

func (s *fakeServer) handle(ctx context.Context, _ *jsonrpc2.Conn, r *jsonrpc2.Request) (any, error) {
	req := fakeCall{Method: r.Method}
	if r.Params != nil {
		if err := json.Unmarshal(*r.Params, &req.Params); err != nil {
			return nil, &RPCError{Code: jsonrpc2.CodeInvalidParams, Message: err.Error()}
		}
	}
	s.mu.Lock()
	s.calls = append(s.calls, req)
	s.mu.Unlock()

	if req.Method == "get_next_event" {
		select {
		case ev := <-s.events:
			return ev, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	result, rpcErr := s.handler(req)
	if rpcErr != nil {
		return nil, rpcErr
	}
	return result, nil
}

func startFakeServer(t *testing.T, handler func(req fakeCall) (any, *RPCError)) (*RPC, *fakeServer) {
	t.Helper()
	clientR, serverW := io.Pipe()
	serverR, clientW := io.Pipe()
	srv := &fakeServer{handler: handler, events: make(chan Event, 8)}

	ctx, cancel := context.WithCancel(context.Background())
	conn := jsonrpc2.NewConn(ctx,
		jsonrpc2.NewPlainObjectStream(stdio{ReadCloser: serverR, WriteCloser: serverW}),
		jsonrpc2.AsyncHandler(jsonrpc2.HandlerWithError(srv.handle).SuppressErrClosed()),
	)
	rpc := NewRPC(clientR, clientW, zerolog.Nop())
	t.Cleanup(func() {
		cancel()
		rpc.Close()
		conn.Close()
	})

	return rpc, srv
}

func (s *fakeServer) methods() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.calls))
	for _, c := range s.calls {
		out = append(out, c.Method)
	}
	return out
}

func configuredAccount(req fakeCall) (any, *RPCError) {
	switch req.Method {
	case "get_all_account_ids":
		return []int64{3}, nil
	case "is_configured":
		return true, nil
	case "get_config":
		return "Bridge@Example.org", nil
	case "start_io":
		return nil, nil
	case "get_connectivity":
		return 4000, nil
	case "misc_send_text_message":
		return 77, nil
	case "get_message":
		return map[string]any{
			"id": 9, "chatId": 12, "fromId": 20, "text": "hi there", "timestamp": 1700000000,
			"sender": map[string]any{"id": 20, "address": "bob@example.org", "displayName": "Bob"},
		}, nil
	case "get_basic_chat_info":
		return map[string]any{"id": 12, "name": "Family"}, nil
	}
	return nil, &RPCError{Code: -32601, Message: "method not found"}
}

func TestClientStartUsesExistingAccount(t *testing.T) {
	rpc, srv := startFakeServer(t, configuredAccount)
	client := NewClientWithRPC(rpc, Config{}, zerolog.Nop())

	require.NoError(t, client.Start(context.Background()))
	assert.Equal(t, int64(3), client.AccountID())
	assert.Equal(t, "bridge@example.org", client.SelfAddr())
	assert.True(t, client.IsConnected())
	assert.Equal(t, []string{"get_all_account_ids", "is_configured", "get_config", "start_io"}, srv.methods())
}

func TestClientConfiguresNewAccount(t *testing.T) {
	var settings map[string]any
	rpc, srv := startFakeServer(t, func(req fakeCall) (any, *RPCError) {
		switch req.Method {
		case "get_all_account_ids":
			return []int64{}, nil
		case "add_account":
			return 1, nil
		case "is_configured":
			return false, nil
		case "batch_set_config":
			settings = req.Params[1].(map[string]any)
			return nil, nil
		case "configure", "start_io":
			return nil, nil
		case "get_config":
			return "relay@example.org", nil
		}
		return nil, &RPCError{Code: -32601, Message: "method not found"}
	})
	client := NewClientWithRPC(rpc, Config{Addr: "relay@example.org", Password: "pw", DisplayName: "Relay"}, zerolog.Nop())

	require.NoError(t, client.Start(context.Background()))
	assert.Contains(t, srv.methods(), "configure")
	assert.Equal(t, "relay@example.org", settings["addr"])
	assert.Equal(t, "1", settings["bot"])
}

func TestClientRefusesUnconfiguredWithoutCredentials(t *testing.T) {
	rpc, _ := startFakeServer(t, func(req fakeCall) (any, *RPCError) {
		switch req.Method {
		case "get_all_account_ids":
			return []int64{1}, nil
		case "is_configured":
			return false, nil
		}
		return nil, nil
	})
	client := NewClientWithRPC(rpc, Config{}, zerolog.Nop())
	assert.Error(t, client.Start(context.Background()))
}

func TestSendTextAndConnectivity(t *testing.T) {
	rpc, srv := startFakeServer(t, configuredAccount)
	client := NewClientWithRPC(rpc, Config{}, zerolog.Nop())
	require.NoError(t, client.Start(context.Background()))

	id, err := client.SendText(context.Background(), 12, "[A] alice: hello")
	require.NoError(t, err)
	assert.Equal(t, int64(77), id)

	level, err := client.Connectivity(context.Background())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, level, ConnectivityConnected)

	name, err := client.ChatName(context.Background(), 12)
	require.NoError(t, err)
	assert.Equal(t, "Family", name)

	srv.mu.Lock()
	defer srv.mu.Unlock()
	for _, c := range srv.calls {
		if c.Method == "misc_send_text_message" {
			assert.Equal(t, []any{float64(3), float64(12), "[A] alice: hello"}, c.Params)
		}
	}
}

func TestListenDeliversIncomingMessages(t *testing.T) {
	rpc, srv := startFakeServer(t, configuredAccount)
	client := NewClientWithRPC(rpc, Config{}, zerolog.Nop())
	require.NoError(t, client.Start(context.Background()))

	got := make(chan *Message, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	client.Listen(ctx, func(m *Message) { got <- m })

	other := Event{ContextID: 99}
	other.Event.Kind = "IncomingMsg"
	srv.events <- other
	ev := Event{ContextID: 3}
	ev.Event.Kind = "IncomingMsg"
	ev.Event.ChatID = 12
	ev.Event.MsgID = 9
	srv.events <- ev

	select {
	case m := <-got:
		assert.Equal(t, int64(12), m.ChatID)
		assert.Equal(t, "Bob", m.SenderName())
		assert.Equal(t, "hi there", m.Text)
	case <-time.After(2 * time.Second):
		t.Fatal("no message delivered")
	}
}

func TestCallFailsAfterServerExit(t *testing.T) {
	clientR, serverW := io.Pipe()
	_, clientW := io.Pipe()
	rpc := NewRPC(clientR, clientW, zerolog.Nop())
	serverW.Close()

	<-rpc.Done()
	err := rpc.Call(context.Background(), "get_connectivity", nil, 1)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestClassifyError(t *testing.T) {
	notFound := &RPCError{Code: -1, Message: "Chat not found: 12"}
	assert.True(t, types.IsPermanent(ClassifyError(notFound)))

	assert.True(t, types.IsTransient(ClassifyError(ErrClosed)))
	assert.True(t, types.IsTransient(ClassifyError(context.DeadlineExceeded)))
	assert.True(t, types.IsTransient(ClassifyError(&RPCError{Code: -1, Message: "IMAP busy"})))
	assert.Nil(t, ClassifyError(nil))
	assert.True(t, errors.Is(ClassifyError(context.Canceled), context.Canceled))
}

func TestSenderNamePreference(t *testing.T) {
	override := "Carol (via list)"
	m := &Message{OverrideSenderName: &override, Sender: &Contact{DisplayName: "Carol", Address: "carol@example.org"}}
	assert.Equal(t, "Carol (via list)", m.SenderName())

	m.OverrideSenderName = nil
	assert.Equal(t, "Carol", m.SenderName())

	m.Sender.DisplayName = ""
	assert.Equal(t, "carol@example.org", m.SenderName())
}

func TestServerErrorReachesClassifier(t *testing.T) {
	rpc, _ := startFakeServer(t, func(req fakeCall) (any, *RPCError) {
		if req.Method == "misc_send_text_message" {
			return nil, &RPCError{Code: -1, Message: "no chat with id 12"}
		}
		return configuredAccount(req)
	})
	client := NewClientWithRPC(rpc, Config{}, zerolog.Nop())
	require.NoError(t, client.Start(context.Background()))

	_, err := client.SendText(context.Background(), 12, "hello")
	require.Error(t, err)

	var rpcErr *RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, int64(-1), rpcErr.Code)
	assert.True(t, types.IsPermanent(ClassifyError(err)))
}
