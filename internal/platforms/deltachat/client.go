package deltachat

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Config describes how to reach and configure the account.
type Config struct {
	ServerPath  string
	AccountsDir string
	// AccountID selects an existing account; 0 picks the first one.
	AccountID   int64
	Addr        string
	Password    string
	DisplayName string
}

// Client drives one Delta Chat account through deltachat-rpc-server.
type Client struct {
	cfg       Config
	rpc       *RPC
	cmd       *exec.Cmd
	accountID int64
	selfAddr  string
	connected atomic.Bool
	log       zerolog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewClient creates a client that will spawn the RPC server on Start.
func NewClient(cfg Config, log zerolog.Logger) *Client {
	return &Client{
		cfg: cfg,
		log: log.With().Str("component", "deltachat").Logger(),
	}
}

// NewClientWithRPC attaches to an already running transport.
func NewClientWithRPC(rpc *RPC, cfg Config, log zerolog.Logger) *Client {
	c := NewClient(cfg, log)
	c.rpc = rpc
	return c
}

// Start launches the server process (unless a transport is attached),
// selects or configures the account and starts IO.
func (c *Client) Start(ctx context.Context) error {
	if c.rpc == nil {
		if err := c.spawn(); err != nil {
			return err
		}
	}
	if err := c.setup(ctx); err != nil {
		c.Close()
		return err
	}
	c.connected.Store(true)
	c.log.Info().Int64("account_id", c.accountID).Str("addr", c.selfAddr).Msg("Delta Chat account ready")
	return nil
}

func (c *Client) spawn() error {
	path := c.cfg.ServerPath
	if path == "" {
		path = "deltachat-rpc-server"
	}
	cmd := exec.Command(path)
	cmd.Env = os.Environ()
	if c.cfg.AccountsDir != "" {
		cmd.Env = append(cmd.Env, "DC_ACCOUNTS_PATH="+c.cfg.AccountsDir)
	}
	cmd.Stderr = c.log.With().Str("stream", "stderr").Logger()

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("rpc server stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("rpc server stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start %s: %w", path, err)
	}

	c.cmd = cmd
	c.rpc = NewRPC(stdout, stdin, c.log)
	return nil
}

func (c *Client) setup(ctx context.Context) error {
	var ids []int64
	if err := c.rpc.Call(ctx, "get_all_account_ids", &ids); err != nil {
		return err
	}

	switch {
	case c.cfg.AccountID != 0:
		c.accountID = c.cfg.AccountID
	case len(ids) > 0:
		c.accountID = ids[0]
	default:
		if err := c.rpc.Call(ctx, "add_account", &c.accountID); err != nil {
			return err
		}
		c.log.Info().Int64("account_id", c.accountID).Msg("Created Delta Chat account")
	}

	var configured bool
	if err := c.rpc.Call(ctx, "is_configured", &configured, c.accountID); err != nil {
		return err
	}
	if !configured {
		if c.cfg.Addr == "" || c.cfg.Password == "" {
			return fmt.Errorf("account %d is not configured and no address/password was given", c.accountID)
		}
		settings := map[string]string{
			"addr":        c.cfg.Addr,
			"mail_pw":     c.cfg.Password,
			"displayname": c.cfg.DisplayName,
			"bot":         "1",
		}
		if err := c.rpc.Call(ctx, "batch_set_config", nil, c.accountID, settings); err != nil {
			return err
		}
		c.log.Info().Str("addr", c.cfg.Addr).Msg("Configuring Delta Chat account")
		if err := c.rpc.Call(ctx, "configure", nil, c.accountID); err != nil {
			return fmt.Errorf("configure account: %w", err)
		}
	}

	var addr *string
	if err := c.rpc.Call(ctx, "get_config", &addr, c.accountID, "configured_addr"); err != nil {
		return err
	}
	if addr != nil {
		c.selfAddr = strings.ToLower(*addr)
	}

	return c.rpc.Call(ctx, "start_io", nil, c.accountID)
}

// SelfAddr is the address the bridge sends from.
func (c *Client) SelfAddr() string {
	return c.selfAddr
}

// AccountID is the account in use.
func (c *Client) AccountID() int64 {
	return c.accountID
}

// Listen runs the event loop until ctx is cancelled or the server exits.
// handler is called for every incoming message of the account.
func (c *Client) Listen(ctx context.Context, handler func(*Message)) {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.eventLoop(ctx, handler)
	}()
}

func (c *Client) eventLoop(ctx context.Context, handler func(*Message)) {
	for {
		var ev Event
		err := c.rpc.Call(ctx, "get_next_event", &ev)
		switch {
		case err == nil:
		case ctx.Err() != nil:
			return
		case errors.Is(err, ErrClosed):
			c.connected.Store(false)
			c.log.Error().Err(err).Msg("Delta Chat RPC server stopped")
			return
		default:
			c.log.Warn().Err(err).Msg("Failed to fetch event")
			select {
			case <-time.After(time.Second):
				continue
			case <-ctx.Done():
				return
			}
		}

		if ev.ContextID != c.accountID {
			continue
		}
		switch ev.Event.Kind {
		case "IncomingMsg":
			msg, err := c.GetMessage(ctx, ev.Event.MsgID)
			if err != nil {
				c.log.Warn().Err(err).Int64("msg_id", ev.Event.MsgID).Msg("Failed to load incoming message")
				continue
			}
			if msg.IsInfo {
				continue
			}
			handler(msg)
		case "Error":
			c.log.Error().Str("detail", ev.Event.Msg).Msg("Delta Chat core error")
		case "Warning":
			c.log.Debug().Str("detail", ev.Event.Msg).Msg("Delta Chat core warning")
		}
	}
}

// GetMessage loads a message by id.
func (c *Client) GetMessage(ctx context.Context, msgID int64) (*Message, error) {
	var msg Message
	if err := c.rpc.Call(ctx, "get_message", &msg, c.accountID, msgID); err != nil {
		return nil, err
	}
	return &msg, nil
}

// SendText posts text to chatID and returns the new message id.
func (c *Client) SendText(ctx context.Context, chatID int64, text string) (int64, error) {
	var msgID int64
	if err := c.rpc.Call(ctx, "misc_send_text_message", &msgID, c.accountID, chatID, text); err != nil {
		return 0, err
	}
	return msgID, nil
}

// Connectivity returns the account's connectivity level.
func (c *Client) Connectivity(ctx context.Context) (int, error) {
	var level int
	if err := c.rpc.Call(ctx, "get_connectivity", &level, c.accountID); err != nil {
		return 0, err
	}
	return level, nil
}

// IsConnected reports whether the transport is alive.
func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

// ChatName returns the display name of a chat.
func (c *Client) ChatName(ctx context.Context, chatID int64) (string, error) {
	var info BasicChatInfo
	if err := c.rpc.Call(ctx, "get_basic_chat_info", &info, c.accountID, chatID); err != nil {
		return "", err
	}
	return info.Name, nil
}

// Close stops the event loop and the server process.
func (c *Client) Close() error {
	if c.cancel != nil {
		c.cancel()
	}
	c.connected.Store(false)
	if c.rpc != nil {
		if err := c.rpc.Close(); err != nil {
			c.log.Debug().Err(err).Msg("Closing RPC transport")
		}
	}
	if c.cmd != nil && c.cmd.Process != nil {
		done := make(chan error, 1)
		go func() { done <- c.cmd.Wait() }()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			c.cmd.Process.Kill()
			<-done
		}
	}
	c.wg.Wait()
	c.log.Info().Msg("Delta Chat client stopped")
	return nil
}
