package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"dcrelay/internal/bridge"
	"dcrelay/internal/config"
	"dcrelay/internal/database"
	"dcrelay/internal/types"
)

type cmdEnv struct {
	cfg   *config.Config
	store database.Store
	log   zerolog.Logger
	out   io.Writer
}

// withStore runs fn against the configured store.
func withStore(flags *globalFlags, fn func(ctx context.Context, env *cmdEnv, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, log, closer, err := setup(flags)
		if err != nil {
			return err
		}
		defer closer.Close()

		store, err := database.Open(cfg.StoreBackend, cfg.DatabasePath, log)
		if err != nil {
			return err
		}
		defer store.Close()
		if f, ok := store.(*database.FailoverStore); ok && f.Degraded() {
			// admin writes must not land in a throwaway in-memory store
			return fmt.Errorf("%w: %s", types.ErrStoreUnavailable, cfg.DatabasePath)
		}
		return fn(cmd.Context(), &cmdEnv{cfg: cfg, store: store, log: log, out: cmd.OutOrStdout()}, args)
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newMapRoomCommand(flags *globalFlags) *cobra.Command {
	var aName, bName string
	var oneway bool

	cmd := &cobra.Command{
		Use:   "map-room <discord-channel-id> <deltachat-chat-id>",
		Short: "Link a Discord channel with a Delta Chat chat",
		Long: "Link a Discord channel with a Delta Chat chat, replacing any mapping either side had.\n" +
			"A running bridge sees the change once its mapping cache expires; the admin API applies it at once.",
		Args: cobra.ExactArgs(2),
		RunE: withStore(flags, func(ctx context.Context, env *cmdEnv, args []string) error {
			mapper := bridge.NewMapper(env.store, 1, env.log)
			m, err := mapper.UpsertRoomMapping(ctx, args[0], aName, args[1], bName, !oneway)
			if err != nil {
				return err
			}
			return printJSON(env.out, m)
		}),
	}
	cmd.Flags().StringVar(&aName, "a-name", "", "Discord channel name")
	cmd.Flags().StringVar(&bName, "b-name", "", "Delta Chat chat name")
	cmd.Flags().BoolVar(&oneway, "oneway", false, "only relay from Discord to Delta Chat")
	return cmd
}

func newMapUserCommand(flags *globalFlags) *cobra.Command {
	var aName, bName string

	cmd := &cobra.Command{
		Use:   "map-user <discord-user-id> <deltachat-address>",
		Short: "Link a Discord user with a Delta Chat address",
		Args:  cobra.ExactArgs(2),
		RunE: withStore(flags, func(ctx context.Context, env *cmdEnv, args []string) error {
			mapper := bridge.NewMapper(env.store, 1, env.log)
			m, err := mapper.UpsertUserMapping(ctx, args[0], aName, args[1], bName)
			if err != nil {
				return err
			}
			return printJSON(env.out, m)
		}),
	}
	cmd.Flags().StringVar(&aName, "a-name", "", "Discord display name")
	cmd.Flags().StringVar(&bName, "b-name", "", "Delta Chat display name")
	return cmd
}

type storedStats struct {
	State    any                           `json:"state"`
	Messages map[types.MessageStatus]int64 `json:"messages"`
}

func newStatsCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print the persisted bridge state and message counts",
		Args:  cobra.NoArgs,
		RunE: withStore(flags, func(ctx context.Context, env *cmdEnv, _ []string) error {
			var out storedStats
			state, err := env.store.GetBridgeState(ctx)
			switch {
			case err == nil:
				out.State = state
			case !errors.Is(err, types.ErrNotFound):
				return err
			}
			out.Messages, err = env.store.CountMessagesByStatus(ctx)
			if err != nil {
				return err
			}
			return printJSON(env.out, out)
		}),
	}
}

func newCleanupCommand(flags *globalFlags) *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete stored messages older than the retention period",
		Args:  cobra.NoArgs,
		RunE: withStore(flags, func(ctx context.Context, env *cmdEnv, _ []string) error {
			retention := olderThan
			if retention <= 0 {
				retention = env.cfg.MessageRetention
			}
			n, err := env.store.DeleteMessagesBefore(ctx, time.Now().Add(-retention))
			if err != nil {
				return err
			}
			fmt.Fprintf(env.out, "deleted %d messages older than %s\n", n, retention)
			return nil
		}),
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "override MESSAGE_RETENTION")
	return cmd
}
