package bridge

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"dcrelay/internal/config"
	"dcrelay/internal/database"
	"dcrelay/internal/database/models"
	"dcrelay/internal/types"
)

// Options configures the relay engine.
type Options struct {
	Deployment       string
	ConfigSnapshot   string
	QueueSize        int
	Scheduler        SchedulerConfig
	Normalizer       NormalizerConfig
	DedupRetention   time.Duration
	DedupShards      int
	DedupShardSize   int
	MappingCacheSize int
	PrefixTemplate   string
	NetworkALabel    string
	NetworkBLabel    string
	BridgeAccounts   map[types.Network][]string
	HealthInterval   time.Duration
	CleanupInterval  time.Duration
	MessageRetention time.Duration
	ShutdownGrace    time.Duration
}

// OptionsFromConfig maps the loaded configuration onto engine options.
func OptionsFromConfig(cfg *config.Config) Options {
	snapshot, _ := cfg.Snapshot()
	return Options{
		Deployment:     cfg.Deployment,
		ConfigSnapshot: snapshot,
		QueueSize:      cfg.QueueSize,
		Scheduler: SchedulerConfig{
			Workers:        cfg.Workers,
			MaxAttempts:    cfg.MaxAttempts,
			BackoffBase:    cfg.BackoffBase,
			BackoffMax:     cfg.BackoffMax,
			AttemptTimeout: cfg.AttemptTimeout,
		},
		Normalizer: NormalizerConfig{
			MaxLength:        cfg.MaxMessageLength,
			TruncationPolicy: cfg.TruncationPolicy,
			TruncationMarker: cfg.TruncationMarker,
			DedupBucket:      cfg.DedupBucket,
		},
		DedupRetention:   cfg.DedupRetention,
		DedupShards:      cfg.DedupShards,
		DedupShardSize:   cfg.DedupShardSize,
		MappingCacheSize: cfg.MappingCacheSize,
		PrefixTemplate:   cfg.PrefixTemplate,
		NetworkALabel:    cfg.NetworkALabel,
		NetworkBLabel:    cfg.NetworkBLabel,
		BridgeAccounts: map[types.Network][]string{
			types.NetworkA: cfg.BridgeAccountsA,
			types.NetworkB: cfg.BridgeAccountsB,
		},
		HealthInterval:   cfg.HealthInterval,
		CleanupInterval:  cfg.CleanupInterval,
		MessageRetention: cfg.MessageRetention,
		ShutdownGrace:    cfg.ShutdownGrace,
	}
}

// Option customises a Core.
type Option func(*Core)

// WithNotifier sends operator alerts through n.
func WithNotifier(n types.Notifier) Option {
	return func(c *Core) { c.notifier = n }
}

// WithHashIndex replaces the in-memory dedup index, e.g. with a RedisIndex.
func WithHashIndex(index HashIndex) Option {
	return func(c *Core) { c.index = index }
}

type event struct {
	raw     any
	network types.Network
}

// Core owns the runtime state of one bridge: the inbound queue, the
// pipeline stages and the registered platforms.
type Core struct {
	opts       Options
	store      database.Store
	mapper     *Mapper
	normalizer *Normalizer
	formatter  *Formatter
	dedup      *Deduplicator
	scheduler  *Scheduler
	stats      *Stats
	monitor    *Monitor
	notifier   types.Notifier
	index      HashIndex
	log        zerolog.Logger

	pmu       sync.RWMutex
	platforms map[types.Network]types.Platform

	intake  sync.RWMutex
	inbound chan event
	closed  bool

	deferMu      sync.Mutex
	deferred     map[string]*types.BridgeMessage
	alertedRooms map[string]struct{}

	started      atomic.Bool
	cancel       context.CancelFunc
	loops        sync.WaitGroup
	pipelineDone chan struct{}
}

// NewCore wires the pipeline stages around store.
func NewCore(opts Options, store database.Store, log zerolog.Logger, options ...Option) *Core {
	if opts.QueueSize < 1 {
		opts.QueueSize = 1
	}
	c := &Core{
		opts:         opts,
		store:        store,
		log:          log.With().Str("component", "bridge").Logger(),
		platforms:    make(map[types.Network]types.Platform),
		inbound:      make(chan event, opts.QueueSize),
		deferred:     make(map[string]*types.BridgeMessage),
		alertedRooms: make(map[string]struct{}),
		pipelineDone: make(chan struct{}),
	}
	for _, o := range options {
		o(c)
	}
	if c.index == nil {
		c.index = NewMemoryIndex(opts.DedupShards, opts.DedupShardSize, opts.DedupRetention)
	}

	c.mapper = NewMapper(store, opts.MappingCacheSize, log)
	c.normalizer = NewNormalizer(opts.Normalizer)
	for network, ids := range opts.BridgeAccounts {
		for _, id := range ids {
			c.normalizer.AddBridgeAccount(network, id)
		}
	}
	c.formatter = NewFormatter(opts.PrefixTemplate, opts.NetworkALabel, opts.NetworkBLabel)
	c.dedup = NewDeduplicator(c.index, store, opts.Normalizer.DedupBucket, opts.DedupRetention, log)
	c.stats = NewStats()
	c.scheduler = NewScheduler(opts.Scheduler, c.attemptDelivery, c.report, log)
	c.monitor = newMonitor(c.stats, store, c.platformSet, c.alert, log)
	return c
}

// Mapper exposes the identity and room mapper for administrative use.
func (c *Core) Mapper() *Mapper { return c.mapper }

// Stats exposes the counters and the metrics registry.
func (c *Core) Stats() *Stats { return c.stats }

// Snapshot returns the current statistics.
func (c *Core) Snapshot() Snapshot { return c.stats.Snapshot() }

// Formatter exposes the prefix formatter.
func (c *Core) Formatter() *Formatter { return c.formatter }

// AddBridgeAccount marks id as an account the bridge itself posts as.
func (c *Core) AddBridgeAccount(network types.Network, id string) {
	c.normalizer.AddBridgeAccount(network, id)
}

// RegisterPlatform attaches an adapter and subscribes to its events.
func (c *Core) RegisterPlatform(p types.Platform) {
	c.pmu.Lock()
	c.platforms[p.Network()] = p
	c.pmu.Unlock()

	p.OnMessage(func(raw any, network types.Network) {
		if err := c.HandleEvent(context.Background(), raw, network); err != nil {
			c.log.Debug().Err(err).Str("network", string(network)).Msg("Inbound event not accepted")
		}
	})
	c.log.Info().Str("network", string(p.Network())).Msg("Platform registered")
}

func (c *Core) platform(network types.Network) types.Platform {
	c.pmu.RLock()
	defer c.pmu.RUnlock()
	return c.platforms[network]
}

func (c *Core) platformSet() map[types.Network]types.Platform {
	c.pmu.RLock()
	defer c.pmu.RUnlock()
	out := make(map[types.Network]types.Platform, len(c.platforms))
	for k, v := range c.platforms {
		out[k] = v
	}
	return out
}

// HandleEvent queues a raw adapter event. It blocks while the queue is full.
func (c *Core) HandleEvent(ctx context.Context, raw any, network types.Network) error {
	c.intake.RLock()
	defer c.intake.RUnlock()
	if c.closed {
		return types.ErrSchedulerStopped
	}
	select {
	case c.inbound <- event{raw: raw, network: network}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start restores state from the store, re-enqueues pending messages and
// starts the pipeline, the health tick and retention cleanup.
func (c *Core) Start(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return errors.New("bridge already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	state, err := c.store.GetBridgeState(runCtx)
	if err != nil && !errors.Is(err, types.ErrNotFound) {
		c.log.Warn().Err(err).Msg("Failed to load bridge state")
	}
	counts, err := c.store.CountMessagesByStatus(runCtx)
	if err != nil {
		c.log.Warn().Err(err).Msg("Failed to count stored messages")
	}
	c.stats.Seed(state, counts)

	if c.opts.ConfigSnapshot != "" {
		err := c.store.PutConfigRecord(runCtx, &models.ConfigRecord{
			Deployment: c.opts.Deployment,
			Payload:    c.opts.ConfigSnapshot,
			UpdatedAt:  time.Now().UTC(),
		})
		if err != nil {
			c.log.Warn().Err(err).Msg("Failed to store config snapshot")
		}
	}

	warmed, err := c.dedup.Warm(runCtx)
	if err != nil {
		c.log.Warn().Err(err).Msg("Failed to warm dedup index")
	}

	c.scheduler.Start(runCtx)

	pending, err := c.store.ListMessagesByStatus(runCtx, types.StatusPending, 0)
	if err != nil {
		c.log.Error().Err(err).Msg("Failed to load pending messages")
	}
	for _, r := range pending {
		c.stats.Accepted()
		if err := c.scheduler.Enqueue(r.ToMessage()); err != nil {
			return err
		}
	}
	c.log.Info().Int("pending", len(pending)).Int("dedup_hashes", warmed).Msg("Bridge started")

	c.monitor.Tick(runCtx)

	go c.pipeline(runCtx)
	c.loops.Add(2)
	go func() {
		defer c.loops.Done()
		c.monitor.Run(runCtx, c.opts.HealthInterval)
	}()
	go func() {
		defer c.loops.Done()
		c.retentionLoop(runCtx)
	}()
	return nil
}

// Shutdown stops intake, drains the inbound queue into the store, lets
// in-flight deliveries finish within the grace period and stops the loops.
// Messages still pending are picked up again by the next Start.
func (c *Core) Shutdown(ctx context.Context) error {
	c.intake.Lock()
	if c.closed {
		c.intake.Unlock()
		return nil
	}
	c.closed = true
	close(c.inbound)
	c.intake.Unlock()

	if !c.started.Load() {
		return nil
	}

	select {
	case <-c.pipelineDone:
	case <-ctx.Done():
	}

	grace, cancel := context.WithTimeout(ctx, c.opts.ShutdownGrace)
	defer cancel()
	err := c.scheduler.Shutdown(grace)

	c.cancel()
	c.loops.Wait()

	final, cancelFinal := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelFinal()
	if perr := c.store.PutBridgeState(final, c.stats.BridgeState()); perr != nil {
		c.log.Warn().Err(perr).Msg("Failed to persist bridge state")
	}

	c.log.Info().Int("queued", c.scheduler.Queued()).Msg("Bridge stopped")
	return err
}

func (c *Core) pipeline(ctx context.Context) {
	defer close(c.pipelineDone)
	for ev := range c.inbound {
		c.process(ctx, ev)
	}
}

func (c *Core) process(ctx context.Context, ev event) {
	msg, err := c.normalizer.Normalize(ev.raw, ev.network)
	if err != nil {
		c.reject(ev.network, err)
		return
	}
	log := c.log.With().
		Str("message_id", msg.ID).
		Str("network", string(msg.SourceNetwork)).
		Str("room_id", msg.RoomID).
		Logger()

	if err := c.mapper.ObserveSender(ctx, msg.SourceNetwork, msg.SenderID, msg.SenderDisplayName); err != nil {
		log.Warn().Err(err).Msg("Failed to record sender")
	}
	if msg.SenderDisplayName == "" {
		msg.SenderDisplayName = c.mapper.DisplayName(ctx, msg.SourceNetwork, msg.SenderID)
	}

	verdict, err := c.dedup.CheckAndMark(ctx, msg)
	if err != nil {
		log.Warn().Err(err).Msg("Dedup check failed")
	}
	if verdict == Duplicate {
		msg.Status = types.StatusDeduped
		if err := c.store.PutMessage(ctx, models.FromMessage(msg)); err != nil {
			log.Warn().Err(err).Msg("Failed to record duplicate")
		}
		c.stats.Deduped(msg)
		log.Debug().Str("dedup_hash", msg.DedupHash).Msg("Duplicate message dropped")
		return
	}

	if err := c.store.PutMessage(ctx, models.FromMessage(msg)); err != nil {
		log.Error().Err(err).Msg("Failed to persist message, relaying anyway")
	}
	c.stats.Accepted()
	if err := c.scheduler.Enqueue(msg); err != nil {
		log.Warn().Err(err).Msg("Message left pending")
		return
	}
	log.Debug().Msg("Message accepted")
}

func (c *Core) reject(network types.Network, err error) {
	var reason string
	switch {
	case errors.Is(err, types.ErrSelfMessage):
		c.stats.Rejected(network, "self")
		c.log.Debug().Str("network", string(network)).Msg("Ignoring message authored by the bridge")
		return
	case types.IsMalformed(err):
		reason = "malformed"
	case errors.Is(err, types.ErrMessageTooLong):
		reason = "too_long"
	default:
		reason = "invalid"
	}
	c.stats.Rejected(network, reason)
	c.log.Warn().Err(err).Str("network", string(network)).Str("reason", reason).Msg("Inbound event rejected")
}

func (c *Core) attemptDelivery(ctx context.Context, msg *types.BridgeMessage) (types.Ack, error) {
	p := c.platform(msg.TargetNetwork)
	if p == nil {
		return types.Ack{}, fmt.Errorf("%w: %s", types.ErrNetworkDisabled, msg.TargetNetwork)
	}

	target, ok, err := c.mapper.ResolveRoom(ctx, msg.SourceNetwork, msg.RoomID)
	if err != nil {
		return types.Ack{}, types.Transient("room lookup", err)
	}
	if !ok {
		return types.Ack{}, fmt.Errorf("%w: %s", types.ErrUnmappedRoom, msg.RoomKey())
	}
	msg.TargetRoomID = target

	hint := c.formatter.Hint(msg)
	text := hint.Prefix + hint.Body
	ack, err := p.SendMessage(ctx, target, text, hint)
	if err != nil {
		return ack, err
	}
	if ack.SentAt.IsZero() {
		ack.SentAt = time.Now()
	}
	if ack.Text == "" {
		ack.Text = text
	}
	c.dedup.RegisterEcho(ctx, msg.TargetNetwork, ack.SenderID, ack.Text, ack.SentAt)
	return ack, nil
}

func (c *Core) report(msg *types.BridgeMessage, result Result, ack types.Ack, err error, wait time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	log := c.log.With().
		Str("message_id", msg.ID).
		Str("network", string(msg.SourceNetwork)).
		Str("room_id", msg.RoomID).
		Int("attempt", msg.Attempts).
		Logger()

	switch result {
	case ResultSent:
		msg.Status = types.StatusSent
		msg.ErrorDetail = ""
		c.recordOutcome(ctx, msg)
		c.stats.Relayed(msg, ack.SentAt)
		log.Info().Str("target_room_id", msg.TargetRoomID).Str("remote_id", ack.MessageID).Msg("Message relayed")

	case ResultFailed:
		c.stats.AttemptFailed(msg.TargetNetwork)
		msg.Status = types.StatusFailed
		msg.ErrorDetail = err.Error()
		c.recordOutcome(ctx, msg)
		c.dedup.Forget(ctx, msg.DedupHash)
		c.stats.Failed(msg)
		log.Error().Err(err).Msg("Message delivery failed")
		c.alert(ctx, "Message delivery failed",
			fmt.Sprintf("Message %s from %s room %s: %v", msg.ID, msg.SourceNetwork, msg.RoomID, err))

	case ResultDeferred:
		c.stats.Deferred()
		log.Warn().Err(err).Msg("Message deferred, kept pending")
		if c.park(msg) && errors.Is(err, types.ErrUnmappedRoom) {
			c.alert(ctx, "Unmapped room",
				fmt.Sprintf("Messages from %s room %s have no room mapping and stay pending; use POST /deferred/retry after linking to deliver them.", msg.SourceNetwork, msg.RoomID))
		}

	case ResultRetry:
		c.stats.AttemptFailed(msg.TargetNetwork)
		log.Warn().Err(err).Dur("retry_in", wait).Msg("Delivery attempt failed, retrying")
	}
}

// recordOutcome writes the terminal state. A record missing from the store
// (written while a failover store was degraded) is written in full.
func (c *Core) recordOutcome(ctx context.Context, msg *types.BridgeMessage) {
	msg.UpdatedAt = time.Now().UTC()
	err := c.store.RecordDeliveryOutcome(ctx, models.DeliveryOutcome{
		MessageID:    msg.ID,
		Status:       msg.Status,
		ErrorDetail:  msg.ErrorDetail,
		TargetRoomID: msg.TargetRoomID,
		Attempts:     msg.Attempts,
	})
	if errors.Is(err, types.ErrNotFound) {
		err = c.store.PutMessage(ctx, models.FromMessage(msg))
	}
	if err != nil {
		c.log.Error().Err(err).Str("message_id", msg.ID).Str("status", string(msg.Status)).Msg("Failed to record delivery outcome")
	}
}

// park keeps a deferred message until RetryDeferred. It reports whether
// msg is the first parked message of its room.
func (c *Core) park(msg *types.BridgeMessage) bool {
	c.deferMu.Lock()
	defer c.deferMu.Unlock()
	c.deferred[msg.ID] = msg
	if _, ok := c.alertedRooms[msg.RoomKey()]; ok {
		return false
	}
	c.alertedRooms[msg.RoomKey()] = struct{}{}
	return true
}

// RetryDeferred hands every parked message back to the scheduler, in the
// order they were created.
func (c *Core) RetryDeferred() int {
	c.deferMu.Lock()
	parked := make([]*types.BridgeMessage, 0, len(c.deferred))
	for _, msg := range c.deferred {
		parked = append(parked, msg)
	}
	c.deferred = make(map[string]*types.BridgeMessage)
	c.alertedRooms = make(map[string]struct{})
	c.deferMu.Unlock()

	if len(parked) == 0 {
		return 0
	}
	slices.SortStableFunc(parked, func(a, b *types.BridgeMessage) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	c.stats.Resumed(len(parked))
	for _, msg := range parked {
		if err := c.scheduler.Enqueue(msg); err != nil {
			c.log.Warn().Err(err).Str("message_id", msg.ID).Msg("Deferred message left pending")
		}
	}
	c.log.Info().Int("messages", len(parked)).Msg("Retrying deferred messages")
	return len(parked)
}

// UpsertRoomMapping links two rooms. Messages already parked for the room
// stay Pending; only new traffic uses the mapping.
func (c *Core) UpsertRoomMapping(ctx context.Context, aRoomID, aRoomName, bRoomID, bRoomName string, bidirectional bool) (*models.RoomMapping, error) {
	m, err := c.mapper.UpsertRoomMapping(ctx, aRoomID, aRoomName, bRoomID, bRoomName, bidirectional)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (c *Core) alert(ctx context.Context, subject, detail string) {
	if c.notifier == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
		defer cancel()
		if err := c.notifier.Notify(ctx, subject, detail); err != nil {
			c.log.Warn().Err(err).Str("subject", subject).Msg("Failed to send operator alert")
		}
	}()
}

// Cleanup deletes messages older than the retention period.
func (c *Core) Cleanup(ctx context.Context) (int64, error) {
	cutoff := time.Now().Add(-c.opts.MessageRetention)
	n, err := c.store.DeleteMessagesBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		c.log.Info().Int64("deleted", n).Time("cutoff", cutoff).Msg("Old messages removed")
	}
	return n, nil
}

func (c *Core) retentionLoop(ctx context.Context) {
	ticker := time.NewTicker(c.opts.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.Cleanup(ctx); err != nil {
				c.log.Warn().Err(err).Msg("Retention cleanup failed")
			}
		}
	}
}

// UpsertUserMapping links two identities, merging rows learned from traffic.
func (c *Core) UpsertUserMapping(ctx context.Context, aUserID, aName, bUserID, bName string) (*models.UserMapping, error) {
	return c.mapper.UpsertUserMapping(ctx, aUserID, aName, bUserID, bName)
}

// Ready reports whether the bridge accepts traffic.
func (c *Core) Ready(ctx context.Context) error {
	if !c.started.Load() {
		return errors.New("bridge not started")
	}
	c.intake.RLock()
	closed := c.closed
	c.intake.RUnlock()
	if closed {
		return types.ErrSchedulerStopped
	}
	return c.store.Ping(ctx)
}
