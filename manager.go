package sandwich

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/WelcomerTeam/Discord/discord"
	"github.com/WelcomerTeam/Sandwich-Gateway/rest"
	csmap "github.com/mhmtszr/concurrent-swiss-map"
	"github.com/rs/zerolog"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"
)

// ManagerOptions is everything a Manager needs besides its configuration.
type ManagerOptions struct {
	Configuration *Configuration
	Logger        zerolog.Logger

	// REST is used to fetch the gateway url and session start limits. When
	// nil, the shard count must be known up front.
	REST *rest.Client

	Handler          EventHandler
	IdentifyProvider IdentifyProvider
	Sessions         SessionStore
	Dialer           Dialer

	// OnShardFatal is called whenever a shard stops. Authentication and
	// configuration errors are not restarted, anything else is.
	OnShardFatal func(shardID int32, err error)

	Random func() float64
}

// Manager runs and supervises the shards of one bot.
type Manager struct {
	Logger zerolog.Logger

	configuration *Configuration
	options       ManagerOptions

	handler EventHandler
	voice   *voiceTracker

	status         *atomic.Int32
	shardCount     *atomic.Int32
	maxConcurrency *atomic.Int32
	gatewayURL     *atomic.String
	startedAt      *atomic.Time

	initialShardID int32
	initial        chan error

	shards *csmap.CsMap[int32, *Shard]

	runMu  sync.Mutex
	cancel context.CancelFunc
	group  *errgroup.Group
	done   chan struct{}
}

// NewManager creates a manager. The configuration is expected to be validated.
func NewManager(options ManagerOptions) *Manager {
	configuration := options.Configuration
	if configuration == nil {
		configuration = &Configuration{}
		configuration.setDefaults()
	}

	if options.IdentifyProvider == nil {
		if configuration.Identify.URL != "" {
			options.IdentifyProvider = NewIdentifyViaURL(configuration.Identify.URL, configuration.Identify.Headers)
		} else {
			options.IdentifyProvider = NewIdentifyViaBuckets(configuration.Identify.Window)
		}
	}

	manager := &Manager{
		Logger: options.Logger.With().Str("identifier", configuration.Identifier).Logger(),

		configuration: configuration,
		options:       options,

		voice: newVoiceTracker(),

		status:         atomic.NewInt32(int32(ManagerStatusIdle)),
		shardCount:     &atomic.Int32{},
		maxConcurrency: atomic.NewInt32(1),
		gatewayURL:     &atomic.String{},
		startedAt:      &atomic.Time{},

		initial: make(chan error, 1),

		shards: csmap.Create(
			csmap.WithSize[int32, *Shard](64),
		),

		done: make(chan struct{}),
	}

	manager.handler = MultiHandler{manager.voice, managerEvents{manager}, options.Handler}

	return manager
}

// Status returns the lifecycle state of the manager.
func (m *Manager) Status() ManagerStatus {
	return ManagerStatus(m.status.Load())
}

func (m *Manager) setStatus(status ManagerStatus) {
	m.status.Store(int32(status))

	UpdateManagerStatus(m.configuration.Identifier, status)

	m.Logger.Debug().Str("status", status.String()).Msg("Manager status changed")
}

// ShardCount returns the total shard count sessions identify with.
func (m *Manager) ShardCount() int32 {
	return m.shardCount.Load()
}

// Start resolves the shard count and starts a supervisor per shard this
// process runs. A totalShards of 0 uses the configured count, falling back to
// the count recommended by discord.
//
// The first shard is connected alone so an invalid token fails Start. The
// rest are started once it is ready. Shards run until ctx is cancelled or
// Shutdown is called.
func (m *Manager) Start(ctx context.Context, totalShards int32) error {
	if !m.status.CompareAndSwap(int32(ManagerStatusIdle), int32(ManagerStatusStarting)) {
		return ErrManagerAlreadyStarted
	}

	UpdateManagerStatus(m.configuration.Identifier, ManagerStatusStarting)

	shardIDs, err := m.resolveShards(ctx, totalShards)
	if err != nil {
		m.setStatus(ManagerStatusFailed)

		return err
	}

	m.startedAt.Store(time.Now().UTC())

	m.Logger.Info().
		Int32("shardCount", m.shardCount.Load()).
		Int("shardIds", len(shardIDs)).
		Int32("maxConcurrency", m.maxConcurrency.Load()).
		Msg("Starting manager")

	runCtx, cancel := context.WithCancel(ctx)

	m.runMu.Lock()
	m.cancel = cancel
	m.group = &errgroup.Group{}
	m.runMu.Unlock()

	m.initialShardID = shardIDs[0]

	// Supervisors are only waited on once Start has added all of them.
	launched := make(chan struct{})
	defer close(launched)

	go func() {
		<-runCtx.Done()
		<-launched
		_ = m.group.Wait()
		close(m.done)
	}()

	m.group.Go(func() error {
		return m.supervise(runCtx, shardIDs[0])
	})

	select {
	case <-ctx.Done():
		cancel()
		m.setStatus(ManagerStatusStopped)

		return ctx.Err()
	case err = <-m.initial:
		if err != nil {
			cancel()
			m.setStatus(ManagerStatusFailed)

			return fmt.Errorf("failed to start initial shard: %w", err)
		}
	}

	for _, shardID := range shardIDs[1:] {
		shardID := shardID

		m.group.Go(func() error {
			return m.supervise(runCtx, shardID)
		})
	}

	m.setStatus(ManagerStatusRunning)

	return nil
}

// resolveShards works out the shard count and the shard ids to run.
func (m *Manager) resolveShards(ctx context.Context, totalShards int32) ([]int32, error) {
	var gateway *discord.GatewayBotResponse

	if m.options.REST != nil {
		var err error

		gateway, err = m.options.REST.GetGatewayBot(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get gateway: %w", err)
		}
	}

	shardCount := totalShards
	if shardCount <= 0 {
		shardCount = m.configuration.Sharding.ShardCount
	}

	if shardCount <= 0 && gateway != nil {
		shardCount = int32(gateway.Shards)
	}

	if shardCount <= 0 {
		shardCount = 1
	}

	m.shardCount.Store(shardCount)

	gatewayURL := m.configuration.GatewayURL
	if gatewayURL == "" && gateway != nil {
		gatewayURL = gateway.URL
	}

	if gatewayURL == "" {
		gatewayURL = DefaultGatewayURL
	}

	m.gatewayURL.Store(gatewayURL)

	if gateway != nil && gateway.SessionStartLimit.MaxConcurrency > 0 {
		m.maxConcurrency.Store(int32(gateway.SessionStartLimit.MaxConcurrency))
	}

	shardRange := m.configuration.Sharding.ShardIDs
	if shardRange == "" {
		shardRange = fmt.Sprintf("0-%d", shardCount-1)
	}

	shardIDs := returnRangeInt32(m.configuration.Sharding.ClusterCount, m.configuration.Sharding.ClusterID, shardRange, shardCount)
	if len(shardIDs) == 0 {
		return nil, ErrManagerMissingShards
	}

	if gateway != nil && gateway.SessionStartLimit.Total > 0 && int32(gateway.SessionStartLimit.Remaining) < int32(len(shardIDs)) {
		m.Logger.Error().
			Int32("remaining", int32(gateway.SessionStartLimit.Remaining)).
			Int("shards", len(shardIDs)).
			Dur("resetAfter", time.Duration(gateway.SessionStartLimit.ResetAfter)*time.Millisecond).
			Msg("Not enough session starts remaining")

		return nil, ErrSessionLimitExhausted
	}

	return shardIDs, nil
}

func (m *Manager) newShard(shardID int32) *Shard {
	configuration := m.configuration

	compression, _ := ParseCompressionMode(configuration.Compression)
	policy, _ := ParseUnknownCloseCodePolicy(configuration.Reconnect.UnknownCloseCodePolicy)

	return NewShard(m.Logger, shardID, m.shardCount.Load(), ShardOptions{
		Handler:  m.handler,
		Identify: m.options.IdentifyProvider,
		Sessions: m.options.Sessions,
		Dialer:   m.options.Dialer,
		Presence: configuration.Presence,
		Random:   m.options.Random,

		Identifier: configuration.Identifier,
		Token:      configuration.Token,
		GatewayURL: m.gatewayURL.Load(),

		Reconnect: ReconnectOptions{
			UnknownCloseCodePolicy: policy,
			BaseDelay:              configuration.Reconnect.BaseDelay,
			MaxDelay:               configuration.Reconnect.MaxDelay,
			StableAfter:            configuration.Reconnect.StableAfter,
			MaxAttempts:            configuration.Reconnect.MaxAttempts,
		},

		HeartbeatJitter: configuration.HeartbeatJitter(),
		Intents:         configuration.Intents,
		APIVersion:      configuration.APIVersion,
		Compression:     compression,
		LargeThreshold:  configuration.LargeThreshold,
		MaxConcurrency:  m.maxConcurrency.Load(),
	})
}

// supervise runs a shard and restarts it with a fresh identify whenever it
// stops for anything other than an authentication or configuration error.
func (m *Manager) supervise(ctx context.Context, shardID int32) error {
	backoff := NewBackoff(m.configuration.Reconnect.BaseDelay, m.configuration.Reconnect.MaxDelay)

	for {
		shard := m.newShard(shardID)
		m.shards.Store(shardID, shard)

		err := m.runShard(ctx, shard)
		if ctx.Err() != nil || err == nil {
			return nil
		}

		RecordShardFatal(m.configuration.Identifier)

		shard.Logger.Error().Err(err).Msg("Shard stopped")

		if m.options.OnShardFatal != nil {
			m.options.OnShardFatal(shardID, err)
		}

		if IsFatal(err) {
			if shardID == m.initialShardID {
				m.signalInitial(err)
			}

			return nil
		}

		if readyAt := shard.readyAt.Load(); !readyAt.IsZero() && time.Since(readyAt) >= m.configuration.Reconnect.StableAfter {
			backoff.Reset()
		}

		// The replacement must not resume the session that failed.
		shard.deleteSession()

		wait := backoff.Next()

		shard.Logger.Info().Dur("wait", wait).Msg("Restarting shard")

		if !sleepContext(ctx, wait) {
			return nil
		}
	}
}

func (m *Manager) runShard(ctx context.Context, shard *Shard) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrShardPanicked, r)
		}
	}()

	return shard.Open(ctx)
}

func (m *Manager) signalInitial(err error) {
	select {
	case m.initial <- err:
	default:
	}
}

// Shutdown stops every shard and waits for them to close their connections,
// or for ctx to be done.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.runMu.Lock()
	cancel := m.cancel
	m.runMu.Unlock()

	if cancel == nil {
		m.setStatus(ManagerStatusStopped)

		return nil
	}

	m.setStatus(ManagerStatusStopping)

	m.Logger.Info().Msg("Shutting down manager")

	cancel()

	select {
	case <-m.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	m.setStatus(ManagerStatusStopped)

	return nil
}

// Shard returns a running shard by id.
func (m *Manager) Shard(shardID int32) (*Shard, bool) {
	return m.shards.Load(shardID)
}

// ShardForGuild returns the shard that receives events for a guild.
func (m *Manager) ShardForGuild(guildID discord.Snowflake) (*Shard, bool) {
	return m.shards.Load(ShardIDForGuild(guildID, m.shardCount.Load()))
}

// Snapshot returns the state of every shard ordered by id.
func (m *Manager) Snapshot() []ShardSnapshot {
	snapshots := make([]ShardSnapshot, 0, m.shards.Count())

	m.shards.Range(func(_ int32, shard *Shard) bool {
		snapshots = append(snapshots, shard.Snapshot())

		return false
	})

	slices.SortFunc(snapshots, func(a, b ShardSnapshot) int {
		return int(a.ShardID - b.ShardID)
	})

	return snapshots
}

// ManagerSnapshot is a read only view of a manager.
type ManagerSnapshot struct {
	StartedAt      time.Time       `json:"started_at"`
	Identifier     string          `json:"identifier"`
	Status         ManagerStatus   `json:"status"`
	Shards         []ShardSnapshot `json:"shards"`
	ShardCount     int32           `json:"shard_count"`
	MaxConcurrency int32           `json:"max_concurrency"`
}

// StatusSnapshot returns the state of the manager and its shards.
func (m *Manager) StatusSnapshot() ManagerSnapshot {
	return ManagerSnapshot{
		StartedAt:      m.startedAt.Load(),
		Identifier:     m.configuration.Identifier,
		Status:         m.Status(),
		Shards:         m.Snapshot(),
		ShardCount:     m.shardCount.Load(),
		MaxConcurrency: m.maxConcurrency.Load(),
	}
}

// managerEvents lets the manager observe its own shards.
type managerEvents struct {
	manager *Manager
}

func (managerEvents) OnDispatch(context.Context, *DispatchEvent) error {
	return nil
}

func (e managerEvents) OnShardStateChanged(shardID int32, _, newStatus ShardStatus) {
	if newStatus == ShardStatusReady && shardID == e.manager.initialShardID {
		e.manager.signalInitial(nil)
	}
}
