package breaker

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ferienwerk/channelmanager/internal/model"
)

// Options carries the error hooks shared by all breakers. Exclude reports
// errors that must not trip the circuit; ErrorType labels failures for
// metrics.
type Options struct {
	Exclude   func(error) bool
	ErrorType func(error) string
}

// Manager hands out one Breaker per channel, all sharing the same Redis
// client and error hooks.
type Manager struct {
	client   *redis.Client
	configs  map[model.ChannelType]Config
	opts     Options
	logger   *zap.Logger
	mu       sync.Mutex
	breakers map[model.ChannelType]*Breaker
}

// NewManager creates a Manager. Overrides replace built-in per-channel
// thresholds; zero fields keep the built-in value.
func NewManager(client *redis.Client, overrides map[model.ChannelType]Config, opts Options, logger *zap.Logger) *Manager {
	configs := make(map[model.ChannelType]Config, len(defaultConfigs))
	for ch, def := range defaultConfigs {
		if ov, ok := overrides[ch]; ok {
			if ov.FailureThreshold > 0 {
				def.FailureThreshold = ov.FailureThreshold
			}
			if ov.SuccessThreshold > 0 {
				def.SuccessThreshold = ov.SuccessThreshold
			}
			if ov.Timeout > 0 {
				def.Timeout = ov.Timeout
			}
			if ov.HalfOpenMaxCalls > 0 {
				def.HalfOpenMaxCalls = ov.HalfOpenMaxCalls
			}
			if ov.Window > 0 {
				def.Window = ov.Window
			}
		}
		configs[ch] = def
	}

	return &Manager{
		client:   client,
		configs:  configs,
		opts:     opts,
		logger:   logger,
		breakers: make(map[model.ChannelType]*Breaker),
	}
}

// Breaker returns the circuit for one channel, creating it on first use.
func (m *Manager) Breaker(channel model.ChannelType) *Breaker {
	m.mu.Lock()
	defer m.mu.Unlock()

	if b, ok := m.breakers[channel]; ok {
		return b
	}

	cfg, ok := m.configs[channel]
	if !ok {
		cfg = DefaultConfig
	}

	b := &Breaker{
		client:  m.client,
		channel: channel,
		cfg:     cfg,
		exclude: m.opts.Exclude,
		errType: m.opts.ErrorType,
		logger:  m.logger,
		now:     time.Now,
	}
	m.breakers[channel] = b
	return b
}

// AllStatus snapshots every channel's circuit.
func (m *Manager) AllStatus(ctx context.Context) (map[string]Status, error) {
	out := make(map[string]Status, len(m.configs))
	for ch := range m.configs {
		st, err := m.Breaker(ch).Status(ctx)
		if err != nil {
			return nil, err
		}
		out[string(ch)] = st
	}
	return out, nil
}

// ResetAll force-closes and clears every circuit.
func (m *Manager) ResetAll(ctx context.Context) error {
	for ch := range m.configs {
		if err := m.Breaker(ch).Reset(ctx); err != nil {
			return err
		}
	}
	return nil
}
