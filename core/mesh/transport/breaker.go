package transport

import (
	"errors"
	"sync"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/hivecompute/hive/core/mesh/common"
)

// breakers keeps one circuit breaker per remote address. Only connection-level failures
// count against a breaker; remote application errors do not.
type breakers struct {
	mu       sync.Mutex
	byAddr   map[string]*gobreaker.CircuitBreaker
	settings gobreaker.Settings
	logger   *zap.Logger
}

func newBreakers(cfg Config, logger *zap.Logger) *breakers {
	b := &breakers{
		byAddr: make(map[string]*gobreaker.CircuitBreaker),
		logger: logger,
	}
	b.settings = gobreaker.Settings{
		MaxRequests: 1,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || IsRemote(err) || !common.IsCode(err, common.ErrCodeConnection)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Info("circuit breaker state changed",
				zap.String("address", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	}
	return b
}

func (b *breakers) get(addr string) *gobreaker.CircuitBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	cb, ok := b.byAddr[addr]
	if !ok {
		st := b.settings
		st.Name = addr
		cb = gobreaker.NewCircuitBreaker(st)
		b.byAddr[addr] = cb
	}
	return cb
}

// run executes fn under the address's breaker.
func (b *breakers) run(addr string, fn func() error) error {
	_, err := b.get(addr).Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return common.ErrConnection(addr, err)
	}
	return err
}

// State reports the breaker state for addr.
func (b *breakers) state(addr string) gobreaker.State {
	return b.get(addr).State()
}
