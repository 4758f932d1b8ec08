// Package fairorder obtains per-epoch random seeds and derives the execution
// order of a batch from them.
package fairorder

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"go.uber.org/zap"

	"github.com/fairbatch/settler/pkg/ledger"
	"github.com/fairbatch/settler/pkg/metrics"
)

// ErrSeedUnavailable is returned when no seed arrived within the maximum wait.
// The epoch is not requested again; the next cycle only polls.
var ErrSeedUnavailable = errors.New("epoch seed unavailable")

// State is the lifecycle of an epoch seed as seen by this process.
type State int

const (
	NoSeed State = iota
	RequestPending
	SeedAvailable
)

func (s State) String() string {
	switch s {
	case NoSeed:
		return "no_seed"
	case RequestPending:
		return "request_pending"
	case SeedAvailable:
		return "seed_available"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Config tunes seed acquisition.
type Config struct {
	PollInterval     time.Duration
	MaxWait          time.Duration
	CallbackGasLimit uint32
}

// Service tracks requested and delivered seeds.
type Service struct {
	oracle  ledger.SeedOracle
	cfg     Config
	logger  *zap.Logger
	metrics *metrics.Metrics

	requested *xsync.Map[uint64, time.Time]
	seeds     *xsync.Map[uint64, [32]byte]
}

// NewService creates a Service.
func NewService(oracle ledger.SeedOracle, cfg Config, logger *zap.Logger, m *metrics.Metrics) *Service {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 3 * time.Second
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = 2 * time.Minute
	}
	if cfg.CallbackGasLimit == 0 {
		cfg.CallbackGasLimit = 200_000
	}
	return &Service{
		oracle:    oracle,
		cfg:       cfg,
		logger:    logger.Named("fairorder"),
		metrics:   m,
		requested: xsync.NewMap[uint64, time.Time](),
		seeds:     xsync.NewMap[uint64, [32]byte](),
	}
}

// State reports what this process knows about the seed of epoch.
func (s *Service) State(epoch uint64) State {
	if _, ok := s.seeds.Load(epoch); ok {
		return SeedAvailable
	}
	if _, ok := s.requested.Load(epoch); ok {
		return RequestPending
	}
	return NoSeed
}

// EnsureSeed returns the non-zero seed of epoch, requesting it from the oracle
// at most once per process and polling until it is delivered or MaxWait
// elapses.
func (s *Service) EnsureSeed(ctx context.Context, epoch uint64) ([32]byte, error) {
	if seed, ok := s.seeds.Load(epoch); ok {
		return seed, nil
	}

	seed, err := s.oracle.ReadSeed(ctx, epoch)
	if err != nil {
		return [32]byte{}, fmt.Errorf("read seed for epoch %d: %w", epoch, err)
	}
	if seed != ([32]byte{}) {
		s.seeds.Store(epoch, seed)
		return seed, nil
	}

	if _, loaded := s.requested.LoadOrStore(epoch, time.Now()); !loaded {
		if err := s.request(ctx, epoch); err != nil {
			return [32]byte{}, err
		}
	}

	return s.await(ctx, epoch)
}

func (s *Service) request(ctx context.Context, epoch uint64) error {
	tx, err := s.oracle.RequestSeed(ctx, epoch, s.cfg.CallbackGasLimit)
	switch {
	case errors.Is(err, ledger.ErrSeedAlreadyExists):
		s.metrics.SeedRequested("exists")
		s.logger.Debug("Seed already requested on the oracle", zap.Uint64("epoch", epoch))
		return nil
	case err != nil:
		// the request never reached the oracle; allow a later cycle to try again
		s.requested.Delete(epoch)
		s.metrics.SeedRequested("error")
		return fmt.Errorf("request seed for epoch %d: %w", epoch, err)
	}
	s.metrics.SeedRequested("sent")
	s.logger.Info("Requested epoch seed", zap.Uint64("epoch", epoch), zap.String("tx", tx.Hex()))
	return nil
}

func (s *Service) await(ctx context.Context, epoch uint64) ([32]byte, error) {
	start := time.Now()
	defer func() { s.metrics.SeedWaited(time.Since(start)) }()

	deadline := time.NewTimer(s.cfg.MaxWait)
	defer deadline.Stop()
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return [32]byte{}, ctx.Err()
		case <-deadline.C:
			s.logger.Warn("Seed not delivered in time",
				zap.Uint64("epoch", epoch),
				zap.Duration("waited", time.Since(start)))
			return [32]byte{}, fmt.Errorf("%w: epoch %d after %s", ErrSeedUnavailable, epoch, s.cfg.MaxWait)
		case <-ticker.C:
			seed, err := s.oracle.ReadSeed(ctx, epoch)
			if err != nil {
				s.logger.Debug("Seed poll failed", zap.Uint64("epoch", epoch), zap.Error(err))
				continue
			}
			if seed != ([32]byte{}) {
				s.seeds.Store(epoch, seed)
				return seed, nil
			}
		}
	}
}
