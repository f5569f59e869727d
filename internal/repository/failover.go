package repository

import (
	"context"
	"sync/atomic"
	"time"

	"villaops/internal/domain"
	"villaops/internal/models"

	"github.com/rs/zerolog"
)

const recoveryInterval = time.Minute

// FailoverSnapshotRepository serves from the primary store and switches to
// the fallback after a primary error. The primary is retried once per
// recoveryInterval.
type FailoverSnapshotRepository struct {
	primary   domain.SnapshotRepository
	fallback  domain.SnapshotRepository
	logger    *zerolog.Logger
	isDown    atomic.Bool
	lastCheck atomic.Int64
	now       func() time.Time
}

func NewFailoverSnapshotRepository(primary, fallback domain.SnapshotRepository, logger *zerolog.Logger) *FailoverSnapshotRepository {
	return &FailoverSnapshotRepository{
		primary:  primary,
		fallback: fallback,
		logger:   logger,
		now:      time.Now,
	}
}

// usePrimary reports whether the next call should go to the primary store.
func (r *FailoverSnapshotRepository) usePrimary() bool {
	if !r.isDown.Load() {
		return true
	}
	return r.now().Sub(time.Unix(0, r.lastCheck.Load())) > recoveryInterval
}

func (r *FailoverSnapshotRepository) markDown(err error) {
	if !r.isDown.Swap(true) {
		r.logger.Error().Err(err).Msg("Primary snapshot repository failed, falling back to memory")
	}
	r.lastCheck.Store(r.now().UnixNano())
}

func (r *FailoverSnapshotRepository) markUp() {
	if r.isDown.Swap(false) {
		r.logger.Info().Msg("Primary snapshot repository recovered")
	}
}

// do runs op against the primary when healthy and against the fallback
// otherwise.
func (r *FailoverSnapshotRepository) do(op func(domain.SnapshotRepository) error) error {
	if r.usePrimary() {
		err := op(r.primary)
		if err == nil {
			r.markUp()
			return nil
		}
		r.markDown(err)
	}
	return op(r.fallback)
}

func (r *FailoverSnapshotRepository) GetSnapshot(ctx context.Context, jobID string) (*models.ProgressSnapshot, error) {
	var snapshot *models.ProgressSnapshot
	err := r.do(func(repo domain.SnapshotRepository) error {
		var err error
		snapshot, err = repo.GetSnapshot(ctx, jobID)
		return err
	})
	return snapshot, err
}

func (r *FailoverSnapshotRepository) SetSnapshot(ctx context.Context, snapshot *models.ProgressSnapshot) error {
	return r.do(func(repo domain.SnapshotRepository) error {
		return repo.SetSnapshot(ctx, snapshot)
	})
}

func (r *FailoverSnapshotRepository) DeleteSnapshot(ctx context.Context, jobID string) error {
	return r.do(func(repo domain.SnapshotRepository) error {
		return repo.DeleteSnapshot(ctx, jobID)
	})
}

func (r *FailoverSnapshotRepository) GetTelemetry(ctx context.Context, staffID string) (*models.TelemetryPing, error) {
	var ping *models.TelemetryPing
	err := r.do(func(repo domain.SnapshotRepository) error {
		var err error
		ping, err = repo.GetTelemetry(ctx, staffID)
		return err
	})
	return ping, err
}

func (r *FailoverSnapshotRepository) SetTelemetry(ctx context.Context, ping *models.TelemetryPing) error {
	return r.do(func(repo domain.SnapshotRepository) error {
		return repo.SetTelemetry(ctx, ping)
	})
}
