package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
)

// Weights restored when a cutover fails.
const (
	restoredNewServiceWeight = 0
	restoredOldServiceWeight = 100
)

// BlueGreenCompensator undoes a failed cutover: traffic goes back to the old
// service first, then the old service is upsized if it had been downsized.
type BlueGreenCompensator struct {
	router TrafficRouter
	scaler ServiceScaler
	logger zerolog.Logger
}

// NewBlueGreenCompensator creates a compensator.
func NewBlueGreenCompensator(router TrafficRouter, scaler ServiceScaler, logger zerolog.Logger) *BlueGreenCompensator {
	return &BlueGreenCompensator{
		router: router,
		scaler: scaler,
		logger: logger.With().Str("component", "bluegreen-compensator").Logger(),
	}
}

// Compensate restores routing and capacity for spec. Every step is attempted
// and the failures are joined.
func (c *BlueGreenCompensator) Compensate(ctx context.Context, spec BlueGreenSpec) error {
	var errs []error
	log := c.logger.With().
		Str("cluster", spec.Cluster).
		Str("old_service", spec.OldService).
		Str("new_service", spec.NewService).
		Logger()

	if c.router == nil {
		errs = append(errs, errors.New("no traffic router configured"))
	} else {
		if err := c.router.UpdateRecord(ctx, spec, restoredNewServiceWeight, restoredOldServiceWeight); err != nil {
			errs = append(errs, fmt.Errorf("failed to restore weights: %w", err))
		} else {
			log.Info().
				Int("new_service_weight", restoredNewServiceWeight).
				Int("old_service_weight", restoredOldServiceWeight).
				Msg("Restored traffic to old service")
		}
	}

	if spec.DownsizeOldService {
		if c.scaler == nil {
			errs = append(errs, errors.New("no service scaler configured"))
		} else {
			if err := c.scaler.Scale(ctx, spec.Cluster, spec.OldService, spec.OldServiceDesired); err != nil {
				errs = append(errs, fmt.Errorf("failed to upsize %s: %w", spec.OldService, err))
			} else {
				log.Info().Int("desired", spec.OldServiceDesired).Msg("Upsized old service")
			}
			if spec.OldServiceAutoscaler != nil {
				if err := c.scaler.RestoreAutoscaling(ctx, spec.Cluster, spec.OldService, *spec.OldServiceAutoscaler); err != nil {
					errs = append(errs, fmt.Errorf("failed to restore autoscaling for %s: %w", spec.OldService, err))
				}
			}
		}
	}

	return errors.Join(errs...)
}
