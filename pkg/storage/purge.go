// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/LeeDigitalWorks/zapload/pkg/logger"
	"github.com/LeeDigitalWorks/zapload/pkg/types"
	"github.com/LeeDigitalWorks/zapload/pkg/utils"
)

// PurgeExpired deletes every in-progress session past its expiration time
// and returns how many were removed.
func (svc *Service) PurgeExpired(ctx context.Context) (int, error) {
	purgeRuns.Inc()
	sessions, err := svc.meta.List(ctx, "")
	if err != nil {
		return 0, err
	}

	now := svc.now()
	var wg sync.WaitGroup
	sem := make(chan struct{}, svc.purgeConcurrency)
	var deleted atomic.Int64

	for _, s := range sessions {
		if !s.Expired(now) || s.Status == types.StatusCompleted {
			continue
		}
		if ctx.Err() != nil {
			break
		}
		sem <- struct{}{}
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			defer func() { <-sem }()

			if _, err := svc.Delete(ctx, id); err != nil {
				logger.Ctx(ctx).Warn().Err(err).Str("id", id).Msg("purge expired upload")
				return
			}
			sessionsTotal.WithLabelValues("expired").Inc()
			deleted.Add(1)
		}(s.ID)
	}
	wg.Wait()

	n := int(deleted.Load())
	if n > 0 {
		logger.Ctx(ctx).Info().Int("deleted", n).Msg("expired uploads purged")
	}
	return n, ctx.Err()
}

// Run purges expired sessions every Expiration.PurgeInterval until ctx is
// done. It returns immediately when the interval is zero.
func (svc *Service) Run(ctx context.Context) {
	if svc.expiration.PurgeInterval <= 0 {
		return
	}
	ticks, stop := utils.JitteredTicker(svc.expiration.PurgeInterval, 0.1)
	defer stop()

	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-ticks:
			if !ok {
				return
			}
			if _, err := svc.PurgeExpired(ctx); err != nil && ctx.Err() == nil {
				logger.Ctx(ctx).Error().Err(err).Msg("purge expired uploads")
			}
		}
	}
}
