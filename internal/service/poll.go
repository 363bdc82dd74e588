package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ferienwerk/channelmanager/internal/adapter"
	"github.com/ferienwerk/channelmanager/internal/metrics"
	"github.com/ferienwerk/channelmanager/internal/model"
	"github.com/ferienwerk/channelmanager/internal/repository"
	"github.com/ferienwerk/channelmanager/internal/task"
)

// ─── Polling ────────────────────────────────────────────────

// pollFreshness suppresses polls for connections that synced this
// recently. Pushes also stamp last_sync_at, so a busy connection skips
// at most one round.
const pollFreshness = 5 * time.Minute

// PollAllConnections enqueues one poll task per active connection. Runs
// from the worker's cron; the real work happens in HandlePollChannel so
// one slow channel cannot stall the sweep.
func (s *SyncService) PollAllConnections(ctx context.Context) error {
	conns, err := s.connections.ListActive(ctx, "")
	if err != nil {
		return err
	}
	cutoff := s.now().Add(-pollFreshness)
	enqueued := 0
	for _, conn := range conns {
		if !conn.PullEligible() || !conn.SyncBookings {
			continue
		}
		if conn.LastSyncAt != nil && conn.LastSyncAt.After(cutoff) {
			continue
		}
		_, err := s.queue.Enqueue(ctx, task.TypePollChannel,
			PollTaskPayload{ConnectionID: conn.ID},
			task.WithMaxAttempts(task.ImportMaxAttempts),
		)
		if err != nil {
			return fmt.Errorf("enqueue poll for %s: %w", conn.ID, err)
		}
		enqueued++
	}
	s.logger.Info("poll sweep enqueued", zap.Int("connections", enqueued))
	return nil
}

// HandlePollChannel pulls bookings modified since the connection's last
// successful sync and enqueues an import per unseen booking. Webhooks are
// the fast path; the poll catches whatever they dropped.
func (s *SyncService) HandlePollChannel(ctx context.Context, t *task.Task) error {
	var p PollTaskPayload
	if err := t.Decode(&p); err != nil {
		s.logger.Error("poll.channel: bad payload", zap.Error(err))
		return nil
	}

	conn, err := s.connections.GetByID(ctx, p.ConnectionID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			s.logger.Warn("poll.channel: connection gone", zap.String("connection_id", p.ConnectionID.String()))
			return nil
		}
		return err
	}
	channel := string(conn.ChannelType)
	if !conn.PullEligible() || !conn.SyncBookings {
		metrics.SyncOperations.WithLabelValues(channel, string(model.SyncPoll), "skipped").Inc()
		return nil
	}

	since := s.now().Add(-pollLookback)
	if conn.LastSyncAt != nil {
		since = *conn.LastSyncAt
	}

	logID, err := s.syncLogs.Start(ctx, conn.ID, model.SyncPoll, "inbound")
	if err != nil {
		return err
	}

	var bookings []adapter.PlatformBooking
	pollErr := s.guardedCall(ctx, conn, 1, func(client adapter.Adapter) error {
		fetched, fetchErr := client.GetBookings(ctx, conn.RemotePropertyID, since, "")
		if fetchErr != nil {
			return fetchErr
		}
		bookings = fetched
		return nil
	})
	switch {
	case pollErr == nil:
		// fall through to the import fan-in below

	case circuitOpen(pollErr):
		s.finishSync(ctx, logID, model.SyncSkipped, 0, 0, "circuit breaker open")
		metrics.SyncOperations.WithLabelValues(channel, string(model.SyncPoll), "circuit_breaker_open").Inc()
		return pollErr

	case rateLimited(pollErr):
		s.finishSync(ctx, logID, model.SyncSkipped, 0, 0, "rate limited")
		metrics.SyncOperations.WithLabelValues(channel, string(model.SyncPoll), "rate_limited").Inc()
		return pollErr

	default:
		s.finishSync(ctx, logID, model.SyncFailed, 0, 0, pollErr.Error())
		metrics.SyncOperations.WithLabelValues(channel, string(model.SyncPoll), "failure").Inc()
		if _, err := s.connections.RecordSyncFailure(ctx, conn.ID, pollErr.Error(), syncPauseThreshold); err != nil {
			s.logger.Warn("record sync failure failed", zap.Error(err))
		}
		return pollErr
	}

	enqueued := 0
	for i := range bookings {
		pb := bookings[i]
		key := IdempotencyKey(channel, pb.ChannelBookingID, pb.UpdatedAt)
		seen, err := s.redis.Exists(ctx, importMarker(key)).Result()
		if err != nil {
			return fmt.Errorf("poll: check marker: %w", err)
		}
		if seen > 0 {
			continue
		}
		_, err = s.queue.Enqueue(ctx, task.TypeBookingImport, ImportTaskPayload{
			ConnectionID: conn.ID,
			Channel:      conn.ChannelType,
			BookingID:    pb.ChannelBookingID,
			Booking:      &pb,
			ImportKey:    key,
		}, task.WithMaxAttempts(task.ImportMaxAttempts))
		if err != nil {
			return fmt.Errorf("poll: enqueue import for %s: %w", pb.ChannelBookingID, err)
		}
		enqueued++
	}

	s.finishSync(ctx, logID, model.SyncSuccess, enqueued, 0, "")
	metrics.SyncOperations.WithLabelValues(channel, string(model.SyncPoll), "success").Inc()
	if err := s.connections.RecordSyncSuccess(ctx, conn.ID); err != nil {
		s.logger.Warn("record sync success failed", zap.Error(err))
	}

	s.logger.Info("channel polled",
		zap.String("channel", channel),
		zap.String("connection_id", conn.ID.String()),
		zap.Time("since", since),
		zap.Int("fetched", len(bookings)),
		zap.Int("imports_enqueued", enqueued),
	)
	return nil
}
