package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ferienwerk/channelmanager/internal/adapter"
	"github.com/ferienwerk/channelmanager/internal/metrics"
	"github.com/ferienwerk/channelmanager/internal/model"
	"github.com/ferienwerk/channelmanager/internal/task"
)

// reconcileWindow is how far ahead the nightly reconciliation looks.
const reconcileWindow = 90

// ─── Reconciliation ─────────────────────────────────────────

// Reconcile compares local and remote availability for every active
// connection and queues outbound corrections for drifted dates. Local
// state wins: a channel that disagrees gets overwritten, never trusted.
func (s *SyncService) Reconcile(ctx context.Context) error {
	conns, err := s.connections.ListActive(ctx, "")
	if err != nil {
		return err
	}
	for _, conn := range conns {
		if !conn.PushEligible() || !conn.SyncAvailability {
			continue
		}
		if err := s.reconcileConnection(ctx, conn); err != nil {
			s.logger.Error("reconciliation failed",
				zap.String("connection_id", conn.ID.String()),
				zap.String("channel", string(conn.ChannelType)),
				zap.Error(err),
			)
		}
	}
	return nil
}

func (s *SyncService) reconcileConnection(ctx context.Context, conn *model.ChannelConnection) error {
	channel := string(conn.ChannelType)
	from := dateOnly(s.now())
	to := from.AddDate(0, 0, reconcileWindow)

	logID, err := s.syncLogs.Start(ctx, conn.ID, model.SyncReconciliation, "outbound")
	if err != nil {
		return err
	}

	var remote map[string]bool
	callErr := s.guardedCall(ctx, conn, 1, func(client adapter.Adapter) error {
		fetched, fetchErr := client.GetAvailability(ctx, conn.RemotePropertyID, from, to)
		if fetchErr != nil {
			return fetchErr
		}
		remote = fetched
		return nil
	})
	switch {
	case callErr == nil:
		// compare below

	case circuitOpen(callErr):
		s.finishSync(ctx, logID, model.SyncSkipped, 0, 0, "circuit breaker open")
		metrics.SyncOperations.WithLabelValues(channel, string(model.SyncReconciliation), "circuit_breaker_open").Inc()
		return callErr

	case rateLimited(callErr):
		s.finishSync(ctx, logID, model.SyncSkipped, 0, 0, "rate limited")
		metrics.SyncOperations.WithLabelValues(channel, string(model.SyncReconciliation), "rate_limited").Inc()
		return callErr

	default:
		s.finishSync(ctx, logID, model.SyncFailed, 0, 0, callErr.Error())
		metrics.SyncOperations.WithLabelValues(channel, string(model.SyncReconciliation), "failure").Inc()
		if _, err := s.connections.RecordSyncFailure(ctx, conn.ID, callErr.Error(), syncPauseThreshold); err != nil {
			s.logger.Warn("record sync failure failed", zap.Error(err))
		}
		return callErr
	}

	// An empty map means the channel gave no information (Google has no
	// availability read), not that every date is unavailable.
	if len(remote) == 0 {
		s.finishSync(ctx, logID, model.SyncSkipped, 0, 0, "channel returned no availability data")
		metrics.SyncOperations.WithLabelValues(channel, string(model.SyncReconciliation), "skipped").Inc()
		return nil
	}

	days, err := s.calendar.GetRange(ctx, conn.PropertyID, from, to)
	if err != nil {
		s.finishSync(ctx, logID, model.SyncFailed, 0, 0, err.Error())
		return err
	}
	local := make(map[string]bool, len(days))
	for _, day := range days {
		local[day.Date.Format("2006-01-02")] = day.Available
	}

	var drifted []time.Time
	for d := from; d.Before(to); d = d.AddDate(0, 0, 1) {
		key := d.Format("2006-01-02")
		remoteAvail, reported := remote[key]
		if !reported {
			continue
		}
		localAvail, ok := local[key]
		if !ok {
			localAvail = true
		}
		if remoteAvail != localAvail {
			drifted = append(drifted, d)
			s.logger.Warn("availability drift",
				zap.String("channel", channel),
				zap.String("connection_id", conn.ID.String()),
				zap.String("date", key),
				zap.Bool("local", localAvail),
				zap.Bool("remote", remoteAvail),
			)
		}
	}

	for _, block := range dateBlocks(drifted) {
		_, err := s.queue.Enqueue(ctx, task.TypeAvailabilityPush, PushTaskPayload{
			ConnectionID: conn.ID,
			PropertyID:   conn.PropertyID,
			From:         block.from.Format("2006-01-02"),
			To:           block.to.Format("2006-01-02"),
		})
		if err != nil {
			s.finishSync(ctx, logID, model.SyncFailed, 0, len(drifted), err.Error())
			return err
		}
	}

	s.finishSync(ctx, logID, model.SyncSuccess, len(drifted), 0, "")
	metrics.SyncOperations.WithLabelValues(channel, string(model.SyncReconciliation), "success").Inc()
	if err := s.connections.RecordSyncSuccess(ctx, conn.ID); err != nil {
		s.logger.Warn("record sync success failed", zap.Error(err))
	}
	if len(drifted) > 0 {
		s.logger.Info("reconciliation queued corrections",
			zap.String("channel", channel),
			zap.String("connection_id", conn.ID.String()),
			zap.Int("drifted_dates", len(drifted)),
		)
	}
	return nil
}

// dateBlock is a half-open [from, to) range of consecutive dates.
type dateBlock struct {
	from, to time.Time
}

// dateBlocks groups sorted dates into contiguous half-open ranges.
func dateBlocks(dates []time.Time) []dateBlock {
	var blocks []dateBlock
	for _, d := range dates {
		next := d.AddDate(0, 0, 1)
		if n := len(blocks); n > 0 && blocks[n-1].to.Equal(d) {
			blocks[n-1].to = next
			continue
		}
		blocks = append(blocks, dateBlock{from: d, to: next})
	}
	return blocks
}
