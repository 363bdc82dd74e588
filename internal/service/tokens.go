package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ferienwerk/channelmanager/internal/adapter"
	"github.com/ferienwerk/channelmanager/internal/metrics"
	"github.com/ferienwerk/channelmanager/internal/model"
)

const (
	// tokenRefreshWindow renews tokens this far before expiry, so a few
	// failed hourly rounds still leave time to recover.
	tokenRefreshWindow = 7 * 24 * time.Hour

	// tokenFailureLimit parks a connection in 'expired' after this many
	// consecutive failures; the operator has to reconnect it.
	tokenFailureLimit = 3
)

// ─── Token Refresh ──────────────────────────────────────────

// RefreshTokens renews OAuth access tokens that expire within the next
// week. One broken channel must not block the rest, so per-connection
// failures are logged and the loop continues.
func (s *SyncService) RefreshTokens(ctx context.Context) error {
	conns, err := s.connections.ListExpiringTokens(ctx, tokenRefreshWindow)
	if err != nil {
		return err
	}
	for _, conn := range conns {
		if err := s.refreshConnection(ctx, conn); err != nil {
			s.logger.Error("token refresh failed",
				zap.String("connection_id", conn.ID.String()),
				zap.String("channel", string(conn.ChannelType)),
				zap.Error(err),
			)
		}
	}
	return nil
}

func (s *SyncService) refreshConnection(ctx context.Context, conn *model.ChannelConnection) error {
	channel := string(conn.ChannelType)
	endpoint, ok := s.oauth[conn.ChannelType]
	if !ok || endpoint.TokenURL == "" {
		s.logger.Debug("no token endpoint configured, skipping refresh",
			zap.String("channel", channel),
		)
		return nil
	}

	logID, err := s.syncLogs.Start(ctx, conn.ID, model.SyncTokenRefresh, "outbound")
	if err != nil {
		return err
	}

	resp, err := adapter.RefreshAccessToken(ctx, conn.ChannelType, endpoint, conn.RefreshToken)
	if err != nil {
		s.finishSync(ctx, logID, model.SyncFailed, 0, 1, err.Error())
		metrics.SyncOperations.WithLabelValues(channel, string(model.SyncTokenRefresh), "failure").Inc()

		failures, recErr := s.connections.RecordSyncFailure(ctx, conn.ID, err.Error(), syncPauseThreshold)
		if recErr != nil {
			s.logger.Warn("record sync failure failed", zap.Error(recErr))
			return err
		}
		if failures >= tokenFailureLimit {
			if expErr := s.connections.MarkTokenExpired(ctx, conn.ID); expErr != nil {
				s.logger.Warn("mark token expired failed", zap.Error(expErr))
			} else {
				s.logger.Warn("connection parked: token can no longer be refreshed",
					zap.String("connection_id", conn.ID.String()),
					zap.String("channel", channel),
					zap.Int("failures", failures),
				)
			}
		}
		return err
	}

	// Providers that rotate refresh tokens return a new one; the rest
	// expect us to keep using the old.
	refreshToken := resp.RefreshToken
	if refreshToken == "" {
		refreshToken = conn.RefreshToken
	}
	var expiresAt *time.Time
	if resp.ExpiresIn > 0 {
		t := s.now().Add(time.Duration(resp.ExpiresIn) * time.Second)
		expiresAt = &t
	}
	if err := s.connections.UpdateTokens(ctx, conn.ID, resp.AccessToken, refreshToken, expiresAt); err != nil {
		s.finishSync(ctx, logID, model.SyncFailed, 0, 1, err.Error())
		return err
	}

	s.finishSync(ctx, logID, model.SyncSuccess, 1, 0, "")
	metrics.SyncOperations.WithLabelValues(channel, string(model.SyncTokenRefresh), "success").Inc()
	if err := s.connections.RecordSyncSuccess(ctx, conn.ID); err != nil {
		s.logger.Warn("record sync success failed", zap.Error(err))
	}

	s.logger.Info("access token refreshed",
		zap.String("connection_id", conn.ID.String()),
		zap.String("channel", channel),
	)
	return nil
}
