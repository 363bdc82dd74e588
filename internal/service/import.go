package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/ferienwerk/channelmanager/internal/adapter"
	"github.com/ferienwerk/channelmanager/internal/metrics"
	"github.com/ferienwerk/channelmanager/internal/model"
	"github.com/ferienwerk/channelmanager/internal/repository"
	"github.com/ferienwerk/channelmanager/internal/task"
)

// ─── Inbound Imports ────────────────────────────────────────

// HandleBookingImport materializes one channel reservation as a local
// booking. The task payload usually carries the parsed booking; when it
// does not (cold retries, oversized payloads), the handler re-fetches it
// from the channel.
func (s *SyncService) HandleBookingImport(ctx context.Context, t *task.Task) error {
	var p ImportTaskPayload
	if err := t.Decode(&p); err != nil {
		s.logger.Error("booking.import: bad payload", zap.Error(err))
		return nil
	}

	if p.ImportKey != "" {
		seen, err := s.redis.Exists(ctx, importMarker(p.ImportKey)).Result()
		if err != nil {
			return fmt.Errorf("import: check marker: %w", err)
		}
		if seen > 0 {
			s.logger.Debug("booking.import: already imported",
				zap.String("channel", string(p.Channel)),
				zap.String("channel_booking_id", p.BookingID),
			)
			return nil
		}
	}

	conn, err := s.connections.GetByID(ctx, p.ConnectionID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			s.logger.Warn("booking.import: connection gone", zap.String("connection_id", p.ConnectionID.String()))
			return nil
		}
		return err
	}
	if !conn.SyncBookings {
		s.logger.Info("booking.import: booking sync disabled, skipping",
			zap.String("connection_id", conn.ID.String()),
		)
		metrics.SyncOperations.WithLabelValues(string(conn.ChannelType), string(model.SyncBookingImport), "skipped").Inc()
		return nil
	}

	pb := p.Booking
	if pb == nil {
		err := s.guardedCall(ctx, conn, 1, func(client adapter.Adapter) error {
			fetched, fetchErr := client.GetBooking(ctx, conn.RemotePropertyID, p.BookingID)
			if fetchErr != nil {
				return fetchErr
			}
			pb = fetched
			return nil
		})
		if err != nil {
			return fmt.Errorf("import: fetch booking %s: %w", p.BookingID, err)
		}
	}

	logID, err := s.syncLogs.Start(ctx, conn.ID, model.SyncBookingImport, "inbound")
	if err != nil {
		return err
	}

	booking, created, err := s.importBooking(ctx, conn, pb)
	if err != nil {
		s.finishSync(ctx, logID, model.SyncFailed, 0, 1, err.Error())
		metrics.SyncOperations.WithLabelValues(string(conn.ChannelType), string(model.SyncBookingImport), "failure").Inc()
		return err
	}
	s.finishSync(ctx, logID, model.SyncSuccess, 1, 0, "")
	metrics.SyncOperations.WithLabelValues(string(conn.ChannelType), string(model.SyncBookingImport), "success").Inc()

	if created && booking.Status == model.BookingConfirmed {
		if err := s.guests.IncrementBookings(ctx, booking.GuestID); err != nil {
			s.logger.Warn("increment guest bookings failed", zap.Error(err))
		}
	}

	// The marker lands only after a successful import, so a crash between
	// the upsert and here replays at most one idempotent upsert.
	if p.ImportKey != "" {
		if err := s.redis.Set(ctx, importMarker(p.ImportKey), "1", importMarkerTTL).Err(); err != nil {
			s.logger.Warn("booking.import: set marker failed", zap.Error(err))
		}
	}

	s.logger.Info("booking imported",
		zap.String("channel", string(conn.ChannelType)),
		zap.String("channel_booking_id", pb.ChannelBookingID),
		zap.String("booking_id", booking.ID.String()),
		zap.String("status", string(booking.Status)),
		zap.Bool("created", created),
	)

	// Inquiries hold no calendar, so there is nothing to propagate yet.
	if booking.Status == model.BookingInquiry {
		return nil
	}
	return s.enqueueFanout(ctx, booking)
}

// importBooking maps the channel payload onto the canonical model and
// upserts it. The status mapping collapses unknown channel states to
// "pending", which persists as an inquiry: the canonical lifecycle has
// no pending state.
func (s *SyncService) importBooking(ctx context.Context, conn *model.ChannelConnection, pb *adapter.PlatformBooking) (*model.Booking, bool, error) {
	if pb.ChannelBookingID == "" {
		return nil, false, fmt.Errorf("import: booking without channel id")
	}
	nights := int(pb.CheckOut.Sub(pb.CheckIn).Hours() / 24)
	if nights < 1 {
		return nil, false, fmt.Errorf("import: booking %s has invalid stay %s..%s",
			pb.ChannelBookingID, pb.CheckIn.Format("2006-01-02"), pb.CheckOut.Format("2006-01-02"))
	}

	status := model.BookingStatus(adapter.MapChannelStatus(conn.ChannelType, pb.ChannelStatus))
	if status == "pending" {
		status = model.BookingInquiry
	}

	// Some channels withhold the guest email until check-in. A synthetic
	// address keeps the (tenant, email) dedup key stable across updates of
	// the same reservation.
	email := pb.GuestEmail
	if email == "" {
		email = fmt.Sprintf("%s-%s@guest.invalid", conn.ChannelType, pb.ChannelBookingID)
	}
	guest, err := s.guests.UpsertByEmail(ctx, conn.TenantID, email, pb.GuestFirstName, pb.GuestLastName, pb.GuestPhone, string(conn.ChannelType))
	if err != nil {
		return nil, false, err
	}

	currency := pb.Currency
	if currency == "" {
		property, err := s.properties.GetByID(ctx, conn.PropertyID)
		if err != nil {
			return nil, false, err
		}
		currency = property.Currency
	}

	guestsCount := pb.Guests
	if guestsCount == 0 {
		guestsCount = pb.Adults + pb.Children
	}
	if guestsCount == 0 {
		guestsCount = 1
	}

	// Channels report one total; the nightly rate is derived and the fee
	// fields stay zero because the channel's own fee structure is opaque.
	nightly := pb.TotalPrice.Div(decimal.NewFromInt(int64(nights))).Round(2)

	channelID := pb.ChannelBookingID
	return s.bookings.UpsertFromChannel(ctx, repository.ReservationInput{
		TenantID:         conn.TenantID,
		PropertyID:       conn.PropertyID,
		GuestID:          guest.ID,
		Source:           string(conn.ChannelType),
		ChannelBookingID: &channelID,
		Status:           status,
		PaymentStatus:    model.PaymentExternal,
		CheckIn:          pb.CheckIn,
		CheckOut:         pb.CheckOut,
		GuestsCount:      guestsCount,
		NightlyRate:      nightly,
		Subtotal:         pb.TotalPrice,
		CleaningFee:      decimal.Zero,
		ServiceFee:       decimal.Zero,
		Taxes:            decimal.Zero,
		TotalPrice:       pb.TotalPrice,
		Currency:         currency,
		SpecialRequests:  pb.SpecialRequests,
	})
}

// HandleCancelImport applies a channel-side cancellation.
func (s *SyncService) HandleCancelImport(ctx context.Context, t *task.Task) error {
	var p ImportTaskPayload
	if err := t.Decode(&p); err != nil {
		s.logger.Error("booking.cancel_import: bad payload", zap.Error(err))
		return nil
	}

	booking, err := s.bookings.GetByChannelBookingID(ctx, string(p.Channel), p.BookingID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			// A cancellation for a booking we never imported: poll will
			// not pick it up either (it is terminal), so drop it.
			s.logger.Warn("booking.cancel_import: unknown booking",
				zap.String("channel", string(p.Channel)),
				zap.String("channel_booking_id", p.BookingID),
			)
			return nil
		}
		return err
	}
	if booking.Status == model.BookingCancelled {
		return nil
	}

	cancelled, err := s.bookings.CancelBooking(ctx, booking.ID, "cancelled by channel", "channel", nil)
	if err != nil {
		if errors.Is(err, repository.ErrInvalidStatus) {
			// Checked-in or checked-out stays keep their dates.
			s.logger.Warn("booking.cancel_import: booking not cancellable",
				zap.String("booking_id", booking.ID.String()),
				zap.String("status", string(booking.Status)),
			)
			return nil
		}
		metrics.SyncOperations.WithLabelValues(string(p.Channel), string(model.SyncBookingImport), "failure").Inc()
		return err
	}
	metrics.SyncOperations.WithLabelValues(string(p.Channel), string(model.SyncBookingImport), "success").Inc()

	s.logger.Info("channel cancellation applied",
		zap.String("channel", string(p.Channel)),
		zap.String("booking_id", cancelled.ID.String()),
	)
	return s.enqueueFanout(ctx, cancelled)
}

// HandleUpdateImport applies a channel-side modification. Cancelled
// bookings never come back: a stale out-of-order update that would revive
// one is dropped.
func (s *SyncService) HandleUpdateImport(ctx context.Context, t *task.Task) error {
	var p ImportTaskPayload
	if err := t.Decode(&p); err != nil {
		s.logger.Error("booking.update_import: bad payload", zap.Error(err))
		return nil
	}

	conn, err := s.connections.GetByID(ctx, p.ConnectionID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			s.logger.Warn("booking.update_import: connection gone", zap.String("connection_id", p.ConnectionID.String()))
			return nil
		}
		return err
	}

	pb := p.Booking
	if pb == nil {
		err := s.guardedCall(ctx, conn, 1, func(client adapter.Adapter) error {
			fetched, fetchErr := client.GetBooking(ctx, conn.RemotePropertyID, p.BookingID)
			if fetchErr != nil {
				return fetchErr
			}
			pb = fetched
			return nil
		})
		if err != nil {
			return fmt.Errorf("update import: fetch booking %s: %w", p.BookingID, err)
		}
	}

	existing, err := s.bookings.GetByChannelBookingID(ctx, string(conn.ChannelType), pb.ChannelBookingID)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return err
	}

	if existing != nil && existing.Status == model.BookingCancelled {
		mapped := model.BookingStatus(adapter.MapChannelStatus(conn.ChannelType, pb.ChannelStatus))
		if mapped != model.BookingCancelled {
			s.logger.Warn("booking.update_import: update for cancelled booking dropped",
				zap.String("channel", string(conn.ChannelType)),
				zap.String("channel_booking_id", pb.ChannelBookingID),
				zap.String("incoming_status", string(mapped)),
			)
			metrics.SyncOperations.WithLabelValues(string(conn.ChannelType), string(model.SyncBookingImport), "skipped").Inc()
			return nil
		}
		return nil
	}

	logID, err := s.syncLogs.Start(ctx, conn.ID, model.SyncBookingImport, "inbound")
	if err != nil {
		return err
	}
	booking, _, err := s.importBooking(ctx, conn, pb)
	if err != nil {
		s.finishSync(ctx, logID, model.SyncFailed, 0, 1, err.Error())
		metrics.SyncOperations.WithLabelValues(string(conn.ChannelType), string(model.SyncBookingImport), "failure").Inc()
		return err
	}
	s.finishSync(ctx, logID, model.SyncSuccess, 1, 0, "")
	metrics.SyncOperations.WithLabelValues(string(conn.ChannelType), string(model.SyncBookingImport), "success").Inc()

	s.logger.Info("channel update applied",
		zap.String("channel", string(conn.ChannelType)),
		zap.String("booking_id", booking.ID.String()),
		zap.String("status", string(booking.Status)),
	)

	if booking.Status == model.BookingInquiry {
		return nil
	}
	// Fan out the union of the old and new ranges so a date move releases
	// the vacated nights on the other channels too.
	from, to := booking.CheckIn, booking.CheckOut
	if existing != nil {
		if existing.CheckIn.Before(from) {
			from = existing.CheckIn
		}
		if existing.CheckOut.After(to) {
			to = existing.CheckOut
		}
	}
	return s.enqueueFanoutRange(ctx, booking, from, to)
}

// enqueueFanout propagates a booking's own date range.
func (s *SyncService) enqueueFanout(ctx context.Context, booking *model.Booking) error {
	return s.enqueueFanoutRange(ctx, booking, booking.CheckIn, booking.CheckOut)
}

func (s *SyncService) enqueueFanoutRange(ctx context.Context, booking *model.Booking, from, to time.Time) error {
	_, err := s.queue.Enqueue(ctx, task.TypeBookingFanout, FanoutTaskPayload{
		PropertyID: booking.PropertyID,
		Source:     booking.Source,
		From:       from.Format("2006-01-02"),
		To:         to.Format("2006-01-02"),
	})
	if err != nil {
		return fmt.Errorf("enqueue fanout for %s: %w", booking.ID, err)
	}
	return nil
}

func importMarker(key string) string {
	return "imported:" + key
}
