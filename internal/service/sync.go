package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/ferienwerk/channelmanager/internal/adapter"
	"github.com/ferienwerk/channelmanager/internal/breaker"
	"github.com/ferienwerk/channelmanager/internal/events"
	"github.com/ferienwerk/channelmanager/internal/metrics"
	"github.com/ferienwerk/channelmanager/internal/model"
	"github.com/ferienwerk/channelmanager/internal/ratelimit"
	"github.com/ferienwerk/channelmanager/internal/repository"
	"github.com/ferienwerk/channelmanager/internal/task"
)

// ─── Sync Tunables ──────────────────────────────────────────

const (
	// syncPauseThreshold parks a connection in 'error' after this many
	// consecutive failures, so the crons stop hammering a dead channel.
	syncPauseThreshold = 10

	// limiterMaxWait bounds how long one push waits for rate-limit
	// headroom before handing the task back to the broker for a retry.
	limiterMaxWait = 10 * time.Second

	// importMarkerTTL is how long an import idempotency marker lives.
	importMarkerTTL = 24 * time.Hour

	// pollLookback is the modification cutoff for connections that have
	// never synced.
	pollLookback = 30 * 24 * time.Hour
)

// ─── Task Payloads ──────────────────────────────────────────

// PushTaskPayload drives availability.push and pricing.push: write the
// local calendar state for [From, To) to one connection.
type PushTaskPayload struct {
	ConnectionID uuid.UUID `json:"connection_id"`
	PropertyID   uuid.UUID `json:"property_id"`
	From         string    `json:"from"`
	To           string    `json:"to"`
}

// FanoutTaskPayload drives booking.fanout: propagate a booking's date
// range to every connection except the channel it came from.
type FanoutTaskPayload struct {
	PropertyID uuid.UUID `json:"property_id"`
	Source     string    `json:"source"`
	From       string    `json:"from"`
	To         string    `json:"to"`
}

// ImportTaskPayload drives booking.import, booking.cancel_import and
// booking.update_import. Booking carries the parsed channel payload when
// the webhook or poll already has it; otherwise the handler re-fetches
// by BookingID.
type ImportTaskPayload struct {
	ConnectionID uuid.UUID                `json:"connection_id"`
	Channel      model.ChannelType        `json:"channel"`
	BookingID    string                   `json:"booking_id"`
	Booking      *adapter.PlatformBooking `json:"booking,omitempty"`
	EventID      string                   `json:"event_id,omitempty"`
	ImportKey    string                   `json:"import_key,omitempty"`
}

// PollTaskPayload drives poll.channel.
type PollTaskPayload struct {
	ConnectionID uuid.UUID `json:"connection_id"`
}

// CalendarEventPayload rides on availability.updated and pricing.updated
// events. Source names the channel that caused the change (excluded from
// fan-out); empty means an operator edit.
type CalendarEventPayload struct {
	PropertyID uuid.UUID `json:"property_id"`
	From       string    `json:"from"`
	To         string    `json:"to"`
	Source     string    `json:"source,omitempty"`
}

// IdempotencyKey hashes the identifying parts of an inbound event into a
// fixed-width marker key. Empty parts are dropped, so a missing vendor
// field degrades the key instead of breaking it.
func IdempotencyKey(parts ...string) string {
	nonEmpty := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			nonEmpty = append(nonEmpty, p)
		}
	}
	sum := sha256.Sum256([]byte(strings.Join(nonEmpty, ":")))
	return hex.EncodeToString(sum[:])[:32]
}

// ─── SyncService ────────────────────────────────────────────

// SyncService runs the sync engine: outbound availability and pricing
// pushes, inbound booking imports, polling, reconciliation and token
// refresh. Remote calls pass two gates in order: the per-channel circuit
// breaker (fail fast when the channel is down) and the per-connection
// rate limiter (stay inside the channel's quota).
type SyncService struct {
	connections *repository.ConnectionRepository
	bookings    *repository.BookingRepository
	calendar    *repository.CalendarRepository
	guests      *repository.GuestRepository
	properties  *repository.PropertyRepository
	syncLogs    *repository.SyncLogRepository
	adapters    *adapter.Factory
	limiter     *ratelimit.Limiter
	breakers    *breaker.Manager
	queue       *task.Queue
	events      *events.Publisher
	redis       *redis.Client
	oauth       map[model.ChannelType]adapter.TokenEndpoint
	logger      *zap.Logger
	now         func() time.Time
}

func NewSyncService(
	connections *repository.ConnectionRepository,
	bookings *repository.BookingRepository,
	calendar *repository.CalendarRepository,
	guests *repository.GuestRepository,
	properties *repository.PropertyRepository,
	syncLogs *repository.SyncLogRepository,
	adapters *adapter.Factory,
	limiter *ratelimit.Limiter,
	breakers *breaker.Manager,
	queue *task.Queue,
	publisher *events.Publisher,
	redisClient *redis.Client,
	oauth map[model.ChannelType]adapter.TokenEndpoint,
	logger *zap.Logger,
) *SyncService {
	return &SyncService{
		connections: connections,
		bookings:    bookings,
		calendar:    calendar,
		guests:      guests,
		properties:  properties,
		syncLogs:    syncLogs,
		adapters:    adapters,
		limiter:     limiter,
		breakers:    breakers,
		queue:       queue,
		events:      publisher,
		redis:       redisClient,
		oauth:       oauth,
		logger:      logger,
		now:         time.Now,
	}
}

// adapterFor builds the channel client bound to the connection's current
// credentials.
func (s *SyncService) adapterFor(conn *model.ChannelConnection) (adapter.Adapter, error) {
	endpoint := s.oauth[conn.ChannelType]
	return s.adapters.New(conn.ChannelType, adapter.Credentials{
		AccessToken:  conn.AccessToken,
		ClientID:     endpoint.ClientID,
		ClientSecret: endpoint.ClientSecret,
	})
}

// guardedCall runs one remote operation behind the breaker and limiter.
func (s *SyncService) guardedCall(ctx context.Context, conn *model.ChannelConnection, weight int, fn func(adapter.Adapter) error) error {
	br := s.breakers.Breaker(conn.ChannelType)
	if err := br.Allow(ctx); err != nil {
		return err
	}

	allowed, err := s.limiter.AcquireWithWait(ctx, conn.ChannelType, conn.ID.String(), weight, limiterMaxWait)
	if err != nil {
		return err
	}
	if !allowed {
		return &ratelimit.LimitExceededError{Channel: conn.ChannelType, RetryAfter: limiterMaxWait}
	}

	client, err := s.adapterFor(conn)
	if err != nil {
		return err
	}

	callErr := fn(client)
	if callErr != nil {
		// The breaker's exclude hook keeps caller mistakes (validation,
		// auth) from counting toward the trip threshold.
		if recErr := br.RecordFailure(ctx, callErr); recErr != nil {
			s.logger.Warn("breaker bookkeeping failed", zap.Error(recErr))
		}
		s.refreshAfterAuthFailure(ctx, conn, callErr)
		return callErr
	}
	if recErr := br.RecordSuccess(ctx); recErr != nil {
		s.logger.Warn("breaker bookkeeping failed", zap.Error(recErr))
	}
	return nil
}

// refreshAfterAuthFailure kicks a token refresh when the remote rejected
// our credentials, so the task's retry runs with a fresh token instead of
// failing the same way. The Redis guard keeps a burst of failing tasks
// from hammering the token endpoint; the hourly cron is the backstop.
func (s *SyncService) refreshAfterAuthFailure(ctx context.Context, conn *model.ChannelConnection, callErr error) {
	var ae *adapter.Error
	if !errors.As(callErr, &ae) || ae.Kind != adapter.ErrAuthentication {
		return
	}
	if conn.RefreshToken == "" {
		return
	}
	guard := "token_refresh_guard:" + conn.ID.String()
	ok, err := s.redis.SetNX(ctx, guard, "1", time.Minute).Result()
	if err != nil || !ok {
		return
	}
	if refErr := s.refreshConnection(ctx, conn); refErr != nil {
		s.logger.Warn("token refresh after auth failure failed",
			zap.String("connection_id", conn.ID.String()),
			zap.String("channel", string(conn.ChannelType)),
			zap.Error(refErr),
		)
	}
}

// circuitOpen reports whether err came from the breaker gate rather than
// the remote call.
func circuitOpen(err error) bool {
	var open *breaker.OpenError
	var saturated *breaker.HalfOpenSaturatedError
	return errors.As(err, &open) || errors.As(err, &saturated)
}

func rateLimited(err error) bool {
	var limited *ratelimit.LimitExceededError
	return errors.As(err, &limited)
}

// ─── Outbound Pushes ────────────────────────────────────────

// HandleAvailabilityPush writes the local availability for a date range
// to one connection.
func (s *SyncService) HandleAvailabilityPush(ctx context.Context, t *task.Task) error {
	var p PushTaskPayload
	if err := t.Decode(&p); err != nil {
		s.logger.Error("availability.push: bad payload", zap.Error(err))
		return nil
	}
	return s.runPush(ctx, p, model.SyncAvailability, s.pushAvailability)
}

// HandlePricingPush writes the local nightly prices for a date range to
// one connection, with the connection's price adjustment applied.
func (s *SyncService) HandlePricingPush(ctx context.Context, t *task.Task) error {
	var p PushTaskPayload
	if err := t.Decode(&p); err != nil {
		s.logger.Error("pricing.push: bad payload", zap.Error(err))
		return nil
	}
	return s.runPush(ctx, p, model.SyncPricing, s.pushPricing)
}

// runPush is the shared push skeleton: eligibility, sync log lifecycle,
// breaker and limiter gates, success/failure bookkeeping on the
// connection row.
func (s *SyncService) runPush(
	ctx context.Context,
	p PushTaskPayload,
	syncType model.SyncType,
	push func(ctx context.Context, conn *model.ChannelConnection, from, to time.Time) (int, error),
) error {
	from, to, err := parseDateRange(p.From, p.To)
	if err != nil {
		s.logger.Error("push: bad date range", zap.String("from", p.From), zap.String("to", p.To))
		return nil
	}

	conn, err := s.connections.GetByID(ctx, p.ConnectionID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			s.logger.Warn("push: connection gone", zap.String("connection_id", p.ConnectionID.String()))
			return nil
		}
		return err
	}

	channel := string(conn.ChannelType)
	wantType := conn.SyncAvailability
	if syncType == model.SyncPricing {
		wantType = conn.SyncPricing
	}
	if !conn.PushEligible() || !wantType {
		metrics.SyncOperations.WithLabelValues(channel, string(syncType), "skipped").Inc()
		s.logger.Debug("push: connection not eligible",
			zap.String("connection_id", conn.ID.String()),
			zap.String("status", string(conn.Status)),
		)
		return nil
	}

	logID, err := s.syncLogs.Start(ctx, conn.ID, syncType, "outbound")
	if err != nil {
		return err
	}

	processed, pushErr := push(ctx, conn, from, to)
	switch {
	case pushErr == nil:
		s.finishSync(ctx, logID, model.SyncSuccess, processed, 0, "")
		metrics.SyncOperations.WithLabelValues(channel, string(syncType), "success").Inc()
		if err := s.connections.RecordSyncSuccess(ctx, conn.ID); err != nil {
			s.logger.Warn("record sync success failed", zap.Error(err))
		}
		return nil

	case circuitOpen(pushErr):
		s.finishSync(ctx, logID, model.SyncSkipped, 0, 0, "circuit breaker open")
		metrics.SyncOperations.WithLabelValues(channel, string(syncType), "circuit_breaker_open").Inc()
		return pushErr

	case rateLimited(pushErr):
		s.finishSync(ctx, logID, model.SyncSkipped, 0, 0, "rate limited")
		metrics.SyncOperations.WithLabelValues(channel, string(syncType), "rate_limited").Inc()
		return pushErr

	default:
		s.finishSync(ctx, logID, model.SyncFailed, 0, processed, pushErr.Error())
		metrics.SyncOperations.WithLabelValues(channel, string(syncType), "failure").Inc()
		if _, err := s.connections.RecordSyncFailure(ctx, conn.ID, pushErr.Error(), syncPauseThreshold); err != nil {
			s.logger.Warn("record sync failure failed", zap.Error(err))
		}
		return pushErr
	}
}

func (s *SyncService) finishSync(ctx context.Context, logID uuid.UUID, status model.SyncStatus, processed, failed int, msg string) {
	if err := s.syncLogs.Finish(ctx, logID, status, processed, failed, msg); err != nil {
		s.logger.Warn("finish sync log failed", zap.String("sync_log_id", logID.String()), zap.Error(err))
	}
}

// pushAvailability collapses the calendar into contiguous same-state runs
// and writes each run with one adapter call.
func (s *SyncService) pushAvailability(ctx context.Context, conn *model.ChannelConnection, from, to time.Time) (int, error) {
	days, err := s.calendar.GetRange(ctx, conn.PropertyID, from, to)
	if err != nil {
		return 0, err
	}
	runs := availabilityRuns(from, to, days)

	processed := 0
	err = s.guardedCall(ctx, conn, len(runs), func(client adapter.Adapter) error {
		for _, run := range runs {
			if err := client.UpdateAvailability(ctx, conn.RemotePropertyID, run.from, run.to, run.available, run.minStay, run.maxStay); err != nil {
				return err
			}
			processed += int(run.to.Sub(run.from).Hours() / 24)
		}
		return nil
	})
	return processed, err
}

// pushPricing sends the nightly price for every day in the range, using
// the calendar override when present and the base price otherwise.
func (s *SyncService) pushPricing(ctx context.Context, conn *model.ChannelConnection, from, to time.Time) (int, error) {
	property, err := s.properties.GetByID(ctx, conn.PropertyID)
	if err != nil {
		return 0, err
	}
	days, err := s.calendar.GetRange(ctx, conn.PropertyID, from, to)
	if err != nil {
		return 0, err
	}

	overrides := make(map[string]decimal.Decimal, len(days))
	for _, day := range days {
		if day.PriceOverride != nil {
			overrides[day.Date.Format("2006-01-02")] = *day.PriceOverride
		}
	}

	prices := make(map[string]decimal.Decimal)
	for d := from; d.Before(to); d = d.AddDate(0, 0, 1) {
		key := d.Format("2006-01-02")
		nightly := property.BasePrice
		if override, ok := overrides[key]; ok {
			nightly = override
		}
		prices[key] = AdjustPrice(nightly, conn.PriceAdjustmentType, conn.PriceAdjustmentValue)
	}

	err = s.guardedCall(ctx, conn, 1, func(client adapter.Adapter) error {
		return client.UpdatePricingBulk(ctx, conn.RemotePropertyID, prices, property.Currency)
	})
	if err != nil {
		return 0, err
	}
	return len(prices), nil
}

// availabilityRun is a maximal stretch of days sharing one calendar state.
type availabilityRun struct {
	from, to  time.Time
	available bool
	minStay   int
	maxStay   int
}

// availabilityRuns walks [from, to) and groups days into runs. Days with
// no calendar row count as available; zero min/max stay means "leave the
// channel's value alone".
func availabilityRuns(from, to time.Time, days []model.CalendarDay) []availabilityRun {
	byDate := make(map[string]model.CalendarDay, len(days))
	for _, day := range days {
		byDate[day.Date.Format("2006-01-02")] = day
	}

	var runs []availabilityRun
	for d := from; d.Before(to); d = d.AddDate(0, 0, 1) {
		available, minStay, maxStay := true, 0, 0
		if day, ok := byDate[d.Format("2006-01-02")]; ok {
			available = day.Available
			if day.MinStay != nil {
				minStay = *day.MinStay
			}
			if day.MaxStay != nil {
				maxStay = *day.MaxStay
			}
		}

		next := d.AddDate(0, 0, 1)
		if n := len(runs); n > 0 {
			last := &runs[n-1]
			if last.to.Equal(d) && last.available == available && last.minStay == minStay && last.maxStay == maxStay {
				last.to = next
				continue
			}
		}
		runs = append(runs, availabilityRun{from: d, to: next, available: available, minStay: minStay, maxStay: maxStay})
	}
	return runs
}

// ─── Fan-out ────────────────────────────────────────────────

// HandleBookingFanout propagates one booking's date range: it enqueues an
// availability push for every connection on the property except the
// channel the booking came from. The pushes read current calendar state,
// so a block and a release travel through the same path.
func (s *SyncService) HandleBookingFanout(ctx context.Context, t *task.Task) error {
	var p FanoutTaskPayload
	if err := t.Decode(&p); err != nil {
		s.logger.Error("booking.fanout: bad payload", zap.Error(err))
		return nil
	}

	conns, err := s.connections.ListByProperty(ctx, p.PropertyID)
	if err != nil {
		return err
	}
	enqueued := 0
	for _, conn := range conns {
		if !conn.PushEligible() || !conn.SyncAvailability {
			continue
		}
		if string(conn.ChannelType) == p.Source {
			continue
		}
		_, err := s.queue.Enqueue(ctx, task.TypeAvailabilityPush, PushTaskPayload{
			ConnectionID: conn.ID,
			PropertyID:   p.PropertyID,
			From:         p.From,
			To:           p.To,
		})
		if err != nil {
			return fmt.Errorf("fanout: enqueue push for %s: %w", conn.ID, err)
		}
		enqueued++
	}
	s.logger.Info("booking fan-out",
		zap.String("property_id", p.PropertyID.String()),
		zap.String("source", p.Source),
		zap.Int("connections", enqueued),
	)
	return nil
}

// ─── Event Handlers ─────────────────────────────────────────

// EventHandlers returns the pms:events dispatch table for the worker's
// stream consumer.
func (s *SyncService) EventHandlers() map[model.EventType]events.Handler {
	return map[model.EventType]events.Handler{
		model.EventBookingConfirmed:   s.onBookingChanged,
		model.EventBookingCancelled:   s.onBookingChanged,
		model.EventAvailabilityUpdate: s.onAvailabilityChanged,
		model.EventPricingUpdate:      s.onPricingChanged,
	}
}

// onBookingChanged turns a booking lifecycle event into a fan-out task.
func (s *SyncService) onBookingChanged(ctx context.Context, event *events.Event) error {
	var p BookingEventPayload
	if err := event.Decode(&p); err != nil {
		return err
	}
	_, err := s.queue.Enqueue(ctx, task.TypeBookingFanout, FanoutTaskPayload{
		PropertyID: p.PropertyID,
		Source:     p.Source,
		From:       p.CheckIn,
		To:         p.CheckOut,
	})
	return err
}

func (s *SyncService) onAvailabilityChanged(ctx context.Context, event *events.Event) error {
	return s.enqueuePushes(ctx, event, task.TypeAvailabilityPush, func(c *model.ChannelConnection) bool {
		return c.SyncAvailability
	})
}

func (s *SyncService) onPricingChanged(ctx context.Context, event *events.Event) error {
	return s.enqueuePushes(ctx, event, task.TypePricingPush, func(c *model.ChannelConnection) bool {
		return c.SyncPricing
	})
}

// enqueuePushes expands a calendar event into per-connection push tasks,
// excluding the channel that caused the change.
func (s *SyncService) enqueuePushes(ctx context.Context, event *events.Event, taskType string, wants func(*model.ChannelConnection) bool) error {
	var p CalendarEventPayload
	if err := event.Decode(&p); err != nil {
		return err
	}
	conns, err := s.connections.ListByProperty(ctx, p.PropertyID)
	if err != nil {
		return err
	}
	for _, conn := range conns {
		if !conn.PushEligible() || !wants(conn) {
			continue
		}
		if string(conn.ChannelType) == p.Source {
			continue
		}
		_, err := s.queue.Enqueue(ctx, taskType, PushTaskPayload{
			ConnectionID: conn.ID,
			PropertyID:   p.PropertyID,
			From:         p.From,
			To:           p.To,
		})
		if err != nil {
			return fmt.Errorf("enqueue %s for %s: %w", taskType, conn.ID, err)
		}
	}
	return nil
}

// ─── Operator Calendar Edits ────────────────────────────────

// UpdateCalendar applies operator day edits and publishes the calendar
// events that drive outbound sync. Returns how many days changed; days
// held by a booking are left alone.
func (s *SyncService) UpdateCalendar(ctx context.Context, propertyID uuid.UUID, updates []repository.DayUpdate) (int, error) {
	if len(updates) == 0 {
		return 0, nil
	}
	property, err := s.properties.GetByID(ctx, propertyID)
	if err != nil {
		return 0, err
	}

	applied, err := s.calendar.UpsertDays(ctx, propertyID, updates)
	if err != nil {
		return 0, err
	}
	if applied == 0 {
		return 0, nil
	}

	from, to := updates[0].Date, updates[0].Date
	priceChanged := false
	for _, u := range updates {
		if u.Date.Before(from) {
			from = u.Date
		}
		if u.Date.After(to) {
			to = u.Date
		}
		if u.PriceOverride != nil {
			priceChanged = true
		}
	}
	payload := CalendarEventPayload{
		PropertyID: propertyID,
		From:       from.Format("2006-01-02"),
		To:         to.AddDate(0, 0, 1).Format("2006-01-02"),
	}

	if err := s.events.Publish(ctx, model.EventAvailabilityUpdate, property.TenantID, payload); err != nil {
		s.logger.Error("publish availability.updated failed", zap.Error(err))
	}
	if priceChanged {
		if err := s.events.Publish(ctx, model.EventPricingUpdate, property.TenantID, payload); err != nil {
			s.logger.Error("publish pricing.updated failed", zap.Error(err))
		}
	}
	return applied, nil
}

// ─── Helpers ────────────────────────────────────────────────

func parseDateRange(from, to string) (time.Time, time.Time, error) {
	f, err := time.Parse("2006-01-02", from)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("bad from date %q: %w", from, err)
	}
	t, err := time.Parse("2006-01-02", to)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("bad to date %q: %w", to, err)
	}
	if !f.Before(t) {
		return time.Time{}, time.Time{}, fmt.Errorf("empty date range %s..%s", from, to)
	}
	return f, t, nil
}
