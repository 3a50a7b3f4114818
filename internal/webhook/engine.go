// Package webhook registers caller endpoints and pushes signed event
// notifications to them with a bounded, persisted retry schedule.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/edvin/iotgate/internal/apperr"
	"github.com/edvin/iotgate/internal/audit"
	"github.com/edvin/iotgate/internal/model"
	"github.com/edvin/iotgate/internal/platform"
	"github.com/edvin/iotgate/internal/tier"
)

const (
	// MaxAttempts is the number of tries a delivery gets before it is marked
	// failed.
	MaxAttempts = 3
	// DeliveryTimeout bounds one HTTP attempt, including reading the response.
	DeliveryTimeout = 30 * time.Second

	maxResponseBody = 1024
	secretBytes     = 32
	defaultFanOut   = 16
)

// Delivery headers.
const (
	HeaderEvent     = "X-Webhook-Event"
	HeaderDelivery  = "X-Webhook-Delivery"
	HeaderTimestamp = "X-Webhook-Timestamp"
	HeaderSignature = "X-Webhook-Signature"
	HeaderAttempt   = "X-Webhook-Attempt"
)

// DefaultBackoff holds the delay before attempt n+1 at index n-1.
var DefaultBackoff = []time.Duration{30 * time.Second, 5 * time.Minute, 30 * time.Minute}

var (
	// ErrNotFound is returned by repositories when no row matches.
	ErrNotFound = errors.New("webhook not found")
	// ErrDuplicateAttempt is returned by Deliver when the attempt number of a
	// delivery has already been recorded.
	ErrDuplicateAttempt = errors.New("delivery attempt already recorded")
)

var (
	deliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_deliveries_total",
			Help: "Webhook delivery attempts by resulting status",
		},
		[]string{"status"},
	)
	deliveryDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "webhook_delivery_duration_seconds",
			Help:    "Duration of webhook HTTP attempts",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
	)
)

// Repository persists endpoints and delivery attempts.
type Repository interface {
	// InsertEndpointWithinQuota inserts ep unless the account already has max
	// active endpoints. It reports whether the endpoint was inserted.
	InsertEndpointWithinQuota(ctx context.Context, ep *model.WebhookEndpoint, max int) (bool, error)
	GetEndpoint(ctx context.Context, id string) (*model.WebhookEndpoint, error)
	ListEndpoints(ctx context.Context, accountID string, limit int, cursor string) ([]model.WebhookEndpoint, bool, error)
	// ActiveEndpointsForEvent returns active endpoints subscribed to event.
	// An empty accountID matches every account.
	ActiveEndpointsForEvent(ctx context.Context, event, accountID string) ([]model.WebhookEndpoint, error)
	DeactivateEndpoint(ctx context.Context, id string, at time.Time) error
	// RecordOutcome adds one finished delivery to the endpoint statistics.
	RecordOutcome(ctx context.Context, endpointID string, success bool, at time.Time) error

	// InsertAttempt reserves an attempt row. It reports false when the
	// (delivery_id, attempt) pair already exists.
	InsertAttempt(ctx context.Context, a *model.WebhookDeliveryAttempt) (bool, error)
	// FinishAttempt stores the outcome fields of a reserved attempt.
	FinishAttempt(ctx context.Context, a *model.WebhookDeliveryAttempt) error
	// ClaimDue leases up to limit attempts whose retry is due until leaseUntil.
	ClaimDue(ctx context.Context, now, leaseUntil time.Time, limit int) ([]model.WebhookDeliveryAttempt, error)
	// CompleteRetry marks a scheduled attempt as failed and unschedules it.
	CompleteRetry(ctx context.Context, id string, at time.Time) error
	ListAttempts(ctx context.Context, endpointID string, limit int, cursor string) ([]model.WebhookDeliveryAttempt, bool, error)
}

// TierResolver resolves the tier for an account.
type TierResolver interface {
	Resolve(ctx context.Context, accountID string) tier.Tier
}

// Payload is the JSON body sent to endpoints.
type Payload struct {
	Event     string         `json:"event"`
	Timestamp string         `json:"timestamp"`
	Data      map[string]any `json:"data"`
	Source    string         `json:"source"`
}

// Delivery is one logical notification to one endpoint.
type Delivery struct {
	// ID is shared by every attempt of the delivery.
	ID      string
	Event   string
	Payload []byte
	Attempt int
	IsTest  bool
}

// DeliveryResult describes one attempt.
type DeliveryResult struct {
	AttemptID     string        `json:"attempt_id"`
	DeliveryID    string        `json:"delivery_id"`
	Attempt       int           `json:"attempt"`
	Success       bool          `json:"success"`
	StatusCode    int           `json:"status_code,omitempty"`
	Duration      time.Duration `json:"duration_ms"`
	Error         string        `json:"error,omitempty"`
	NextAttemptAt *time.Time    `json:"next_attempt_at,omitempty"`
	// Terminal is set when no further attempt will be made.
	Terminal bool `json:"terminal"`
}

// MarshalJSON renders Duration in milliseconds.
func (r DeliveryResult) MarshalJSON() ([]byte, error) {
	type alias DeliveryResult
	return json.Marshal(struct {
		alias
		Duration int64 `json:"duration_ms"`
	}{alias: alias(r), Duration: r.Duration.Milliseconds()})
}

// Err returns a DeliveryFailed error describing r, or nil when the attempt
// succeeded.
func (r DeliveryResult) Err() error {
	if r.Success {
		return nil
	}
	details := map[string]any{
		"attempt_id":  r.AttemptID,
		"delivery_id": r.DeliveryID,
		"attempt":     r.Attempt,
		"duration_ms": r.Duration.Milliseconds(),
	}
	if r.StatusCode != 0 {
		details["status_code"] = r.StatusCode
	}
	if r.Error != "" {
		details["error"] = r.Error
	}
	return apperr.New(apperr.DeliveryFailed, "the endpoint did not accept the delivery").WithDetails(details)
}

// RegisterParams holds the inputs for Register.
type RegisterParams struct {
	AccountID string
	URL       string
	Events    []string
	Filters   map[string][]model.FilterCondition
	Actor     string
}

// Engine manages endpoints and delivers events to them.
type Engine struct {
	repo        Repository
	tiers       TierResolver
	audit       audit.Recorder
	logger      zerolog.Logger
	client      *http.Client
	policy      URLPolicy
	backoff     []time.Duration
	source      string
	userAgent   string
	fanOut      int
	development bool
	now         func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithHTTPClient replaces the delivery client. The client's own timeout and
// redirect policy apply in addition to DeliveryTimeout.
func WithHTTPClient(c *http.Client) Option {
	return func(e *Engine) { e.client = c }
}

// WithDevelopmentMode allows http:// and non-public targets.
func WithDevelopmentMode(dev bool) Option {
	return func(e *Engine) { e.development = dev }
}

// WithResolver overrides DNS resolution for URL checks.
func WithResolver(r HostResolver) Option {
	return func(e *Engine) { e.policy.Resolver = r }
}

// WithSource sets the "source" field of payloads.
func WithSource(source string) Option {
	return func(e *Engine) { e.source = source }
}

// WithBackoff replaces the retry schedule.
func WithBackoff(b []time.Duration) Option {
	return func(e *Engine) { e.backoff = b }
}

// WithFanOut bounds the number of concurrent deliveries per trigger.
func WithFanOut(n int) Option {
	return func(e *Engine) { e.fanOut = n }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates an Engine.
func NewEngine(repo Repository, tiers TierResolver, rec audit.Recorder, logger zerolog.Logger, opts ...Option) *Engine {
	if rec == nil {
		rec = audit.Nop{}
	}
	e := &Engine{
		repo:      repo,
		tiers:     tiers,
		audit:     rec,
		logger:    logger,
		backoff:   DefaultBackoff,
		source:    "iotgate",
		userAgent: "iotgate-webhooks/1.0",
		fanOut:    defaultFanOut,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.policy.Development = e.development
	if e.client == nil {
		e.client = newDeliveryClient(e.development)
	}
	return e
}

func newDeliveryClient(development bool) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.Proxy = nil
	transport.DialContext = guardedDialer(development).DialContext
	return &http.Client{
		Timeout:   DeliveryTimeout,
		Transport: transport,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// Register creates an endpoint and returns it with its signing secret. The
// secret is not retrievable afterwards.
func (e *Engine) Register(ctx context.Context, p RegisterParams) (*model.WebhookEndpoint, string, error) {
	t := e.tiers.Resolve(ctx, p.AccountID)
	if t.MaxWebhooks <= 0 {
		return nil, "", apperr.Newf(apperr.TierForbidden, "the %s tier does not include webhooks", t.Name)
	}

	events, err := normalizeEvents(p.Events)
	if err != nil {
		return nil, "", err
	}
	if err := validateFilters(p.Filters, events); err != nil {
		return nil, "", err
	}
	if err := e.policy.Check(ctx, p.URL); err != nil {
		return nil, "", err
	}

	now := e.now()
	secret := platform.NewToken(secretBytes)
	ep := &model.WebhookEndpoint{
		ID:        platform.NewID(),
		AccountID: p.AccountID,
		URL:       p.URL,
		Events:    events,
		Filters:   p.Filters,
		Secret:    secret,
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}

	inserted, err := e.repo.InsertEndpointWithinQuota(ctx, ep, t.MaxWebhooks)
	if err != nil {
		return nil, "", apperr.Wrap(apperr.StorageUnavailable, "could not store webhook", err)
	}
	if !inserted {
		return nil, "", apperr.Newf(apperr.QuotaExceeded,
			"the %s tier allows at most %d active webhooks", t.Name, t.MaxWebhooks).
			WithDetails(map[string]any{"max_webhooks": t.MaxWebhooks})
	}

	e.audit.Record(model.AuditEntry{
		AccountID:    p.AccountID,
		Actor:        p.Actor,
		Action:       "webhook.register",
		ResourceType: "webhook",
		ResourceID:   ep.ID,
		Metadata:     map[string]any{"url": ep.URL, "events": ep.Events},
		At:           now,
	})

	return ep, secret, nil
}

func normalizeEvents(events []string) ([]string, error) {
	if len(events) == 0 {
		return nil, apperr.New(apperr.ValidationFailed, "at least one event is required")
	}
	out := make([]string, 0, len(events))
	for _, ev := range events {
		if !slices.Contains(model.SubscribableEvents, ev) {
			return nil, apperr.Newf(apperr.ValidationFailed, "unknown event type %q", ev).
				WithDetails(map[string]any{"event": ev, "allowed": model.SubscribableEvents})
		}
		if !slices.Contains(out, ev) {
			out = append(out, ev)
		}
	}
	return out, nil
}

func validateFilters(filters map[string][]model.FilterCondition, events []string) error {
	for ev, conds := range filters {
		if !slices.Contains(events, ev) {
			return apperr.Newf(apperr.ValidationFailed, "filter for %q but the webhook is not subscribed to it", ev)
		}
		for _, c := range conds {
			if c.Field == "" {
				return apperr.Newf(apperr.ValidationFailed, "filter for %q has an empty field", ev)
			}
			switch c.Op {
			case model.FilterEq, model.FilterNeq, model.FilterExists:
			case model.FilterIn:
				if _, ok := c.Value.([]any); !ok {
					return apperr.Newf(apperr.ValidationFailed, "filter %q on %q needs a list value", c.Op, c.Field)
				}
			case model.FilterGte, model.FilterLte:
				if _, ok := number(c.Value); !ok {
					return apperr.Newf(apperr.ValidationFailed, "filter %q on %q needs a numeric value", c.Op, c.Field)
				}
			default:
				return apperr.Newf(apperr.ValidationFailed, "unknown filter operator %q", c.Op)
			}
		}
	}
	return nil
}

// Get returns one of an account's endpoints.
func (e *Engine) Get(ctx context.Context, accountID, id string) (*model.WebhookEndpoint, error) {
	return e.owned(ctx, accountID, id)
}

// List returns an account's endpoints with cursor pagination.
func (e *Engine) List(ctx context.Context, accountID string, limit int, cursor string) ([]model.WebhookEndpoint, bool, error) {
	eps, hasMore, err := e.repo.ListEndpoints(ctx, accountID, limit, cursor)
	if err != nil {
		return nil, false, apperr.Wrap(apperr.StorageUnavailable, "could not list webhooks", err)
	}
	return eps, hasMore, nil
}

// Deactivate soft-deletes an endpoint. Pending retries to it are dropped by
// the retry worker. Deactivating an inactive endpoint succeeds.
func (e *Engine) Deactivate(ctx context.Context, accountID, id, actor string) error {
	ep, err := e.owned(ctx, accountID, id)
	if err != nil {
		return err
	}
	if !ep.Active {
		return nil
	}

	now := e.now()
	if err := e.repo.DeactivateEndpoint(ctx, ep.ID, now); err != nil {
		return apperr.Wrap(apperr.StorageUnavailable, "could not delete webhook", err)
	}

	e.audit.Record(model.AuditEntry{
		AccountID:    accountID,
		Actor:        actor,
		Action:       "webhook.deactivate",
		ResourceType: "webhook",
		ResourceID:   ep.ID,
		At:           now,
	})
	return nil
}

// Deliveries returns the attempt history of one of an account's endpoints.
func (e *Engine) Deliveries(ctx context.Context, accountID, id string, limit int, cursor string) ([]model.WebhookDeliveryAttempt, bool, error) {
	if _, err := e.owned(ctx, accountID, id); err != nil {
		return nil, false, err
	}
	attempts, hasMore, err := e.repo.ListAttempts(ctx, id, limit, cursor)
	if err != nil {
		return nil, false, apperr.Wrap(apperr.StorageUnavailable, "could not list deliveries", err)
	}
	return attempts, hasMore, nil
}

func (e *Engine) owned(ctx context.Context, accountID, id string) (*model.WebhookEndpoint, error) {
	ep, err := e.repo.GetEndpoint(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, apperr.Newf(apperr.NotFound, "webhook %s not found", id)
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.StorageUnavailable, "could not look up webhook", err)
	}
	if ep.AccountID != accountID {
		return nil, apperr.Newf(apperr.Forbidden, "webhook %s belongs to another account", id)
	}
	return ep, nil
}

// Trigger delivers event to every active endpoint subscribed to it whose
// filter matches data, concurrently. An empty accountID targets all
// accounts. It returns the number of endpoints delivered to. Delivery
// failures are logged and retried in the background, never returned.
func (e *Engine) Trigger(ctx context.Context, event string, data map[string]any, accountID string) (int, error) {
	if !slices.Contains(model.SubscribableEvents, event) {
		return 0, apperr.Newf(apperr.ValidationFailed, "unknown event type %q", event)
	}
	if data == nil {
		data = map[string]any{}
	}

	endpoints, err := e.repo.ActiveEndpointsForEvent(ctx, event, accountID)
	if err != nil {
		return 0, apperr.Wrap(apperr.StorageUnavailable, "could not look up webhooks", err)
	}

	body, err := e.payload(event, data)
	if err != nil {
		return 0, apperr.Wrap(apperr.ValidationFailed, "event data is not serializable", err)
	}

	g := new(errgroup.Group)
	g.SetLimit(e.fanOut)
	matched := 0
	for i := range endpoints {
		ep := &endpoints[i]
		if !Matches(ep.Filters[event], data) {
			continue
		}
		matched++
		g.Go(func() error {
			d := Delivery{ID: platform.NewID(), Event: event, Payload: body, Attempt: 1}
			res, err := e.Deliver(ctx, ep, d)
			if err != nil {
				e.logger.Error().Err(err).Str("endpoint_id", ep.ID).Str("delivery_id", d.ID).Msg("webhook delivery not recorded")
				return nil
			}
			if !res.Success {
				e.logger.Warn().Str("endpoint_id", ep.ID).Str("delivery_id", d.ID).
					Str("error", res.Error).Bool("terminal", res.Terminal).Msg("webhook delivery failed")
			}
			return nil
		})
	}
	_ = g.Wait()

	e.logger.Debug().Str("event", event).Str("account_id", accountID).
		Int("subscribed", len(endpoints)).Int("matched", matched).Msg("webhook event triggered")
	return matched, nil
}

// Test sends a synthetic webhook.test event to an endpoint. The attempt is
// recorded but never retried and does not affect endpoint statistics.
func (e *Engine) Test(ctx context.Context, accountID, id string) (DeliveryResult, error) {
	ep, err := e.owned(ctx, accountID, id)
	if err != nil {
		return DeliveryResult{}, err
	}
	if !ep.Active {
		return DeliveryResult{}, apperr.Newf(apperr.NotFound, "webhook %s is not active", id)
	}

	body, err := e.payload(model.EventWebhookTest, map[string]any{
		"webhook_id": ep.ID,
		"message":    "This is a test delivery.",
	})
	if err != nil {
		return DeliveryResult{}, apperr.Wrap(apperr.Internal, "could not build test payload", err)
	}

	return e.Deliver(ctx, ep, Delivery{
		ID:      platform.NewID(),
		Event:   model.EventWebhookTest,
		Payload: body,
		Attempt: 1,
		IsTest:  true,
	})
}

func (e *Engine) payload(event string, data map[string]any) ([]byte, error) {
	return json.Marshal(Payload{
		Event:     event,
		Timestamp: e.now().UTC().Format(time.RFC3339),
		Data:      data,
		Source:    e.source,
	})
}

// Deliver performs one attempt of d against ep and records it. A failed
// non-test attempt below MaxAttempts is scheduled for retry. The returned
// error only reports bookkeeping failures; the HTTP outcome is in the
// result.
func (e *Engine) Deliver(ctx context.Context, ep *model.WebhookEndpoint, d Delivery) (DeliveryResult, error) {
	if d.Attempt < 1 {
		d.Attempt = 1
	}
	if d.ID == "" {
		d.ID = platform.NewID()
	}

	sentAt := e.now()
	row := &model.WebhookDeliveryAttempt{
		ID:         platform.NewID(),
		DeliveryID: d.ID,
		EndpointID: ep.ID,
		EventType:  d.Event,
		Payload:    d.Payload,
		Attempt:    d.Attempt,
		Status:     model.DeliveryPending,
		IsTest:     d.IsTest,
		SentAt:     sentAt,
	}
	inserted, err := e.repo.InsertAttempt(ctx, row)
	if err != nil {
		return DeliveryResult{}, apperr.Wrap(apperr.StorageUnavailable, "could not record delivery attempt", err)
	}
	if !inserted {
		return DeliveryResult{}, ErrDuplicateAttempt
	}

	start := time.Now()
	status, body, sendErr := e.send(ctx, ep, d, sentAt)
	elapsed := time.Since(start)
	deliveryDuration.Observe(elapsed.Seconds())

	res := DeliveryResult{
		AttemptID:  row.ID,
		DeliveryID: d.ID,
		Attempt:    d.Attempt,
		StatusCode: status,
		Duration:   elapsed,
	}
	if status != 0 {
		row.ResponseStatus = &status
	}
	if body != "" {
		row.ResponseBody = &body
	}

	done := e.now()
	switch {
	case sendErr == nil && status >= 200 && status < 300:
		res.Success = true
		res.Terminal = true
		row.Status = model.DeliveryDelivered
		row.DeliveredAt = &done
	default:
		if sendErr != nil {
			res.Error = sendErr.Error()
		} else {
			res.Error = fmt.Sprintf("endpoint responded with status %d", status)
		}
		row.Error = &res.Error
		if !d.IsTest && d.Attempt < MaxAttempts {
			next := done.Add(e.delay(d.Attempt))
			row.Status = model.DeliveryRetryScheduled
			row.NextAttemptAt = &next
			res.NextAttemptAt = &next
		} else {
			row.Status = model.DeliveryFailed
			row.FailedAt = &done
			res.Terminal = true
		}
	}
	deliveriesTotal.WithLabelValues(row.Status).Inc()

	// Bookkeeping must land even when the caller has gone away.
	bctx := context.WithoutCancel(ctx)
	if err := e.repo.FinishAttempt(bctx, row); err != nil {
		return res, apperr.Wrap(apperr.StorageUnavailable, "could not record delivery outcome", err)
	}
	if !d.IsTest && res.Terminal {
		if err := e.repo.RecordOutcome(bctx, ep.ID, res.Success, done); err != nil {
			e.logger.Warn().Err(err).Str("endpoint_id", ep.ID).Msg("failed to update webhook statistics")
		}
	}

	e.logger.Info().
		Str("endpoint_id", ep.ID).
		Str("delivery_id", d.ID).
		Str("event", d.Event).
		Int("attempt", d.Attempt).
		Int("status_code", status).
		Str("status", row.Status).
		Dur("duration", elapsed).
		Msg("webhook attempt")

	return res, nil
}

func (e *Engine) delay(attempt int) time.Duration {
	if len(e.backoff) == 0 {
		return DefaultBackoff[0]
	}
	if attempt > len(e.backoff) {
		return e.backoff[len(e.backoff)-1]
	}
	return e.backoff[attempt-1]
}

func (e *Engine) send(ctx context.Context, ep *model.WebhookEndpoint, d Delivery, sentAt time.Time) (int, string, error) {
	ctx, cancel := context.WithTimeout(ctx, DeliveryTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(d.Payload))
	if err != nil {
		return 0, "", fmt.Errorf("create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", e.userAgent)
	req.Header.Set(HeaderEvent, d.Event)
	req.Header.Set(HeaderDelivery, d.ID)
	req.Header.Set(HeaderTimestamp, sentAt.UTC().Format(time.RFC3339))
	req.Header.Set(HeaderSignature, Sign(ep.Secret, d.Payload))
	req.Header.Set(HeaderAttempt, fmt.Sprint(d.Attempt))

	resp, err := e.client.Do(req)
	if err != nil {
		return 0, "", fmt.Errorf("send webhook: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	return resp.StatusCode, strings.ToValidUTF8(string(body), ""), nil
}
