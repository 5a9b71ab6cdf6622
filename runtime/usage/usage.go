// Package usage meters provider spend per organization and enforces monthly
// budgets. Every request appends to a daily list and advances a monthly
// aggregate hash in one pipeline; budget checks derive a status from the
// aggregate and the organization's configured budget. Costs are integer
// millionths of a currency unit so aggregation never drifts.
package usage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"goa.design/relay/runtime/account"
	"goa.design/relay/runtime/kv"
	"goa.design/relay/runtime/telemetry"
)

// ErrBudgetExceeded is returned by EnforceBudgetWithAlert when the
// organization has spent its monthly budget.
var ErrBudgetExceeded = errors.New("monthly budget exceeded")

type (
	// Options configures an Accountant. Store and Accounts are required.
	Options struct {
		// Store is the shared keyed store holding usage lists and hashes.
		Store kv.Store
		// Accounts supplies organization budgets.
		Accounts account.Store
		// Prices overrides or extends the built-in per-model price table.
		Prices map[string]Price
		// Alerts receives budget alerts. Nil drops them with a log.
		Alerts AlertSink
		// WarningPercent and CriticalPercent set the spend percentages at
		// which the budget status escalates. Defaults 80 and 90; exceeded is
		// always 100. 0 < warning < critical < 100 must hold.
		WarningPercent  float64
		CriticalPercent float64
		// Now supplies the clock. Defaults to time.Now.
		Now func() time.Time
		// Logger records dropped writes and degraded reads. Defaults to noop.
		Logger telemetry.Logger
		// Metrics counts delivered alerts. Defaults to noop.
		Metrics telemetry.Metrics
	}

	// Price is a model's token pricing in millionths of a currency unit per
	// million tokens.
	Price struct {
		InputPerMTok  int64
		OutputPerMTok int64
	}

	// Record is one request's usage.
	Record struct {
		OrganizationID string    `json:"organizationId"`
		SessionID      string    `json:"sessionId,omitempty"`
		Model          string    `json:"model,omitempty"`
		InputTokens    int64     `json:"inputTokens"`
		OutputTokens   int64     `json:"outputTokens"`
		CostMicros     int64     `json:"costMicros"`
		Category       string    `json:"category,omitempty"`
		Timestamp      time.Time `json:"timestamp"`
	}

	// BudgetState classifies how much of the monthly budget is spent.
	BudgetState string

	// BudgetStatus is the derived budget position of one organization.
	BudgetStatus struct {
		BudgetMinor    int64
		SpentMinor     int64
		RemainingMinor int64
		UsedPercent    float64
		Status         BudgetState
	}

	// Alert is one pending or delivered budget alert.
	Alert struct {
		OrganizationID string
		Status         BudgetStatus
		Threshold      BudgetState
		At             time.Time
	}

	// AlertSink delivers budget alerts. Implementations own their transport;
	// errors are logged by the caller.
	AlertSink func(ctx context.Context, a Alert) error

	// Accountant meters usage and checks budgets. Safe for concurrent use.
	Accountant struct {
		store           kv.Store
		accounts        account.Store
		prices          map[string]Price
		alerts          AlertSink
		warningPercent  float64
		criticalPercent float64
		now             func() time.Time
		log             telemetry.Logger
		metrics         telemetry.Metrics
	}
)

// Budget states in escalation order.
const (
	BudgetWithin   BudgetState = "within"
	BudgetWarning  BudgetState = "warning"
	BudgetCritical BudgetState = "critical"
	BudgetExceeded BudgetState = "exceeded"
)

// Default budget thresholds in percent of budget spent. Exceeded is fixed.
const (
	defaultWarningPercent  = 80
	defaultCriticalPercent = 90
	exceededPercent        = 100
)

// One budget minor unit is 10^4 cost micros.
const microsPerMinor = 10_000

// Key layout and retention.
const (
	dailyPrefix       = "usage:daily:"
	monthlyPrefix     = "usage:monthly:"
	alertMarkerPrefix = "budget_alert_sent:"

	dailyTTL   = 7 * 24 * time.Hour
	monthlyTTL = 45 * 24 * time.Hour

	// alertTimeout bounds fire-and-forget alert delivery.
	alertTimeout = 10 * time.Second
)

// DefaultPrices is the built-in per-model price table, in millionths of a
// currency unit per million tokens.
var DefaultPrices = map[string]Price{
	"claude-opus-4":      {InputPerMTok: 15_000_000, OutputPerMTok: 75_000_000},
	"claude-sonnet-4":    {InputPerMTok: 3_000_000, OutputPerMTok: 15_000_000},
	"claude-haiku-3-5":   {InputPerMTok: 800_000, OutputPerMTok: 4_000_000},
	"gpt-4o":             {InputPerMTok: 2_500_000, OutputPerMTok: 10_000_000},
	"gpt-4o-mini":        {InputPerMTok: 150_000, OutputPerMTok: 600_000},
	"titan-text-premier": {InputPerMTok: 500_000, OutputPerMTok: 1_500_000},
}

// fallbackPrice applies to models the table does not know.
var fallbackPrice = Price{InputPerMTok: 1_000_000, OutputPerMTok: 3_000_000}

// New builds an Accountant from opts.
func New(opts Options) (*Accountant, error) {
	if opts.Store == nil {
		return nil, errors.New("Store is required")
	}
	if opts.Accounts == nil {
		return nil, errors.New("Accounts is required")
	}
	if opts.WarningPercent == 0 {
		opts.WarningPercent = defaultWarningPercent
	}
	if opts.CriticalPercent == 0 {
		opts.CriticalPercent = defaultCriticalPercent
	}
	if opts.WarningPercent <= 0 || opts.WarningPercent >= opts.CriticalPercent || opts.CriticalPercent >= exceededPercent {
		return nil, fmt.Errorf("invalid budget thresholds: warning %v, critical %v", opts.WarningPercent, opts.CriticalPercent)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NewNoopMetrics()
	}
	prices := make(map[string]Price, len(DefaultPrices)+len(opts.Prices))
	for m, p := range DefaultPrices {
		prices[m] = p
	}
	for m, p := range opts.Prices {
		prices[m] = p
	}
	return &Accountant{
		store:           opts.Store,
		accounts:        opts.Accounts,
		prices:          prices,
		alerts:          opts.Alerts,
		warningPercent:  opts.WarningPercent,
		criticalPercent: opts.CriticalPercent,
		now:             opts.Now,
		log:             opts.Logger,
		metrics:         opts.Metrics,
	}, nil
}

// Cost computes the price of a request in cost micros.
func (p Price) Cost(inputTokens, outputTokens int64) int64 {
	return inputTokens*p.InputPerMTok/1_000_000 + outputTokens*p.OutputPerMTok/1_000_000
}

// TrackUsage appends the record to the organization's daily list and
// advances the monthly aggregate in one pipeline. Usage metering is
// best-effort: store failures are logged and the record dropped.
func (a *Accountant) TrackUsage(ctx context.Context, rec Record) {
	if rec.OrganizationID == "" {
		a.log.Warn(ctx, "usage record without organization dropped", "model", rec.Model)
		return
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = a.now()
	}
	rec.Timestamp = rec.Timestamp.UTC()
	if rec.CostMicros == 0 {
		rec.CostMicros = a.price(rec.Model).Cost(rec.InputTokens, rec.OutputTokens)
	}

	payload, err := json.Marshal(rec)
	if err != nil {
		a.log.Warn(ctx, "usage record not encodable", "org", rec.OrganizationID, "err", err.Error())
		return
	}

	dailyKey := dailyPrefix + rec.OrganizationID + ":" + rec.Timestamp.Format("2006-01-02")
	monthlyKey := a.monthlyKey(rec.OrganizationID, rec.Timestamp)
	err = a.store.Pipelined(ctx, func(p kv.Pipeliner) error {
		p.RPush(dailyKey, payload)
		p.Expire(dailyKey, dailyTTL)
		p.HIncrBy(monthlyKey, "totalCost", rec.CostMicros)
		p.HIncrBy(monthlyKey, "totalInputTokens", rec.InputTokens)
		p.HIncrBy(monthlyKey, "totalOutputTokens", rec.OutputTokens)
		p.HIncrBy(monthlyKey, "requestCount", 1)
		if rec.Model != "" {
			p.HIncrBy(monthlyKey, "model:"+rec.Model+":cost", rec.CostMicros)
			p.HIncrBy(monthlyKey, "model:"+rec.Model+":requests", 1)
		}
		if rec.Category != "" {
			p.HIncrBy(monthlyKey, "category:"+rec.Category+":cost", rec.CostMicros)
			p.HIncrBy(monthlyKey, "category:"+rec.Category+":requests", 1)
		}
		p.Expire(monthlyKey, monthlyTTL)
		return nil
	})
	if err != nil {
		a.log.Warn(ctx, "usage not recorded", "org", rec.OrganizationID, "err", err.Error())
	}
}

func (a *Accountant) price(model string) Price {
	if p, ok := a.prices[model]; ok {
		return p
	}
	return fallbackPrice
}

// DailyRecords returns the organization's usage records for one calendar
// day, oldest first. Undecodable entries are skipped with a warning.
func (a *Accountant) DailyRecords(ctx context.Context, org string, day time.Time) ([]Record, error) {
	key := dailyPrefix + org + ":" + day.UTC().Format("2006-01-02")
	rows, err := a.store.LRange(ctx, key, 0, -1)
	if err != nil {
		return nil, fmt.Errorf("read daily usage for %q: %w", org, err)
	}
	records := make([]Record, 0, len(rows))
	for _, row := range rows {
		var rec Record
		if err := json.Unmarshal([]byte(row), &rec); err != nil {
			a.log.Warn(ctx, "corrupt usage record skipped", "org", org, "err", err.Error())
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

// CheckBudget derives the organization's budget position for the current
// month. Reads degrade: an unreadable store or an unknown organization
// reports spend against a zero budget rather than erroring.
func (a *Accountant) CheckBudget(ctx context.Context, org string) BudgetStatus {
	status := BudgetStatus{Status: BudgetWithin}

	o, err := a.accounts.GetOrganization(ctx, org)
	switch {
	case err == nil:
		status.BudgetMinor = o.MonthlyBudgetMinor
	case errors.Is(err, account.ErrNotFound):
		// No budget configured.
	default:
		a.log.Warn(ctx, "organization budget unreadable", "org", org, "err", err.Error())
	}

	fields, err := a.store.HGetAll(ctx, a.monthlyKey(org, a.now()))
	if err != nil {
		a.log.Warn(ctx, "monthly usage unreadable", "org", org, "err", err.Error())
	}
	spentMicros, _ := strconv.ParseInt(fields["totalCost"], 10, 64)
	status.SpentMinor = spentMicros / microsPerMinor

	if status.BudgetMinor <= 0 {
		// Unlimited: no budget, nothing to exceed.
		return status
	}

	status.RemainingMinor = max(status.BudgetMinor-status.SpentMinor, 0)
	status.UsedPercent = float64(status.SpentMinor) / float64(status.BudgetMinor) * 100
	switch {
	case status.UsedPercent >= exceededPercent:
		status.Status = BudgetExceeded
	case status.UsedPercent >= a.criticalPercent:
		status.Status = BudgetCritical
	case status.UsedPercent >= a.warningPercent:
		status.Status = BudgetWarning
	}
	return status
}

// CheckBudgetAlert reports whether a budget alert should go out now: the
// organization is at or past a threshold and that threshold has not alerted
// this month.
func (a *Accountant) CheckBudgetAlert(ctx context.Context, org string) (Alert, bool) {
	return a.pendingAlert(ctx, org, a.CheckBudget(ctx, org))
}

func (a *Accountant) pendingAlert(ctx context.Context, org string, status BudgetStatus) (Alert, bool) {
	if status.Status == BudgetWithin {
		return Alert{}, false
	}
	n, err := a.store.Exists(ctx, a.markerKey(org, status.Status))
	if err != nil {
		a.log.Warn(ctx, "alert marker unreadable", "org", org, "err", err.Error())
		return Alert{}, false
	}
	if n > 0 {
		return Alert{}, false
	}
	return Alert{
		OrganizationID: org,
		Status:         status,
		Threshold:      status.Status,
		At:             a.now(),
	}, true
}

// SendBudgetAlert delivers the alert through the sink and marks its
// threshold sent for the rest of the month. A marker write failure only
// warns; the worst case is a duplicate alert, never a missed one.
func (a *Accountant) SendBudgetAlert(ctx context.Context, alert Alert) error {
	if a.alerts == nil {
		a.log.Warn(ctx, "budget alert dropped, no sink configured",
			"org", alert.OrganizationID, "threshold", string(alert.Threshold))
		return nil
	}
	if err := a.alerts(ctx, alert); err != nil {
		return fmt.Errorf("deliver budget alert for %q: %w", alert.OrganizationID, err)
	}
	a.metrics.IncCounter(telemetry.MetricBudgetAlerts, 1, "threshold", string(alert.Threshold))
	if err := a.MarkAlertSent(ctx, alert.OrganizationID, alert.Threshold); err != nil {
		a.log.Warn(ctx, "alert marker not set", "org", alert.OrganizationID, "err", err.Error())
	}
	return nil
}

// MarkAlertSent suppresses further alerts for the threshold until the month
// rolls over.
func (a *Accountant) MarkAlertSent(ctx context.Context, org string, threshold BudgetState) error {
	ttl := a.monthRemainder() + 24*time.Hour
	return a.store.Set(ctx, a.markerKey(org, threshold), []byte("1"), ttl)
}

// EnforceBudgetWithAlert blocks requests from organizations past their
// budget and fires any pending alert on the way, detached from the request:
// alert delivery must not add latency or inherit the caller's cancellation.
func (a *Accountant) EnforceBudgetWithAlert(ctx context.Context, org string) error {
	status := a.CheckBudget(ctx, org)
	if alert, ok := a.pendingAlert(ctx, org, status); ok {
		go a.deliver(context.WithoutCancel(ctx), alert)
	}
	if status.Status == BudgetExceeded {
		return fmt.Errorf("organization %s: %w", org, ErrBudgetExceeded)
	}
	return nil
}

func (a *Accountant) deliver(ctx context.Context, alert Alert) {
	ctx, cancel := context.WithTimeout(ctx, alertTimeout)
	defer cancel()
	if err := a.SendBudgetAlert(ctx, alert); err != nil {
		a.log.Error(ctx, "budget alert delivery failed",
			"org", alert.OrganizationID, "threshold", string(alert.Threshold), "err", err.Error())
	}
}

func (a *Accountant) monthlyKey(org string, at time.Time) string {
	return monthlyPrefix + org + ":" + at.UTC().Format("2006-01")
}

func (a *Accountant) markerKey(org string, threshold BudgetState) string {
	return alertMarkerPrefix + org + ":" + a.now().UTC().Format("2006-01") + ":" + string(threshold)
}

func (a *Accountant) monthRemainder() time.Duration {
	now := a.now().UTC()
	firstOfNext := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
	return firstOfNext.Sub(now)
}
