package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"goa.design/relay/runtime/account"
	"goa.design/relay/runtime/breaker"
	"goa.design/relay/runtime/pool"
	"goa.design/relay/runtime/usage"
	"goa.design/relay/runtime/webhook"
)

// Organization settings consulted for event delivery.
const (
	// SettingWebhookURL is the organization's event delivery URL.
	// Organizations without one receive no event webhooks.
	SettingWebhookURL = "webhook_url"
	// SettingWebhookSecret, when set, signs event webhook bodies.
	SettingWebhookSecret = "webhook_secret"
)

type (
	// CircuitEvent is the webhook body sent when an account's circuit
	// opens or closes.
	CircuitEvent struct {
		AccountID      string    `json:"accountId"`
		OrganizationID string    `json:"organizationId"`
		Provider       string    `json:"provider"`
		State          string    `json:"state"`
		Reason         string    `json:"reason,omitempty"`
		At             time.Time `json:"at"`
	}

	// BudgetEvent is the webhook body sent when an organization crosses a
	// budget threshold.
	BudgetEvent struct {
		OrganizationID string    `json:"organizationId"`
		Threshold      string    `json:"threshold"`
		UsedPercent    float64   `json:"usedPercent"`
		SpentMinor     int64     `json:"spentMinor"`
		BudgetMinor    int64     `json:"budgetMinor"`
		At             time.Time `json:"at"`
	}
)

// onCircuitEvent receives pool events synchronously on the recording path,
// so it only spawns the fan-out and returns.
func (o *Orchestrator) onCircuitEvent(_ context.Context, e pool.Event) {
	go o.fanoutCircuit(e)
}

// fanoutCircuit replicates the transition to the fleet status map and
// notifies the owning organization. Detached from the recording path; bounded
// by the refresh timeout.
func (o *Orchestrator) fanoutCircuit(e pool.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), o.refreshTimeout)
	defer cancel()

	state := breaker.Closed
	if e.Kind == pool.EventCircuitOpened {
		state = breaker.Open
	}
	o.setFleetState(ctx, e.AccountID, state)

	body, err := json.Marshal(CircuitEvent{
		AccountID:      e.AccountID,
		OrganizationID: e.OrganizationID,
		Provider:       e.Provider,
		State:          string(state),
		Reason:         e.Reason,
		At:             e.At,
	})
	if err != nil {
		o.log.Warn(ctx, "circuit event not encodable", "account", e.AccountID, "err", err.Error())
		return
	}
	if err := o.notifyOrganization(ctx, e.OrganizationID, string(e.Kind), body); err != nil {
		o.log.Warn(ctx, "circuit event not delivered",
			"account", e.AccountID, "org", e.OrganizationID, "err", err.Error())
	}
}

// deliverBudgetAlert is the usage alert sink: it turns threshold crossings
// into event webhooks. The accountant owns retry and once-per-month marking.
func (o *Orchestrator) deliverBudgetAlert(ctx context.Context, a usage.Alert) error {
	body, err := json.Marshal(BudgetEvent{
		OrganizationID: a.OrganizationID,
		Threshold:      string(a.Threshold),
		UsedPercent:    a.Status.UsedPercent,
		SpentMinor:     a.Status.SpentMinor,
		BudgetMinor:    a.Status.BudgetMinor,
		At:             a.At,
	})
	if err != nil {
		return fmt.Errorf("encode budget alert: %w", err)
	}
	return o.notifyOrganization(ctx, a.OrganizationID, "budget_"+string(a.Threshold), body)
}

// notifyOrganization enqueues an event webhook for the organization when it
// has a delivery URL configured. Organizations without one, and unknown
// organizations, are skipped without error.
func (o *Orchestrator) notifyOrganization(ctx context.Context, orgID, eventType string, body []byte) error {
	org, err := o.accounts.GetOrganization(ctx, orgID)
	if errors.Is(err, account.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load organization %q: %w", orgID, err)
	}
	url := org.Settings[SettingWebhookURL]
	if url == "" {
		return nil
	}
	if _, err := o.webhooks.Enqueue(ctx, webhook.Request{
		URL:            url,
		EventType:      eventType,
		Body:           body,
		OrganizationID: orgID,
		Secret:         org.Settings[SettingWebhookSecret],
	}); err != nil {
		return fmt.Errorf("enqueue %s webhook: %w", eventType, err)
	}
	return nil
}

func (o *Orchestrator) setFleetState(ctx context.Context, accountID string, state breaker.State) {
	if o.statusMap != nil {
		if _, err := o.statusMap.Set(ctx, accountID, string(state)); err != nil {
			o.log.Warn(ctx, "fleet status not replicated", "account", accountID, "err", err.Error())
		}
		return
	}
	o.fleetMu.Lock()
	o.fleetLocal[accountID] = state
	o.fleetMu.Unlock()
}

// FleetStatus reports the circuit state of every account that has
// transitioned, keyed by account ID. With fleet coordination the view is
// read from the replicated map and covers all processes; standalone it
// covers this process only.
func (o *Orchestrator) FleetStatus(context.Context) map[string]breaker.State {
	if o.statusMap != nil {
		out := make(map[string]breaker.State)
		for _, id := range o.statusMap.Keys() {
			if v, ok := o.statusMap.Get(id); ok {
				out[id] = breaker.State(v)
			}
		}
		return out
	}

	o.fleetMu.Lock()
	defer o.fleetMu.Unlock()
	out := make(map[string]breaker.State, len(o.fleetLocal))
	for id, s := range o.fleetLocal {
		out[id] = s
	}
	return out
}
