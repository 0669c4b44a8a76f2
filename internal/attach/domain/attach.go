// Package domain defines the subscription change orchestrator's contract:
// one Attach operation that resolves to create, no-op, upgrade, or scheduled
// downgrade depending on the customer's current product.
package domain

import (
	"context"
	"errors"
	"time"
)

type Decision string

const (
	DecisionCreatedFree  Decision = "created_free"
	DecisionCreatedPaid  Decision = "created_paid"
	DecisionNoOp         Decision = "noop"
	DecisionUpgraded     Decision = "upgraded"
	DecisionDowngraded   Decision = "downgrade_scheduled"
	DecisionTrialRestart Decision = "trial_restarted"
)

type Request struct {
	CustomerID string `json:"customer_id"`
	ProductID  string `json:"product_id"`

	// Options override entitlement quantities and thresholds for this attach.
	Quantities map[string]float64 `json:"quantities,omitempty"`
	Thresholds map[string]float64 `json:"thresholds,omitempty"`
	TrialDays  int                `json:"trial_days,omitempty"`

	// KeepResetIntervals preserves existing reset boundaries across an
	// upgrade so grouped balances are not needlessly reset.
	KeepResetIntervals bool `json:"keep_reset_intervals,omitempty"`
}

type Response struct {
	Decision          Decision   `json:"decision"`
	CustomerProductID string     `json:"customer_product_id,omitempty"`
	SubscriptionID    string     `json:"subscription_id,omitempty"`
	ScheduleID        string     `json:"schedule_id,omitempty"`
	EffectiveAt       *time.Time `json:"effective_at,omitempty"`
}

type Service interface {
	Attach(ctx context.Context, req Request) (*Response, error)
}

var (
	ErrInvalidOrganization = errors.New("invalid_organization")
	ErrInvalidRequest      = errors.New("invalid_request")
	ErrCustomerNotFound    = errors.New("customer_not_found")
	ErrProductNotFound     = errors.New("product_not_found")
	ErrChangeInFlight      = errors.New("change_in_flight")
	ErrAlreadyAttached     = errors.New("product_already_attached")
)
