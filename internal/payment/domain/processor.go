// Package domain defines the collaborator interface to the external payment
// processor. The engine stores processor ids on its own entities and never
// trusts processor state beyond what webhooks confirm.
package domain

import (
	"context"
	"errors"
	"time"
)

type SubscriptionItem struct {
	ID       string
	PriceID  string
	Quantity int64
}

type Subscription struct {
	ID               string
	Status           string
	Items            []SubscriptionItem
	CurrentPeriodEnd time.Time
	TrialEnd         *time.Time
}

type CreateSubscriptionRequest struct {
	CustomerID string
	PriceIDs   []string
	TrialEnd   *time.Time
	// Metadata keys are echoed back on webhook payloads so events can be
	// routed to the originating org.
	Metadata map[string]string
}

type UpdateItemsRequest struct {
	SubscriptionID string
	RemoveItemIDs  []string
	AddPriceIDs    []string
	TrialEnd       *time.Time
}

type CreateScheduleRequest struct {
	CustomerID string
	PriceIDs   []string
	StartsAt   time.Time
	Metadata   map[string]string
}

type ProrationBehavior string

const (
	ProrationNone             ProrationBehavior = "none"
	ProrationCreateProrations ProrationBehavior = "create_prorations"
)

type Invoice struct {
	ID       string
	Status   string
	Total    int64
	Currency string
}

// ProcessorClient is the full surface the engine needs from the processor.
// Every call runs under a bounded timeout; a timeout is a failure, never an
// assumed success.
type ProcessorClient interface {
	EnsureCustomer(ctx context.Context, name, email, internalID string) (string, error)

	CreateSubscription(ctx context.Context, req CreateSubscriptionRequest) (*Subscription, error)
	GetSubscription(ctx context.Context, subscriptionID string) (*Subscription, error)
	UpdateSubscriptionItems(ctx context.Context, req UpdateItemsRequest) (*Subscription, error)
	CancelSubscription(ctx context.Context, subscriptionID string, atPeriodEnd bool) error

	CreateSchedule(ctx context.Context, req CreateScheduleRequest) (string, error)
	ReleaseSchedule(ctx context.Context, scheduleID string) error

	UpdateItemQuantity(ctx context.Context, itemID string, quantity int64, behavior ProrationBehavior) error

	CreateInvoice(ctx context.Context, customerID, currency string, autoAdvance bool, metadata map[string]string) (*Invoice, error)
	AddInvoiceItem(ctx context.Context, customerID, invoiceID, description string, amount int64, currency string) error
	FinalizeInvoice(ctx context.Context, invoiceID string) (*Invoice, error)
	PayInvoice(ctx context.Context, invoiceID string) (*Invoice, error)
	VoidInvoice(ctx context.Context, invoiceID string) error
}

var (
	ErrPaymentDeclined  = errors.New("payment_declined")
	ErrNoPaymentMethod  = errors.New("no_payment_method")
	ErrResourceMissing  = errors.New("processor_resource_missing")
	ErrProcessorTimeout = errors.New("processor_timeout")

	ErrInvalidSignature = errors.New("invalid_signature")
	ErrInvalidPayload   = errors.New("invalid_payload")
	ErrEventIgnored     = errors.New("event_ignored")
)
