// Package stripe implements the processor client against the Stripe API.
package stripe

import (
	"context"
	"errors"
	"time"

	"github.com/meterline/meterline/internal/config"
	"github.com/meterline/meterline/internal/payment/domain"
	stripelib "github.com/stripe/stripe-go/v82"
	stripeclient "github.com/stripe/stripe-go/v82/client"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const callTimeout = 15 * time.Second

type Params struct {
	fx.In

	Cfg config.Config
	Log *zap.Logger
}

type Client struct {
	api *stripeclient.API
	log *zap.Logger
}

func New(p Params) domain.ProcessorClient {
	api := &stripeclient.API{}
	api.Init(p.Cfg.StripeSecretKey, nil)
	return &Client{
		api: api,
		log: p.Log.Named("payment.stripe"),
	}
}

func (c *Client) params(ctx context.Context) stripelib.Params {
	return stripelib.Params{Context: ctx}
}

func (c *Client) EnsureCustomer(ctx context.Context, name, email, internalID string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	params := &stripelib.CustomerParams{
		Params: c.params(ctx),
		Name:   stripelib.String(name),
		Email:  stripelib.String(email),
	}
	params.AddMetadata("customer_id", internalID)

	cus, err := c.api.Customers.New(params)
	if err != nil {
		return "", mapErr(err)
	}
	return cus.ID, nil
}

func (c *Client) CreateSubscription(ctx context.Context, req domain.CreateSubscriptionRequest) (*domain.Subscription, error) {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	params := &stripelib.SubscriptionParams{
		Params:          c.params(ctx),
		Customer:        stripelib.String(req.CustomerID),
		PaymentBehavior: stripelib.String("error_if_incomplete"),
	}
	for _, priceID := range req.PriceIDs {
		params.Items = append(params.Items, &stripelib.SubscriptionItemsParams{
			Price: stripelib.String(priceID),
		})
	}
	if req.TrialEnd != nil {
		params.TrialEnd = stripelib.Int64(req.TrialEnd.Unix())
	}
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}

	sub, err := c.api.Subscriptions.New(params)
	if err != nil {
		return nil, mapErr(err)
	}
	return toSubscription(sub), nil
}

func (c *Client) GetSubscription(ctx context.Context, subscriptionID string) (*domain.Subscription, error) {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	sub, err := c.api.Subscriptions.Get(subscriptionID, &stripelib.SubscriptionParams{Params: c.params(ctx)})
	if err != nil {
		return nil, mapErr(err)
	}
	return toSubscription(sub), nil
}

func (c *Client) UpdateSubscriptionItems(ctx context.Context, req domain.UpdateItemsRequest) (*domain.Subscription, error) {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	params := &stripelib.SubscriptionParams{Params: c.params(ctx)}
	for _, itemID := range req.RemoveItemIDs {
		params.Items = append(params.Items, &stripelib.SubscriptionItemsParams{
			ID:      stripelib.String(itemID),
			Deleted: stripelib.Bool(true),
		})
	}
	for _, priceID := range req.AddPriceIDs {
		params.Items = append(params.Items, &stripelib.SubscriptionItemsParams{
			Price: stripelib.String(priceID),
		})
	}
	if req.TrialEnd != nil {
		params.TrialEnd = stripelib.Int64(req.TrialEnd.Unix())
	}

	sub, err := c.api.Subscriptions.Update(req.SubscriptionID, params)
	if err != nil {
		return nil, mapErr(err)
	}
	return toSubscription(sub), nil
}

func (c *Client) CancelSubscription(ctx context.Context, subscriptionID string, atPeriodEnd bool) error {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	if atPeriodEnd {
		_, err := c.api.Subscriptions.Update(subscriptionID, &stripelib.SubscriptionParams{
			Params:            c.params(ctx),
			CancelAtPeriodEnd: stripelib.Bool(true),
		})
		return mapErr(err)
	}
	_, err := c.api.Subscriptions.Cancel(subscriptionID, &stripelib.SubscriptionCancelParams{Params: c.params(ctx)})
	return mapErr(err)
}

func (c *Client) CreateSchedule(ctx context.Context, req domain.CreateScheduleRequest) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	phase := &stripelib.SubscriptionSchedulePhaseParams{}
	for _, priceID := range req.PriceIDs {
		phase.Items = append(phase.Items, &stripelib.SubscriptionSchedulePhaseItemParams{
			Price: stripelib.String(priceID),
		})
	}

	params := &stripelib.SubscriptionScheduleParams{
		Params:    c.params(ctx),
		Customer:  stripelib.String(req.CustomerID),
		StartDate: stripelib.Int64(req.StartsAt.Unix()),
		Phases:    []*stripelib.SubscriptionSchedulePhaseParams{phase},
	}
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}

	schedule, err := c.api.SubscriptionSchedules.New(params)
	if err != nil {
		return "", mapErr(err)
	}
	return schedule.ID, nil
}

func (c *Client) ReleaseSchedule(ctx context.Context, scheduleID string) error {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	_, err := c.api.SubscriptionSchedules.Release(scheduleID, &stripelib.SubscriptionScheduleReleaseParams{Params: c.params(ctx)})
	return mapErr(err)
}

func (c *Client) UpdateItemQuantity(ctx context.Context, itemID string, quantity int64, behavior domain.ProrationBehavior) error {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	_, err := c.api.SubscriptionItems.Update(itemID, &stripelib.SubscriptionItemParams{
		Params:            c.params(ctx),
		Quantity:          stripelib.Int64(quantity),
		ProrationBehavior: stripelib.String(string(behavior)),
	})
	return mapErr(err)
}

func (c *Client) CreateInvoice(ctx context.Context, customerID, currency string, autoAdvance bool, metadata map[string]string) (*domain.Invoice, error) {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	params := &stripelib.InvoiceParams{
		Params:      c.params(ctx),
		Customer:    stripelib.String(customerID),
		Currency:    stripelib.String(currency),
		AutoAdvance: stripelib.Bool(autoAdvance),
	}
	for k, v := range metadata {
		params.AddMetadata(k, v)
	}
	inv, err := c.api.Invoices.New(params)
	if err != nil {
		return nil, mapErr(err)
	}
	return toInvoice(inv), nil
}

func (c *Client) AddInvoiceItem(ctx context.Context, customerID, invoiceID, description string, amount int64, currency string) error {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	_, err := c.api.InvoiceItems.New(&stripelib.InvoiceItemParams{
		Params:      c.params(ctx),
		Customer:    stripelib.String(customerID),
		Invoice:     stripelib.String(invoiceID),
		Description: stripelib.String(description),
		Amount:      stripelib.Int64(amount),
		Currency:    stripelib.String(currency),
	})
	return mapErr(err)
}

func (c *Client) FinalizeInvoice(ctx context.Context, invoiceID string) (*domain.Invoice, error) {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	inv, err := c.api.Invoices.FinalizeInvoice(invoiceID, &stripelib.InvoiceFinalizeInvoiceParams{Params: c.params(ctx)})
	if err != nil {
		return nil, mapErr(err)
	}
	return toInvoice(inv), nil
}

func (c *Client) PayInvoice(ctx context.Context, invoiceID string) (*domain.Invoice, error) {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	inv, err := c.api.Invoices.Pay(invoiceID, &stripelib.InvoicePayParams{Params: c.params(ctx)})
	if err != nil {
		return nil, mapErr(err)
	}
	return toInvoice(inv), nil
}

func (c *Client) VoidInvoice(ctx context.Context, invoiceID string) error {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	_, err := c.api.Invoices.VoidInvoice(invoiceID, &stripelib.InvoiceVoidInvoiceParams{Params: c.params(ctx)})
	return mapErr(err)
}

func toSubscription(sub *stripelib.Subscription) *domain.Subscription {
	out := &domain.Subscription{
		ID:     sub.ID,
		Status: string(sub.Status),
	}
	if sub.Items != nil {
		for _, item := range sub.Items.Data {
			si := domain.SubscriptionItem{ID: item.ID, Quantity: item.Quantity}
			if item.Price != nil {
				si.PriceID = item.Price.ID
			}
			out.Items = append(out.Items, si)
			if item.CurrentPeriodEnd > 0 && out.CurrentPeriodEnd.IsZero() {
				out.CurrentPeriodEnd = time.Unix(item.CurrentPeriodEnd, 0).UTC()
			}
		}
	}
	if sub.TrialEnd > 0 {
		trialEnd := time.Unix(sub.TrialEnd, 0).UTC()
		out.TrialEnd = &trialEnd
	}
	return out
}

func toInvoice(inv *stripelib.Invoice) *domain.Invoice {
	return &domain.Invoice{
		ID:       inv.ID,
		Status:   string(inv.Status),
		Total:    inv.Total,
		Currency: string(inv.Currency),
	}
}

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.ErrProcessorTimeout
	}

	var stripeErr *stripelib.Error
	if errors.As(err, &stripeErr) {
		switch stripeErr.Code {
		case stripelib.ErrorCodeCardDeclined, stripelib.ErrorCodeExpiredCard:
			return domain.ErrPaymentDeclined
		case stripelib.ErrorCodeResourceMissing:
			return domain.ErrResourceMissing
		case stripelib.ErrorCodeMissing:
			return domain.ErrNoPaymentMethod
		}
		if stripeErr.Type == stripelib.ErrorTypeCard {
			return domain.ErrPaymentDeclined
		}
	}
	return err
}

var Module = fx.Module("payment.stripe",
	fx.Provide(New),
)
