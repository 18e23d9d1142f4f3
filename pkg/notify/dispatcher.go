package notify

import (
	"context"
	"fmt"

	"github.com/mihaimyh/payrecon/pkg/recon"
)

// Dispatcher turns a Notifier into a recon.ResultCallback. It fires a
// confirmation email and a newsletter subscription on applied paid
// transitions; other transitions are ignored. Errors and panics are contained
// here so side effects can never fail a webhook or roll back a transition.
type Dispatcher struct {
	notifier Notifier
	logger   recon.Logger

	// ResolveContact returns the recipient for an entity. Contact data lives
	// with the application, not in the reconciliation store.
	resolveContact func(ctx context.Context, entity recon.PayableEntity) (email, firstName, lastName string, err error)
}

// NewDispatcher creates a dispatcher over the given notifier. resolveContact
// is required; logger may be nil.
func NewDispatcher(
	notifier Notifier,
	resolveContact func(ctx context.Context, entity recon.PayableEntity) (email, firstName, lastName string, err error),
	logger recon.Logger,
) (*Dispatcher, error) {
	if notifier == nil {
		return nil, fmt.Errorf("notifier is required")
	}
	if resolveContact == nil {
		return nil, fmt.Errorf("resolveContact is required")
	}
	if logger == nil {
		logger = &recon.NoopLogger{}
	}
	return &Dispatcher{
		notifier:       notifier,
		logger:         logger,
		resolveContact: resolveContact,
	}, nil
}

// Callback returns the recon.ResultCallback to plug into the engine config
func (d *Dispatcher) Callback() recon.ResultCallback {
	return d.dispatch
}

func (d *Dispatcher) dispatch(ctx context.Context, event recon.ReconcileEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("notification dispatch panic",
				recon.Field{Key: "entity_id", Value: event.Entity.ID},
				recon.Field{Key: "panic", Value: fmt.Sprint(r)})
			err = nil
		}
	}()

	if event.NewStatus != recon.PaymentStatusPaid {
		return nil
	}

	email, firstName, lastName, err := d.resolveContact(ctx, event.Entity)
	if err != nil || email == "" {
		d.logger.Warn("could not resolve contact for notification",
			recon.Field{Key: "entity_id", Value: event.Entity.ID},
			recon.Field{Key: "entity_type", Value: event.Entity.Type})
		return nil
	}

	if sendErr := d.notifier.SendEmail(ctx, Email{
		To:      email,
		Subject: confirmationSubject(event.Entity.Type),
		Body:    confirmationBody(event),
	}); sendErr != nil {
		d.logger.Error("confirmation email failed",
			recon.Field{Key: "entity_id", Value: event.Entity.ID},
			recon.Field{Key: "error", Value: sendErr.Error()})
	}

	// Only members join the mailing list
	if event.Entity.Type == recon.EntityTypeMembership {
		if subErr := d.notifier.AddSubscriber(ctx, Subscriber{
			Email:     email,
			FirstName: firstName,
			LastName:  lastName,
		}); subErr != nil {
			d.logger.Error("newsletter subscription failed",
				recon.Field{Key: "entity_id", Value: event.Entity.ID},
				recon.Field{Key: "error", Value: subErr.Error()})
		}
	}

	return nil
}

func confirmationSubject(entityType recon.EntityType) string {
	switch entityType {
	case recon.EntityTypeMembership:
		return "Your membership is active"
	case recon.EntityTypeDonation:
		return "Thank you for your donation"
	case recon.EntityTypeOrder:
		return "Your order is confirmed"
	default:
		return "Payment received"
	}
}

func confirmationBody(event recon.ReconcileEvent) string {
	return fmt.Sprintf("We received your payment of %s %s (transaction %s).",
		event.Amount.StringFixed(2), event.Currency, event.TransactionID)
}
