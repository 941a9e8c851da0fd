package billing

import (
	"fmt"

	"github.com/qmuntal/stateless"
)

const (
	triggerDeliver  = "deliver"
	triggerMarkPaid = "mark_paid"
	triggerRemind14 = "remind14"
	triggerRemind30 = "remind30"
	triggerCancel   = "cancel"
)

func newStatusMachine(current InvoiceStatus) *stateless.StateMachine {
	machine := stateless.NewStateMachine(current)

	machine.Configure(InvoiceStatusOpen).
		Permit(triggerDeliver, InvoiceStatusSent).
		Permit(triggerCancel, InvoiceStatusCanceled)

	machine.Configure(InvoiceStatusSent).
		Permit(triggerMarkPaid, InvoiceStatusPaid).
		Permit(triggerRemind14, InvoiceStatusReminded14).
		Permit(triggerCancel, InvoiceStatusCanceled)

	machine.Configure(InvoiceStatusReminded14).
		Permit(triggerRemind30, InvoiceStatusReminded30).
		Permit(triggerMarkPaid, InvoiceStatusPaid)

	machine.Configure(InvoiceStatusReminded30).
		Permit(triggerMarkPaid, InvoiceStatusPaid)

	machine.Configure(InvoiceStatusPaid)
	machine.Configure(InvoiceStatusCanceled)

	return machine
}

func triggerFor(target InvoiceStatus) (string, bool) {
	switch target {
	case InvoiceStatusSent:
		return triggerDeliver, true
	case InvoiceStatusPaid:
		return triggerMarkPaid, true
	case InvoiceStatusReminded14:
		return triggerRemind14, true
	case InvoiceStatusReminded30:
		return triggerRemind30, true
	case InvoiceStatusCanceled:
		return triggerCancel, true
	}
	return "", false
}

// Transition validates current -> target against the invoice state machine.
func Transition(current, target InvoiceStatus) error {
	trigger, ok := triggerFor(target)
	if !ok {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, target)
	}
	machine := newStatusMachine(current)
	if err := machine.Fire(trigger); err != nil {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, target)
	}
	if machine.MustState() != target {
		return fmt.Errorf("%w: %s -> %s", ErrInvariant, current, target)
	}
	return nil
}
