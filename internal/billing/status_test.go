package billing

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTransitionAllowed(t *testing.T) {
	allowed := [][2]InvoiceStatus{
		{InvoiceStatusOpen, InvoiceStatusSent},
		{InvoiceStatusOpen, InvoiceStatusCanceled},
		{InvoiceStatusSent, InvoiceStatusPaid},
		{InvoiceStatusSent, InvoiceStatusReminded14},
		{InvoiceStatusSent, InvoiceStatusCanceled},
		{InvoiceStatusReminded14, InvoiceStatusReminded30},
		{InvoiceStatusReminded14, InvoiceStatusPaid},
		{InvoiceStatusReminded30, InvoiceStatusPaid},
	}
	for _, tr := range allowed {
		require.NoError(t, Transition(tr[0], tr[1]), "%s -> %s", tr[0], tr[1])
	}
}

func TestTransitionRejected(t *testing.T) {
	rejected := [][2]InvoiceStatus{
		{InvoiceStatusOpen, InvoiceStatusPaid},
		{InvoiceStatusOpen, InvoiceStatusReminded14},
		{InvoiceStatusOpen, InvoiceStatusOpen},
		{InvoiceStatusSent, InvoiceStatusReminded30},
		{InvoiceStatusPaid, InvoiceStatusCanceled},
		{InvoiceStatusPaid, InvoiceStatusSent},
		{InvoiceStatusCanceled, InvoiceStatusOpen},
		{InvoiceStatusCanceled, InvoiceStatusSent},
		{InvoiceStatusReminded30, InvoiceStatusCanceled},
		{InvoiceStatusSent, "archived"},
	}
	for _, tr := range rejected {
		require.ErrorIs(t, Transition(tr[0], tr[1]), ErrInvalidTransition, "%s -> %s", tr[0], tr[1])
	}
}
