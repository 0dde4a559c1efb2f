package dispatcher

import (
	"fmt"

	"github.com/nkkko/stocksync/pkg/proto"
)

var statusBodies = map[proto.OrderStatus]string{
	proto.StatusDraft:           "Your order has been saved as a draft",
	proto.StatusSubmitted:       "Your order has been submitted",
	proto.StatusProcessing:      "Your order is being processed",
	proto.StatusFulfilled:       "Your order has been fulfilled!",
	proto.StatusCancelled:       "Your order has been cancelled",
	proto.StatusCancelRequested: "Cancellation requested for your order",
}

// FormatStatusMessage returns the title and body shown to an order's owner.
// Unknown statuses get a generic body rather than an error.
func FormatStatusMessage(status proto.OrderStatus, orderNumber string) (title, body string) {
	body, ok := statusBodies[status]
	if !ok {
		body = fmt.Sprintf("Order status updated to: %s", status)
	}
	return orderTitle(orderNumber), body
}

// FormatNewOrderMessage returns the title and body shown to a manager for a newly submitted order
func FormatNewOrderMessage(orderNumber string) (title, body string) {
	if orderNumber == "" {
		return "New Order", "A new order has been submitted"
	}
	return "New Order", fmt.Sprintf("Order #%s has been submitted", orderNumber)
}

func orderTitle(orderNumber string) string {
	if orderNumber == "" {
		return "Order Update"
	}
	return "Order #" + orderNumber
}
