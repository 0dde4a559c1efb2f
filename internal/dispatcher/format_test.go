package dispatcher

import (
	"fmt"
	"strings"
	"testing"

	"github.com/nkkko/stocksync/pkg/proto"
	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
)

func TestFormatStatusMessagesGolden(t *testing.T) {
	statuses := []proto.OrderStatus{
		proto.StatusDraft,
		proto.StatusSubmitted,
		proto.StatusProcessing,
		proto.StatusFulfilled,
		proto.StatusCancelled,
		proto.StatusCancelRequested,
		"on_hold",
	}

	var b strings.Builder
	for _, status := range statuses {
		title, body := FormatStatusMessage(status, "1001")
		fmt.Fprintf(&b, "%s\t%s\t%s\n", status, title, body)
	}
	title, body := FormatNewOrderMessage("1001")
	fmt.Fprintf(&b, "new_order\t%s\t%s\n", title, body)

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "messages", []byte(b.String()))
}

func TestFormatStatusMessageFulfilled(t *testing.T) {
	title, body := FormatStatusMessage(proto.StatusFulfilled, "42")
	assert.Equal(t, "Order #42", title)
	assert.Equal(t, "Your order has been fulfilled!", body)
}

func TestFormatWithoutOrderNumber(t *testing.T) {
	title, _ := FormatStatusMessage(proto.StatusProcessing, "")
	assert.Equal(t, "Order Update", title)

	title, body := FormatNewOrderMessage("")
	assert.Equal(t, "New Order", title)
	assert.Equal(t, "A new order has been submitted", body)
}
