package messaging

import (
	"errors"

	"github.com/nats-io/nats.go"
)

const ordersStream = "ORDERS"

// EnsureStream creates (or validates) the stream carrying committed order
// events: order.event.>
func EnsureStream(js nats.JetStreamContext) error {
	if _, err := js.StreamInfo(ordersStream); err != nil {
		if errors.Is(err, nats.ErrStreamNotFound) {
			if _, addErr := js.AddStream(&nats.StreamConfig{
				Name:      ordersStream,
				Subjects:  []string{"order.event.>"},
				Retention: nats.LimitsPolicy,
				Storage:   nats.FileStorage,
				Replicas:  1,
			}); addErr != nil {
				return addErr
			}
		} else {
			return err
		}
	}
	return nil
}
