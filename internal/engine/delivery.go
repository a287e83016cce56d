package engine

import "context"

type deliveryKey struct{}

// WithDeliveryID attaches the queue item id an operation is delivered
// under. A live attempt and every replay of the same item carry the same
// id, so handlers can send it as an idempotency key.
func WithDeliveryID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, deliveryKey{}, id)
}

// DeliveryID returns the id set by WithDeliveryID.
func DeliveryID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(deliveryKey{}).(string)
	return id, ok && id != ""
}
