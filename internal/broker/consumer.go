package broker

import (
	amqp "github.com/rabbitmq/amqp091-go"
)

// ConsumeOkHandler is called once the broker confirms a consumer
type ConsumeOkHandler func(tag string)

// CancelHandler is called when a consumer is cancelled, either by the
// broker (OnCancel) or in response to a local cancel (OnCancelOk)
type CancelHandler func(tag string)

// DeliveryHandler is called for every delivery of a consumer
type DeliveryHandler func(tag string, delivery amqp.Delivery)

// ConsumerShutdownHandler is called when the channel of a consumer goes away
type ConsumerShutdownHandler func(tag string, sig ShutdownSignal)

// Consumer is the set of callbacks attached to a basic.consume. Any
// handler may be nil. The same Consumer value is reused when the consumer
// is recovered on a new connection.
type Consumer struct {
	OnConsumeOk ConsumeOkHandler
	OnCancel    CancelHandler
	OnCancelOk  CancelHandler
	OnShutdown  ConsumerShutdownHandler
	OnRecoverOk ConsumeOkHandler
	OnDelivery  DeliveryHandler
}

// HandleConsumeOk dispatches to OnConsumeOk
func (c *Consumer) HandleConsumeOk(tag string) {
	if c != nil && c.OnConsumeOk != nil {
		c.OnConsumeOk(tag)
	}
}

// HandleCancel dispatches to OnCancel
func (c *Consumer) HandleCancel(tag string) {
	if c != nil && c.OnCancel != nil {
		c.OnCancel(tag)
	}
}

// HandleCancelOk dispatches to OnCancelOk
func (c *Consumer) HandleCancelOk(tag string) {
	if c != nil && c.OnCancelOk != nil {
		c.OnCancelOk(tag)
	}
}

// HandleShutdown dispatches to OnShutdown
func (c *Consumer) HandleShutdown(tag string, sig ShutdownSignal) {
	if c != nil && c.OnShutdown != nil {
		c.OnShutdown(tag, sig)
	}
}

// HandleRecoverOk dispatches to OnRecoverOk
func (c *Consumer) HandleRecoverOk(tag string) {
	if c != nil && c.OnRecoverOk != nil {
		c.OnRecoverOk(tag)
	}
}

// HandleDelivery dispatches to OnDelivery
func (c *Consumer) HandleDelivery(tag string, delivery amqp.Delivery) {
	if c != nil && c.OnDelivery != nil {
		c.OnDelivery(tag, delivery)
	}
}
