// Package metrics defines the engine's metrics contract.
package metrics

import "time"

// Recorder counts engine events and observes payment latency.
type Recorder interface {
	IncCounter(name string, labels map[string]string)
	ObserveLatency(name string, d time.Duration, labels map[string]string)
}

// Counter and latency names recorded by the engine.
const (
	CounterPaymentRequired = "payment_required_seen"
	CounterDecodeFailed    = "header_decode_failed"
	CounterPaymentSettled  = "payment_settled"
	CounterPaymentFailed   = "payment_failed"

	LatencyPayment = "payment_round_trip"
)

// Noop discards everything.
type Noop struct{}

func (Noop) IncCounter(string, map[string]string)                    {}
func (Noop) ObserveLatency(string, time.Duration, map[string]string) {}
