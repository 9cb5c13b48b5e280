// Package rabbitmq provides a self-healing AMQP 0-9-1 connection.
//
// This package includes:
//   - Connection: a stable handle that reconnects after an unexpected shutdown
//   - Channel: a stable channel handle that records what it declares
//   - Metrics: Prometheus collectors for recovery activity
//   - Topology: declarative exchanges, queues and bindings
//
// When the physical connection is lost for any reason other than an
// application close, the connection waits Config.NetworkRecoveryDelay and
// dials again until it succeeds or is closed. It then:
//   - reattaches its own shutdown and blocked hooks
//   - reopens every channel with the same number, in ascending order
//   - replays exchanges, queues, bindings and consumers in that order
//   - runs the OnRecovery callbacks, then the per-channel hooks
//
// A failure to recover one entity is logged, counted and reported to the
// OnRecoveryFailure listeners; the remaining entities are still recovered.
// Queues with server-generated names come back under a new name, which is
// written back to the recorded bindings and consumers and reported to the
// OnQueueRecovery listeners.
package rabbitmq
