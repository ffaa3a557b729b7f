// Package discoat is a multi-platform chat-bridge daemon. It ingests
// messages from heterogeneous conversation networks, normalizes them into a
// neutral envelope format, and fans them out to every other network sharing a
// logical bridge, preserving author identity through per-platform masquerade
// mechanisms.
//
// Architecture:
//
//	adapter -> bus (message.ingress) -> dedup -> router -> per-platform queue
//	        -> circuit breaker -> adapter egress -> external network
//
// Core packages:
//   - envelope: the unified message format and its degradation rules
//   - topology: sqlite-backed bridge/channel repository
//   - bus: dual-mode pub/sub (in-process, NATS)
//   - dedup: short-window duplicate suppression
//   - router: fan-out with split-horizon and trace-path loop guards
//   - queue: rate-limited egress queues with retries and dead-letter
//   - breaker: per-service circuit breakers
//   - adapter: the platform adapter contract and registry
//   - kernel: ordered lifecycle and dependency wiring
package discoat
