// Package govclock is a versioned component runtime: it keeps a registry of
// component manifests, resolves which version of a component to run, and
// replaces running components in place without stopping the process.
//
// # Architecture
//
//	┌─────────────────────────────────────┐
//	│      nexus.Context                  │  Register, Resolve, Instantiate,
//	│  (one per process, no globals)      │  HotSwap, CheckHealth
//	└─────────────────────────────────────┘
//	     ↓ resolves via          ↓ swaps via
//	┌──────────────────┐   ┌──────────────────────┐
//	│ resolver.Engine  │   │  swap.Orchestrator   │  quiesce, load,
//	│ strategies and   │   │  per-instance breaker│  validate, resume,
//	│ fallback chains  │   │  evolution history   │  rollback
//	└──────────────────┘   └──────────────────────┘
//	     ↓ looks up              ↓ loads through
//	┌──────────────────┐   ┌──────────────────────┐
//	│  store.Store     │   │  loader.Loader       │  static units or
//	│  prefix trie of  │   │  plugin .so files    │  Go plugins
//	│  manifests       │   └──────────────────────┘
//	└──────────────────┘
//	     ↑ fed by
//	┌──────────────────────────────────────────────┐
//	│ source.Directory (fsnotify), source.KV (NATS)│
//	└──────────────────────────────────────────────┘
//
// Runtime events (registrations, swap outcomes, breaker transitions, health
// changes) go to an events.Publisher: NATS subjects, the admin websocket
// hub, or both. The admin package serves the HTTP API and Prometheus
// metrics.
//
// # Versions
//
// A component version is semantic (major.minor.patch with optional
// prerelease and build metadata) extended with an ABI signature, a
// hot-swappable flag and a governance tag. Two versions are compatible when
// their majors match, their ABI signatures match and the candidate is not
// older than the request; resolution strategies decide how the store is
// searched:
//
//   - exact_match: that version or nothing
//   - compatible: the newest compatible version
//   - latest_stable: the newest non-prerelease version
//   - experimental: the newest version including prereleases
//   - fallback_chain: compatible, then the declared fallback component
//
// # Hot swap
//
// A swap closes the instance's gate, quiesces the running unit, loads and
// validates the target, and resumes it. Any failure after quiesce rolls back
// to the previous unit. Repeated failures open the instance's circuit
// breaker, which rejects unforced swaps until it half-opens again.
//
// # Packages
//
//   - version: ExtendedVersion, parsing and compatibility
//   - manifest: component manifests, trust tiers, integrity checks
//   - store: prefix-trie manifest store
//   - resolver: resolution strategies, fallback, statistics
//   - breaker: per-component circuit breaker
//   - evolution: swap history, uptime, contract hashes
//   - loader: loadable units (static registry, Go plugins, retries)
//   - swap: orchestrator, instances, gates
//   - nexus: the Context tying everything together
//   - health: status, monitor, timed checks, prober
//   - events, source, admin, metric, natsclient, config, errors
//   - pkg/buffer, pkg/retry, pkg/tlsutil: support utilities
//
// # Running
//
//	go build -o bin/govclockd ./cmd/govclockd
//	./bin/govclockd --config configs/govclock.yaml --admin-addr :8080
package govclock
