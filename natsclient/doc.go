// Package natsclient manages the runtime's NATS connection: dialing with
// reconnect handling, connection-status metrics, and access to JetStream
// key-value buckets.
//
// The connection is shared by the event publisher (swap and registration
// events) and the KV manifest source.
//
// Lifecycle: Disconnected -> Connecting -> Connected -> Reconnecting ->
// Connected. Close drains the connection, bounded by the drain timeout or
// the context deadline, whichever is shorter.
//
//	client, err := natsclient.NewClient("nats://localhost:4222",
//		natsclient.WithLogger(logger),
//		natsclient.WithMetrics(registry.CoreMetrics()),
//	)
//	if err != nil {
//		return err
//	}
//	if err := client.Connect(ctx); err != nil {
//		return err
//	}
//	defer client.Close(context.Background())
//
//	kv, err := client.KeyValue(ctx, jetstream.KeyValueConfig{Bucket: "GOVCLOCK_MANIFESTS"})
//
// NewTestClient starts a NATS container through testcontainers-go for
// integration tests (build tag integration).
package natsclient
