// Package nexus wires the component runtime together behind one explicitly
// constructed Context.
//
// A Context owns the manifest store, the resolution engine, the evolution
// tracker, the swap orchestrator and the health monitor, all configured from
// a single config.Config. There is no package-level state: the process
// creates a Context at startup and passes it to every call site.
//
//	ctx, err := nexus.Initialize(*config.Default(),
//		nexus.WithLogger(logger),
//		nexus.WithMetrics(metrics),
//	)
//	if err != nil {
//		return err
//	}
//	defer ctx.Close(context.Background())
//
//	if err := ctx.Register(m, manifest.LocalCache); err != nil {
//		return err
//	}
//	inst, err := ctx.Instantiate(rctx, "svc.clock", version.New(1, 0, 0), version.Compatible, nil)
//
// Registration and swaps are checked against the configured governance
// policy when a GovernanceValidator is installed. PolicyGovernance
// understands a small set of policy keys and is used by default whenever a
// policy is configured.
package nexus
