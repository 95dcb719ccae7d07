package supervision

// RunCondition aggregates the independently-changing inputs that gate the
// worker process. It is owned and mutated exclusively by the supervisor
// goroutine; producers influence it only through events, so no locking is
// required.
type RunCondition struct {
	// ConfigEnabled mirrors the boolean enable leaf. True when no leaf path
	// was configured.
	ConfigEnabled bool

	// HAEnabled reports whether the node participates in an HA cluster.
	// It latches true once the first HA role event arrives.
	HAEnabled bool

	// IsMaster reports whether this node currently holds the master role.
	// Meaningful only while HAEnabled is true.
	IsMaster bool
}

// ShouldRun derives the worker-gating decision from the full aggregated
// state. It is recomputed on every event rather than patched incrementally:
// events from different producers arrive unordered, so no monotonicity can
// be assumed.
func (c RunCondition) ShouldRun() bool {
	return c.ConfigEnabled && (!c.HAEnabled || c.IsMaster)
}

// Apply folds an event into the condition and returns the updated copy.
// Exit events leave the condition untouched.
func (c RunCondition) Apply(evt Event) RunCondition {
	switch e := evt.(type) {
	case ConfigEnabledEvent:
		c.ConfigEnabled = e.Enabled()
	case HaModeEvent:
		c.HAEnabled = true
		c.IsMaster = e.Role() == RoleMaster
	}
	return c
}
