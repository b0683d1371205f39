package vision

// Reachability reports whether the network path to the inference endpoint
// is usable. Subscribe registers fn for status changes and returns a func
// that removes the registration.
type Reachability interface {
	Reachable() bool
	Subscribe(fn func(reachable bool)) (unsubscribe func())
}
