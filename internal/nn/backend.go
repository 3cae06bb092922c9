package nn

import "fmt"

// forwardEngine is the capability both backends implement: fill raw policy
// logits and the value head's hidden activations for one dense input tensor.
// Implementations must be safe for concurrent calls.
type forwardEngine interface {
	forward(input, policy, value []float32)
}

// Backend selects the forward-pass implementation. The choice is made once
// at initialization and never renegotiated per call.
type Backend int

const (
	// BackendPlain runs only the portable reference implementation.
	BackendPlain Backend = iota
	// BackendTiled runs only the accelerated tiled implementation.
	BackendTiled
	// BackendChecked runs the tiled implementation and audits a sample of
	// calls against the reference implementation.
	BackendChecked
)

func (b Backend) String() string {
	switch b {
	case BackendPlain:
		return "plain"
	case BackendTiled:
		return "tiled"
	case BackendChecked:
		return "checked"
	}
	return fmt.Sprintf("Backend(%d)", int(b))
}

// ParseBackend maps a configuration value to a Backend.
func ParseBackend(s string) (Backend, error) {
	switch s {
	case "plain":
		return BackendPlain, nil
	case "tiled":
		return BackendTiled, nil
	case "checked":
		return BackendChecked, nil
	}
	return 0, fmt.Errorf("unknown backend %q (want plain, tiled or checked)", s)
}
