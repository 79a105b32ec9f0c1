package relay

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cyberinferno/go-relay/safeset"
	"github.com/cyberinferno/go-relay/transport"
)

// Runtime owns one-time transport initialization and the set of client
// session handles opened by this process. Servers use that set to ignore
// events for their own outbound sessions when a binding reports them on a
// listen socket. Pass the same Runtime to every Listen and Dial sharing a
// binding.
type Runtime struct {
	binding      transport.Binding
	once         sync.Once
	initialized  atomic.Bool
	initErr      error
	localClients *safeset.SafeSet[transport.Handle]
}

// NewRuntime creates a Runtime over b. Call Init before Listen or Dial.
func NewRuntime(b transport.Binding) *Runtime {
	return &Runtime{
		binding:      b,
		localClients: safeset.NewSafeSet[transport.Handle](),
	}
}

// Init initializes the binding once. Later calls return false with the
// result of the first call.
//
// Returns:
//   - Whether this call performed the initialization
//   - An error wrapping ErrTransportInit if initialization failed
func (r *Runtime) Init() (bool, error) {
	first := false
	r.once.Do(func() {
		first = true
		if in, ok := r.binding.(transport.Initializer); ok {
			if err := in.Init(); err != nil {
				r.initErr = fmt.Errorf("%w: %w", ErrTransportInit, err)
				return
			}
		}
		r.initialized.Store(true)
	})

	return first, r.initErr
}

// Initialized reports whether Init succeeded.
func (r *Runtime) Initialized() bool {
	return r.initialized.Load()
}

// Binding returns the transport binding.
func (r *Runtime) Binding() transport.Binding {
	return r.binding
}

// IsLocalClient reports whether h is a client session opened through Dial.
func (r *Runtime) IsLocalClient(h transport.Handle) bool {
	return r.localClients.Contains(h)
}

func (r *Runtime) ready() error {
	if r == nil || !r.Initialized() {
		return ErrRuntimeNotInitialized
	}
	return nil
}
