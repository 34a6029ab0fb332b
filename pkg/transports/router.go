// Package transports maps deployment methods onto the transports that run them.
package transports

import (
	"fmt"
	"sync"

	"github.com/cursiveterminal/deployctl/pkg/engine"
)

// Router resolves a method to its registered transport.
// ansible, puppet, chef and powershell have no dedicated transport yet and
// are served by the ssh transport when one is registered.
type Router struct {
	mu         sync.RWMutex
	transports map[engine.Method]engine.Transport
}

// sshFallback lists methods delivered over the remote-shell transport.
var sshFallback = map[engine.Method]bool{
	engine.MethodAnsible:    true,
	engine.MethodPuppet:     true,
	engine.MethodChef:       true,
	engine.MethodPowerShell: true,
}

// NewRouter creates a router with the ssh and local transports registered.
// Either may be nil.
func NewRouter(ssh, local engine.Transport) *Router {
	r := &Router{transports: make(map[engine.Method]engine.Transport)}
	if ssh != nil {
		r.Register(engine.MethodSSH, ssh)
	}
	if local != nil {
		r.Register(engine.MethodLocalScript, local)
	}
	return r
}

// Register binds a transport to a method, replacing any previous binding.
func (r *Router) Register(method engine.Method, t engine.Transport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transports[method] = t
}

// Resolve implements engine.TransportResolver.
func (r *Router) Resolve(method engine.Method) (engine.Transport, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if t, ok := r.transports[method]; ok {
		return t, nil
	}
	if sshFallback[method] {
		if t, ok := r.transports[engine.MethodSSH]; ok {
			return t, nil
		}
	}
	return nil, engine.NewPermanentError(fmt.Sprintf("unsupported deployment method: %s", method), nil).
		WithCode(engine.ErrCodeUnsupportedMethod).
		WithDetail("method", string(method))
}
