package host

import (
	"github.com/corvidae-io/blehost"
	"github.com/corvidae-io/blehost/stack"
)

// Handler is one subsystem's slice of the notification router. Handle
// is called for every notification in router order; returning ok=true
// short-circuits the chain and hands status back to the stack. That
// only matters for request/response notifications (a read request) --
// everything else is handled purely by side effect and falls through
// to the remaining handlers.
//
// Handle runs on the stack's notification context. It must not block,
// not wait, and touch nothing beyond registries, flags and Flag.Set.
type Handler interface {
	Handle(n stack.Notification) (status int, ok bool)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(n stack.Notification) (int, bool)

func (f HandlerFunc) Handle(n stack.Notification) (int, bool) {
	return f(n)
}

// Router fans stack notifications out to an ordered, fixed set of
// subsystem handlers. Nil entries stand in for disabled subsystems and
// are skipped, so a host built without some subsystem degrades to
// no-ops instead of failing.
type Router struct {
	handlers []Handler
	log      blehost.Logger
}

func NewRouter(log blehost.Logger, handlers ...Handler) *Router {
	if log == nil {
		log = blehost.GetLogger()
	}
	return &Router{handlers: handlers, log: log}
}

// Dispatch is the single entry point the stack invokes for every
// notification. Unrecognized kinds fall through every handler and
// return zero.
func (r *Router) Dispatch(n stack.Notification) int {
	for _, h := range r.handlers {
		if h == nil {
			continue
		}
		if status, ok := h.Handle(n); ok {
			return status
		}
	}
	return 0
}
