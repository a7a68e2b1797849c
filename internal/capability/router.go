package capability

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/joseph-ayodele/homework-grader/constants"
	"github.com/joseph-ayodele/homework-grader/internal/tool"
)

// Router dispatches capability calls to the provider registered for each name.
type Router struct {
	routes map[string]tool.Provider
	logger *slog.Logger
}

func NewRouter(logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{routes: make(map[string]tool.Provider), logger: logger}
}

// Route registers p for the given capabilities, replacing earlier routes.
func (r *Router) Route(p tool.Provider, capabilities ...string) *Router {
	for _, c := range capabilities {
		r.routes[c] = p
	}
	return r
}

// Routed lists the capabilities that have a provider.
func (r *Router) Routed() []string {
	out := make([]string, 0, len(r.routes))
	for c := range r.routes {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

func (r *Router) Invoke(ctx context.Context, capability string, args map[string]any, timeout time.Duration) (tool.Result, error) {
	p, ok := r.routes[capability]
	if !ok {
		r.logger.Warn("capability.route.missing", "capability", capability)
		return tool.Result{}, &tool.Error{
			Code:    constants.ErrCodeUnavailable,
			Message: fmt.Sprintf("no provider configured for %s", capability),
		}
	}
	return p.Invoke(ctx, capability, args, timeout)
}
