// internal/broker/routing.go
package broker

import (
	"sort"
	"strings"

	"taskqueue-workers/internal/common/config"
)

// Router resolves a task name to a queue via the configured routing table.
// Lookup order: exact match, longest trailing-* wildcard, default queue. An
// empty table routes everything to the default queue.
type Router struct {
	exact        map[string]config.RouteConfig
	wildcards    []wildcardRoute
	defaultQueue string
}

type wildcardRoute struct {
	prefix string
	route  config.RouteConfig
}

func NewRouter(routes map[string]config.RouteConfig, defaultQueue string) *Router {
	r := &Router{
		exact:        make(map[string]config.RouteConfig),
		defaultQueue: defaultQueue,
	}
	for pattern, route := range routes {
		if strings.HasSuffix(pattern, "*") {
			r.wildcards = append(r.wildcards, wildcardRoute{
				prefix: strings.TrimSuffix(pattern, "*"),
				route:  route,
			})
			continue
		}
		r.exact[pattern] = route
	}
	// Longest prefix first so "reports.monthly.*" beats "reports.*".
	sort.Slice(r.wildcards, func(i, j int) bool {
		return len(r.wildcards[i].prefix) > len(r.wildcards[j].prefix)
	})
	return r
}

// Route returns the queue and priority for a task name. The priority is
// carried on the envelope for inspection; it does not affect consumption
// order.
func (r *Router) Route(task string) (string, int) {
	if route, ok := r.exact[task]; ok {
		return route.Queue, route.Priority
	}
	for _, w := range r.wildcards {
		if strings.HasPrefix(task, w.prefix) {
			return w.route.Queue, w.route.Priority
		}
	}
	return r.defaultQueue, 0
}

// DefaultQueue returns the fallback queue name.
func (r *Router) DefaultQueue() string {
	return r.defaultQueue
}
