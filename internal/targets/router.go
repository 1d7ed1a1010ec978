package targets

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/add146/pendaftaran-sub000/internal/broadcast"
)

// Router dispatches a job source of the form "<scheme>:<rest>" to the
// provider registered for scheme. A source without a registered scheme goes
// to the "file" provider.
type Router struct {
	providers map[string]broadcast.TargetProvider
}

var _ broadcast.TargetProvider = (*Router)(nil)

func NewRouter() *Router {
	return &Router{providers: map[string]broadcast.TargetProvider{}}
}

func (r *Router) Register(scheme string, p broadcast.TargetProvider) *Router {
	r.providers[strings.ToLower(scheme)] = p
	return r
}

// Schemes lists the registered schemes, sorted.
func (r *Router) Schemes() []string {
	out := make([]string, 0, len(r.providers))
	for k := range r.providers {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (r *Router) LoadTargets(ctx context.Context, jc broadcast.JobContext) ([]broadcast.Target, error) {
	scheme, rest, ok := strings.Cut(jc.Source, ":")
	p, found := r.providers[strings.ToLower(scheme)]
	if !ok || !found {
		// plain path, or a Windows drive letter
		p, found = r.providers["file"]
		rest = jc.Source
		if !found {
			return nil, fmt.Errorf("no provider for source %q", jc.Source)
		}
	}
	jc.Source = rest
	return p.LoadTargets(ctx, jc)
}
