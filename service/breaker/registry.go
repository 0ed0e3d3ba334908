package breaker

import "sort"

// Well-known breaker names. One instance guards the shared state store, one
// guards the broadcast fabric; they trip independently so a sick fabric does
// not take presence bookkeeping down with it.
const (
	NameStateStore = "redis_state"
	NameBroadcast  = "broadcast_fabric"
)

// Registry holds the named breaker instances built at startup. It is
// populated once and read-only afterwards, so lookups need no lock.
type Registry struct {
	breakers map[string]*Breaker
}

func NewRegistry(conf Config, names ...string) *Registry {
	if len(names) == 0 {
		names = []string{NameStateStore, NameBroadcast}
	}
	r := &Registry{breakers: make(map[string]*Breaker, len(names))}
	for _, n := range names {
		r.breakers[n] = New(n, conf)
	}
	return r
}

func (r *Registry) Get(name string) *Breaker {
	return r.breakers[name]
}

// Status returns snapshots of every breaker, sorted by name.
func (r *Registry) Status() []Status {
	out := make([]Status, 0, len(r.breakers))
	for _, b := range r.breakers {
		out = append(out, b.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
