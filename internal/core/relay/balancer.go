package relay

import (
	"math/rand/v2"
)

// --- Load Balancer Strategy Pattern ---

// LoadBalancer picks the upstream for the next attempt of one inbound request.
// tried counts how often each address was already used for that request.
type LoadBalancer interface {
	Select(addrs []string, tried map[string]int) string
}

// UniformBalancer draws uniformly with replacement; the same address may be
// picked again within one request.
type UniformBalancer struct{}

func (b UniformBalancer) Select(addrs []string, tried map[string]int) string {
	return addrs[rand.IntN(len(addrs))]
}

// FreshFirstBalancer draws among the addresses not yet tried for this request,
// and falls back to uniform draws once every address has been tried.
type FreshFirstBalancer struct{}

func (b FreshFirstBalancer) Select(addrs []string, tried map[string]int) string {
	fresh := make([]string, 0, len(addrs))
	for _, a := range addrs {
		if tried[a] == 0 {
			fresh = append(fresh, a)
		}
	}
	if len(fresh) == 0 {
		return addrs[rand.IntN(len(addrs))]
	}
	return fresh[rand.IntN(len(fresh))]
}

// NewLoadBalancer maps the relay.sampling setting to a strategy.
func NewLoadBalancer(strategy string) LoadBalancer {
	switch strategy {
	case "uniform":
		return UniformBalancer{}
	case "fresh_first":
		fallthrough
	default:
		return FreshFirstBalancer{}
	}
}
