package dbcluster

import (
	"cmp"
	"fmt"
	"time"

	"golang.org/x/exp/slices"
)

// Load score weights. Lower scores are better.
const (
	ConnectionWeight    = 0.4
	LatencyWeight       = 0.2
	ErrorRateWeight     = 0.3
	ReplicaLagWeight    = 0.1
	SameRegionBonus     = 0.1
	BatchMaxPrimaryLoad = 0.8
)

// Reference values used to normalize latency and replication lag.
const (
	latencyScale = time.Second
	lagScale     = MaxReplicaLag
)

// loadScore ranks servers for load based routing. Each term is normalized
// to [0, 1]; a server in the requested region gets a bonus, so that a region
// match only breaks ties between comparable servers.
func loadScore(d *ServerDescriptor, region string) float64 {
	latency := min(d.LatencyMs/float64(latencyScale.Milliseconds()), 1.0)
	errorRate := min(d.ErrorRatePct/100.0, 1.0)
	lag := min(d.ReplicationLagS/lagScale.Seconds(), 1.0)

	score := ConnectionWeight*min(d.ConnectionFraction(), 1.0) +
		LatencyWeight*latency +
		ErrorRateWeight*errorRate +
		ReplicaLagWeight*lag

	if region != "" && d.Region == region {
		score -= SameRegionBonus
	}

	return score
}

// leastLoaded returns the target with the lowest load score; ties go to the
// highest weight, then to the lowest identifier.
func leastLoaded(targets []target, region string) (target, bool) {
	if len(targets) == 0 {
		return target{}, false
	}

	sorted := slices.Clone(targets)

	slices.SortStableFunc(sorted, func(a, b target) int {
		if c := cmp.Compare(loadScore(&a.desc, region),
			loadScore(&b.desc, region)); c != 0 {
			return c
		}

		if c := cmp.Compare(b.desc.Weight, a.desc.Weight); c != 0 {
			return c
		}

		return cmp.Compare(a.desc.Id, b.desc.Id)
	})

	return sorted[0], true
}

func filterTargets(targets []target, fn func(*ServerDescriptor) bool) []target {
	var filtered []target

	for _, t := range targets {
		if fn(&t.desc) {
			filtered = append(filtered, t)
		}
	}

	return filtered
}

func isOnlineReplica(d *ServerDescriptor) bool {
	return d.Role == ServerRoleReplica && d.Status == ServerStatusOnline
}

func isAvailableReplica(d *ServerDescriptor) bool {
	return d.Role == ServerRoleReplica && d.Status.Available()
}

// route selects the server handling a transaction. It must be called with
// the cluster locked.
func (c *Cluster) route(kind TransactionKind, region string) (target, error) {
	targets := c.snapshot()

	var primary *target
	for i := range targets {
		if targets[i].desc.Id == c.primaryId &&
			targets[i].desc.Role == ServerRolePrimary {
			primary = &targets[i]
			break
		}
	}

	availablePrimary := func() (target, error) {
		if primary == nil || !primary.desc.Status.Available() {
			return target{}, ErrNoPrimaryAvailable
		}

		return *primary, nil
	}

	switch kind {
	case TransactionKindWrite:
		return availablePrimary()

	case TransactionKindRead:
		return c.routeRead(targets, primary, region)

	case TransactionKindAnalytics:
		analytics := filterTargets(targets, func(d *ServerDescriptor) bool {
			return d.Role == ServerRoleAnalytics && d.Status.Available()
		})
		if t, found := leastLoaded(analytics, region); found {
			return t, nil
		}

		if t, found := leastLoaded(filterTargets(targets, isAvailableReplica), region); found {
			return t, nil
		}

		return target{}, ErrNoServerAvailable

	case TransactionKindBatch:
		if primary != nil && primary.desc.Status.Available() &&
			primary.desc.ConnectionFraction() < BatchMaxPrimaryLoad {
			return *primary, nil
		}

		available := filterTargets(targets, func(d *ServerDescriptor) bool {
			return d.Status.Available()
		})
		if t, found := leastLoaded(available, region); found {
			return t, nil
		}

		return target{}, ErrNoServerAvailable

	default:
		return target{}, fmt.Errorf("unknown transaction kind %q", kind)
	}
}

func (c *Cluster) routeRead(targets []target, primary *target, region string) (target, error) {
	fallback := func() (target, error) {
		if primary == nil || !primary.desc.Status.Available() {
			return target{}, ErrNoServerAvailable
		}

		return *primary, nil
	}

	switch c.routingPolicy {
	case RoutingPolicyPrimaryOnly:
		if primary == nil || !primary.desc.Status.Available() {
			return target{}, ErrNoPrimaryAvailable
		}

		return *primary, nil

	case RoutingPolicyPrimaryWriteReplicaRead:
		replicas := filterTargets(targets, isOnlineReplica)

		if region != "" {
			local := filterTargets(replicas, func(d *ServerDescriptor) bool {
				return d.Region == region
			})
			if t, found := leastLoaded(local, region); found {
				return t, nil
			}
		}

		if t, found := leastLoaded(replicas, region); found {
			return t, nil
		}

		return fallback()

	case RoutingPolicyLeastLoaded:
		candidates := filterTargets(targets, func(d *ServerDescriptor) bool {
			return d.Role != ServerRoleAnalytics && d.Status.Available()
		})
		if t, found := leastLoaded(candidates, region); found {
			return t, nil
		}

		return target{}, ErrNoServerAvailable

	case RoutingPolicyClosestRegion:
		available := filterTargets(targets, func(d *ServerDescriptor) bool {
			return d.Role != ServerRoleAnalytics && d.Status.Available()
		})

		if region != "" {
			local := filterTargets(available, func(d *ServerDescriptor) bool {
				return d.Region == region
			})

			if t, found := leastLoaded(filterTargets(local, isAvailableReplica), region); found {
				return t, nil
			}

			if t, found := leastLoaded(local, region); found {
				return t, nil
			}
		}

		if t, found := leastLoaded(available, region); found {
			return t, nil
		}

		return target{}, ErrNoServerAvailable

	case RoutingPolicyRandomReplica:
		replicas := filterTargets(targets, isOnlineReplica)
		if len(replicas) == 0 {
			return fallback()
		}

		return c.weightedChoice(replicas), nil

	default:
		return target{}, fmt.Errorf("unknown routing policy %q", c.routingPolicy)
	}
}

// weightedChoice picks a target at random with a probability proportional to
// its weight.
func (c *Cluster) weightedChoice(targets []target) target {
	var total float64
	for _, t := range targets {
		total += t.desc.Weight
	}

	n := c.rand.Float64() * total

	for _, t := range targets {
		n -= t.desc.Weight
		if n < 0 {
			return t
		}
	}

	return targets[len(targets)-1]
}
