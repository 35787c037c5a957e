package dbcluster

import (
	"cmp"
	"fmt"
	"time"

	"golang.org/x/exp/slices"
)

// SelectNewPrimary promotes the best replica to primary. Candidates are
// replicas which are online or degraded; online replicas come first, then
// the lowest replication lag, the lowest latency and finally the lowest
// identifier. The current primary is left untouched if there is no
// candidate.
func (c *Cluster) SelectNewPrimary(reason string) (ServerId, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.selectNewPrimary(reason)
}

func (c *Cluster) selectNewPrimary(reason string) (ServerId, error) {
	candidates := filterTargets(c.snapshot(), isAvailableReplica)
	if len(candidates) == 0 {
		c.Log.Error("cannot select new primary (%s): %v", reason,
			ErrNoEligibleReplica)
		return "", ErrNoEligibleReplica
	}

	slices.SortStableFunc(candidates, compareCandidates)

	best := candidates[0]
	c.promote(best.server, reason)

	return best.desc.Id, nil
}

func compareCandidates(a, b target) int {
	aOnline := a.desc.Status == ServerStatusOnline
	bOnline := b.desc.Status == ServerStatusOnline

	if aOnline != bOnline {
		if aOnline {
			return -1
		}

		return 1
	}

	if c := cmp.Compare(a.desc.ReplicationLagS, b.desc.ReplicationLagS); c != 0 {
		return c
	}

	if c := cmp.Compare(a.desc.LatencyMs, b.desc.LatencyMs); c != 0 {
		return c
	}

	return cmp.Compare(a.desc.Id, b.desc.Id)
}

// promote must be called with the cluster locked.
func (c *Cluster) promote(server *Server, reason string) {
	record := FailoverRecord{
		Time:         time.Now(),
		FromServerId: c.primaryId,
		ToServerId:   server.Cfg.Id,
		Reason:       reason,
	}

	if old, found := c.servers[c.primaryId]; found && old != server {
		old.demote()
	}

	server.setRole(ServerRolePrimary)
	c.primaryId = server.Cfg.Id

	c.lastFailover = &record

	c.failoverHistory = append(c.failoverHistory, record)
	if n := len(c.failoverHistory) - c.Cfg.MaxFailoverHistory; n > 0 {
		c.failoverHistory = slices.Delete(c.failoverHistory, 0, n)
	}

	if record.FromServerId == "" {
		c.Log.Info("promoted %s to primary: %s", record.ToServerId, reason)
	} else {
		c.Log.Info("failover from %s to %s: %s", record.FromServerId,
			record.ToServerId, reason)
	}
}

// Failover promotes a specific replica to primary.
func (c *Cluster) Failover(targetId ServerId, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	server, found := c.servers[targetId]
	if !found {
		return fmt.Errorf("%w %q", ErrUnknownServer, targetId)
	}

	if targetId == c.primaryId {
		return nil
	}

	d := server.Descriptor()

	if d.Role != ServerRoleReplica {
		return fmt.Errorf("server %s is not a replica", targetId)
	}

	if !d.Status.Available() {
		return fmt.Errorf("server %s is %s", targetId, d.Status)
	}

	if reason == "" {
		reason = "manual failover"
	}

	c.promote(server, reason)

	return nil
}

func (c *Cluster) LastFailover() (FailoverRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.lastFailover == nil {
		return FailoverRecord{}, false
	}

	return *c.lastFailover, true
}

// FailoverHistory returns failover records, oldest first.
func (c *Cluster) FailoverHistory() []FailoverRecord {
	c.mu.Lock()
	defer c.mu.Unlock()

	return slices.Clone(c.failoverHistory)
}

// CheckFailover runs one iteration of the failover monitor. A missing or
// offline primary is replaced immediately. A degraded primary is only
// replaced once it has been degraded for DegradedFailoverDelay and an online
// replica lags by less than MaxFailoverLag.
func (c *Cluster) CheckFailover(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	primary, found := c.servers[c.primaryId]
	if !found {
		c.selectNewPrimary("no primary")
		return
	}

	d := primary.Descriptor()

	switch d.Status {
	case ServerStatusOffline:
		c.selectNewPrimary(fmt.Sprintf("primary %s offline", d.Id))

	case ServerStatusDegraded:
		degradedFor := now.Sub(d.StatusSince)
		if degradedFor <= c.Cfg.DegradedFailoverDelay {
			return
		}

		replicas := filterTargets(c.snapshot(), func(rd *ServerDescriptor) bool {
			return isOnlineReplica(rd) &&
				rd.ReplicationLagS < c.Cfg.MaxFailoverLag.Seconds()
		})
		if len(replicas) == 0 {
			c.Log.Debug(1, "primary %s degraded for %v, no replica to "+
				"fail over to", d.Id, degradedFor.Truncate(time.Second))
			return
		}

		c.selectNewPrimary(fmt.Sprintf("primary %s degraded for %v", d.Id,
			degradedFor.Truncate(time.Second)))
	}
}
