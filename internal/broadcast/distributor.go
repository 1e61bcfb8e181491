package broadcast

import (
	"context"
	"fmt"
)

// Partition is the slice of a job's audience handed to one worker.
type Partition struct {
	Worker  *WorkerHandle
	Members []string
}

// MemberDistributor resolves a guild audience once per job and splits it
// across workers in proportion to their capacity.
type MemberDistributor struct{}

// Distribute enumerates the guild through the first connected worker and
// partitions the result among the connected workers. Partitions keep
// registration order and may be empty.
func (MemberDistributor) Distribute(ctx context.Context, guildID string, workers []*WorkerHandle) ([]Partition, int, error) {
	connected := make([]*WorkerHandle, 0, len(workers))
	for _, w := range workers {
		if w.Connected() {
			connected = append(connected, w)
		}
	}
	if len(connected) == 0 {
		return nil, 0, ErrNoConnectedWorkers
	}
	members, err := resolveAudience(ctx, connected[0], guildID)
	if err != nil {
		return nil, 0, err
	}
	return partition(members, connected), len(members), nil
}

// resolveAudience drains the lazy roster once, dropping duplicates.
func resolveAudience(ctx context.Context, w *WorkerHandle, guildID string) ([]string, error) {
	seen := map[string]struct{}{}
	var out []string
	for id, err := range w.EnumerateMembers(ctx, guildID) {
		if err != nil {
			return nil, fmt.Errorf("enumerate guild %s via %s: %w", guildID, w.ClientID(), err)
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out, nil
}

// partition is weighted round-robin: each member goes to the worker with the
// smallest assigned/capacity ratio, ties to the earlier worker. The result
// depends only on the inputs.
func partition(members []string, workers []*WorkerHandle) []Partition {
	parts := make([]Partition, len(workers))
	caps := make([]int64, len(workers))
	for i, w := range workers {
		parts[i].Worker = w
		caps[i] = max(int64(w.Capacity()), 1)
	}
	for _, m := range members {
		best := 0
		for i := 1; i < len(workers); i++ {
			// assigned[i]/caps[i] < assigned[best]/caps[best], without division.
			if int64(len(parts[i].Members))*caps[best] < int64(len(parts[best].Members))*caps[i] {
				best = i
			}
		}
		parts[best].Members = append(parts[best].Members, m)
	}
	return parts
}
