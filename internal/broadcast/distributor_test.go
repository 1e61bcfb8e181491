package broadcast

import (
	"context"
	"errors"
	"testing"

	"guildcast/internal/transport"
)

func TestPartitionWeighted(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		caps    []int
		members int
		want    []int
	}{
		{"proportional", []int{10, 5}, 15, []int{10, 5}},
		{"equal split", []int{5, 5}, 20, []int{10, 10}},
		{"tie goes first", []int{3, 3}, 1, []int{1, 0}},
		{"odd remainder", []int{4, 4, 4}, 7, []int{3, 2, 2}},
		{"fewer members than workers", []int{1, 10}, 1, []int{1, 0}},
		{"empty audience", []int{10, 5}, 0, []int{0, 0}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			workers := make([]*WorkerHandle, len(tc.caps))
			for i, c := range tc.caps {
				workers[i] = NewWorkerHandle(newFake(string(rune('A'+i))), c)
			}
			parts := partition(memberIDs("m", tc.members), workers)
			if len(parts) != len(tc.want) {
				t.Fatalf("partitions = %d, want %d", len(parts), len(tc.want))
			}
			total := 0
			for i, p := range parts {
				if len(p.Members) != tc.want[i] {
					t.Fatalf("partition %d = %d members, want %d", i, len(p.Members), tc.want[i])
				}
				if p.Worker != workers[i] {
					t.Fatalf("partition %d not in registration order", i)
				}
				total += len(p.Members)
			}
			if total != tc.members {
				t.Fatalf("assigned %d, want %d", total, tc.members)
			}
		})
	}
}

func TestPartitionDeterministic(t *testing.T) {
	t.Parallel()

	workers := []*WorkerHandle{
		NewWorkerHandle(newFake("A"), 7),
		NewWorkerHandle(newFake("B"), 3),
	}
	members := memberIDs("m", 23)
	a := partition(members, workers)
	b := partition(members, workers)
	for i := range a {
		if len(a[i].Members) != len(b[i].Members) {
			t.Fatalf("partition %d differs", i)
		}
		for k := range a[i].Members {
			if a[i].Members[k] != b[i].Members[k] {
				t.Fatalf("partition %d member %d differs", i, k)
			}
		}
	}
}

func TestDistributeSkipsDisconnectedAndBots(t *testing.T) {
	t.Parallel()

	down := newFake("A", "x", "y")
	down.connected.Store(false)
	up := newFake("B")
	up.roster = []transport.Member{{ID: "u1"}, {ID: "bot", Bot: true}, {ID: "u2"}, {ID: "u1"}, {ID: ""}}
	other := newFake("C")

	workers := []*WorkerHandle{NewWorkerHandle(down, 10), NewWorkerHandle(up, 5), NewWorkerHandle(other, 5)}
	parts, total, err := MemberDistributor{}.Distribute(context.Background(), "g", workers)
	if err != nil {
		t.Fatalf("Distribute: %v", err)
	}
	if total != 2 {
		t.Fatalf("total = %d, want 2 (bots, blanks and duplicates dropped)", total)
	}
	if len(parts) != 2 || parts[0].Worker.ClientID() != "B" || parts[1].Worker.ClientID() != "C" {
		t.Fatalf("unexpected partitions: %+v", parts)
	}
	if len(parts[0].Members) != 1 || len(parts[1].Members) != 1 {
		t.Fatalf("unexpected split: %v / %v", parts[0].Members, parts[1].Members)
	}
}

func TestDistributeErrors(t *testing.T) {
	t.Parallel()

	down := newFake("A", "x")
	down.connected.Store(false)
	_, _, err := MemberDistributor{}.Distribute(context.Background(), "g", []*WorkerHandle{NewWorkerHandle(down, 1)})
	if !errors.Is(err, ErrNoConnectedWorkers) {
		t.Fatalf("err = %v, want ErrNoConnectedWorkers", err)
	}

	boom := errors.New("roster unavailable")
	broken := newFake("B")
	broken.rosterErr = boom
	_, _, err = MemberDistributor{}.Distribute(context.Background(), "g", []*WorkerHandle{NewWorkerHandle(broken, 1)})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want wrapped enumeration error", err)
	}
}
