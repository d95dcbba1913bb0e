package zgraph

import (
	"context"
	"database/sql"
	"testing"
)

func TestRoundRobinLoadBalancer(t *testing.T) {
	lb := &RoundRobinLoadBalancer{}
	replicas := []*sql.DB{{}, {}, {}}

	selected := make(map[*sql.DB]int)
	for i := 0; i < 9; i++ {
		selected[lb.Next(replicas)]++
	}
	for i, db := range replicas {
		if selected[db] != 3 {
			t.Errorf("expected replica %d to be selected 3 times, got %d", i, selected[db])
		}
	}

	if lb.Next(replicas[:1]) != replicas[0] {
		t.Error("expected the only replica")
	}
	if lb.Next(nil) != nil {
		t.Error("expected nil without replicas")
	}
}

func TestRandomLoadBalancer(t *testing.T) {
	lb := &RandomLoadBalancer{}
	replicas := []*sql.DB{{}, {}}

	for i := 0; i < 20; i++ {
		db := lb.Next(replicas)
		if db != replicas[0] && db != replicas[1] {
			t.Fatal("expected one of the replicas")
		}
	}
	if lb.Next(nil) != nil {
		t.Error("expected nil without replicas")
	}
}

func TestDBResolver(t *testing.T) {
	primary, r1, r2 := &sql.DB{}, &sql.DB{}, &sql.DB{}

	res := NewDBResolver(WithPrimary(primary))
	if res.Primary() != primary {
		t.Error("expected the primary")
	}
	if res.HasReplicas() {
		t.Error("expected no replicas")
	}
	if res.Replica() != primary {
		t.Error("expected reads to fall back to the primary")
	}

	res = NewDBResolver(WithPrimary(primary), WithReplicas(r1, r2))
	if _, ok := res.lb.(*RoundRobinLoadBalancer); !ok {
		t.Errorf("expected round-robin by default, got %T", res.lb)
	}
	if a, b := res.Replica(), res.Replica(); a != r1 || b != r2 {
		t.Error("expected replicas in turn")
	}
	if res.ReplicaAt(1) != r2 || res.ReplicaAt(2) != nil || res.ReplicaAt(-1) != nil {
		t.Error("unexpected ReplicaAt result")
	}

	res = NewDBResolver(WithPrimary(primary), WithReplicas(r1, r2), WithLoadBalancer(&RandomLoadBalancer{}))
	if _, ok := res.lb.(*RandomLoadBalancer); !ok {
		t.Errorf("expected the configured balancer, got %T", res.lb)
	}
}

func TestClient_ReadsFromReplicas(t *testing.T) {
	primary := openTestDB(t)
	replica := openTestDB(t)
	seed(t, replica)

	c := NewClient(primary, SQLite, newTestRegistry(t, nil),
		WithLogger(discardLogger()),
		WithReplicaDBs(replica),
	)
	ctx := context.Background()

	people, err := c.Fetch(ctx, "Person", nil, "pets")
	if err != nil {
		t.Fatal(err)
	}
	if len(people) != 3 {
		t.Fatalf("expected the seeded replica rows, got %d", len(people))
	}

	if _, err := c.InsertOne(ctx, "Person", NewNode(map[string]any{"firstName": "Primary"})); err != nil {
		t.Fatal(err)
	}
	if n := countRows(t, primary, "people"); n != 1 {
		t.Errorf("expected the write on the primary, got %d rows", n)
	}
	if n := countRows(t, replica, "people"); n != 3 {
		t.Errorf("expected the replica untouched, got %d rows", n)
	}

	err = c.Tx(ctx, func(tc *Client) error {
		got, err := tc.Fetch(ctx, "Person", nil, "")
		if err != nil {
			return err
		}
		if len(got) != 1 {
			t.Errorf("expected reads in a transaction on the primary, got %d rows", len(got))
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}
