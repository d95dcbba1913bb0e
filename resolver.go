package zgraph

import (
	"database/sql"
	"errors"
	"math/rand/v2"
	"sync/atomic"
)

// DBResolver routes statements between a primary and its read replicas.
// Graph fetches outside a transaction read from a replica; writes and
// every statement of a transaction run on the primary.
type DBResolver struct {
	primary  *sql.DB
	replicas []*sql.DB
	lb       LoadBalancer
}

// LoadBalancer picks the replica for the next fetch.
type LoadBalancer interface {
	Next(replicas []*sql.DB) *sql.DB
}

// RoundRobinLoadBalancer cycles through the replicas in order.
type RoundRobinLoadBalancer struct {
	n atomic.Uint64
}

func (r *RoundRobinLoadBalancer) Next(replicas []*sql.DB) *sql.DB {
	switch len(replicas) {
	case 0:
		return nil
	case 1:
		return replicas[0]
	}
	i := r.n.Add(1) - 1
	return replicas[i%uint64(len(replicas))]
}

// RandomLoadBalancer picks a replica uniformly at random.
type RandomLoadBalancer struct{}

func (RandomLoadBalancer) Next(replicas []*sql.DB) *sql.DB {
	if len(replicas) == 0 {
		return nil
	}
	return replicas[rand.IntN(len(replicas))]
}

// ResolverOption configures a DBResolver.
type ResolverOption func(*DBResolver)

// WithPrimary sets the database that takes writes.
func WithPrimary(db *sql.DB) ResolverOption {
	return func(r *DBResolver) { r.primary = db }
}

// WithReplicas sets the read replicas.
func WithReplicas(dbs ...*sql.DB) ResolverOption {
	return func(r *DBResolver) { r.replicas = dbs }
}

// WithLoadBalancer replaces the default round-robin selection.
func WithLoadBalancer(lb LoadBalancer) ResolverOption {
	return func(r *DBResolver) { r.lb = lb }
}

func NewDBResolver(opts ...ResolverOption) *DBResolver {
	r := &DBResolver{}
	for _, opt := range opts {
		opt(r)
	}
	if r.lb == nil {
		r.lb = &RoundRobinLoadBalancer{}
	}
	return r
}

func (r *DBResolver) Primary() *sql.DB {
	return r.primary
}

// Replica returns the replica for the next read, or the primary when no
// replica is configured.
func (r *DBResolver) Replica() *sql.DB {
	if !r.HasReplicas() {
		return r.primary
	}
	return r.lb.Next(r.replicas)
}

// ReplicaAt returns replica i, or nil when i is out of range.
func (r *DBResolver) ReplicaAt(i int) *sql.DB {
	if i < 0 || i >= len(r.replicas) {
		return nil
	}
	return r.replicas[i]
}

func (r *DBResolver) HasReplicas() bool {
	return len(r.replicas) > 0
}

// Close closes the replicas. The primary belongs to the client.
func (r *DBResolver) Close() error {
	var errs []error
	for _, db := range r.replicas {
		if err := db.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
