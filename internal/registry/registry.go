// ABOUTME: Connection registry tracking each user's open duplex connections
// ABOUTME: Per-user locking serializes membership changes with fan-out sends

package registry

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	// defaultSendTimeout bounds a single delivery during fan-out.
	defaultSendTimeout = 10 * time.Second

	// maxParallelSends caps concurrent deliveries within one fan-out.
	maxParallelSends = 16
)

// Conn is a registered delivery target. Send must be safe to call
// concurrently with the connection's own writer.
type Conn interface {
	ID() string
	Send(ctx context.Context, msg any) error
}

// userSet is one user's connections. mu serializes membership changes
// and sends for that user. removed is set once the set has been dropped
// from the registry map; holders of a stale pointer must look it up again.
// size mirrors len(conns) for readers that must not wait on mu.
type userSet struct {
	mu      sync.Mutex
	conns   map[string]Conn
	removed bool
	size    atomic.Int64
}

// resizeLocked publishes len(conns). Must be called with mu held.
func (s *userSet) resizeLocked() int {
	n := len(s.conns)
	s.size.Store(int64(n))
	return n
}

// Registry maps user IDs to their open connections.
//
// A fan-out holds the user's lock for its whole duration, up to the send
// timeout, so Register, Unregister and other sends for that user wait for
// it. Count and Total read a published size and never wait on a fan-out.
//
// Lock order is userSet.mu before Registry.mu. Registry.mu only guards the
// map itself and is never held while acquiring a userSet lock.
type Registry struct {
	mu          sync.RWMutex
	users       map[int64]*userSet
	sendTimeout time.Duration
	onRemoved   func(n int)
	logger      *slog.Logger
}

// New creates an empty registry. A zero sendTimeout uses the default.
func New(sendTimeout time.Duration, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if sendTimeout <= 0 {
		sendTimeout = defaultSendTimeout
	}
	return &Registry{
		users:       make(map[int64]*userSet),
		sendTimeout: sendTimeout,
		logger:      logger.With("component", "registry"),
	}
}

// OnRemoved sets a callback invoked with the number of connections a
// fan-out removed. Set it before the registry is shared.
func (r *Registry) OnRemoved(fn func(n int)) {
	r.onRemoved = fn
}

func (r *Registry) lookup(user int64) *userSet {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.users[user]
}

func (r *Registry) lookupOrCreate(user int64) *userSet {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.users[user]
	if !ok {
		set = &userSet{conns: make(map[string]Conn)}
		r.users[user] = set
	}
	return set
}

// dropLocked removes an empty set from the map. Must be called with set.mu held.
func (r *Registry) dropLocked(user int64, set *userSet) {
	if len(set.conns) > 0 || set.removed {
		return
	}
	set.removed = true

	r.mu.Lock()
	if r.users[user] == set {
		delete(r.users, user)
	}
	r.mu.Unlock()
}

// Register adds conn to the user's set and returns the user's connection
// count. Registering the same connection twice keeps a single membership.
func (r *Registry) Register(user int64, conn Conn) int {
	for {
		set := r.lookupOrCreate(user)

		set.mu.Lock()
		if set.removed {
			// Lost a race with the last Unregister; retry on a fresh set.
			set.mu.Unlock()
			continue
		}
		set.conns[conn.ID()] = conn
		n := set.resizeLocked()
		set.mu.Unlock()

		r.logger.Debug("connection registered", "user_id", user, "conn_id", conn.ID(), "connections", n)
		return n
	}
}

// Unregister removes conn from the user's set if present and returns the
// user's remaining connection count. The user's entry is deleted once the
// set is empty. Unknown connections are ignored.
func (r *Registry) Unregister(user int64, conn Conn) int {
	set := r.lookup(user)
	if set == nil {
		return 0
	}

	set.mu.Lock()
	defer set.mu.Unlock()

	if _, ok := set.conns[conn.ID()]; !ok {
		return len(set.conns)
	}
	delete(set.conns, conn.ID())
	n := set.resizeLocked()
	r.dropLocked(user, set)

	r.logger.Debug("connection unregistered", "user_id", user, "conn_id", conn.ID(), "connections", n)
	return n
}

// Send delivers msg to every registered connection of user and returns how
// many deliveries succeeded. Connections that fail are removed.
func (r *Registry) Send(ctx context.Context, user int64, msg any) int {
	return r.SendExcept(ctx, user, "", msg)
}

// SendExcept is Send skipping the connection with ID excludeID.
func (r *Registry) SendExcept(ctx context.Context, user int64, excludeID string, msg any) int {
	set := r.lookup(user)
	if set == nil {
		return 0
	}

	set.mu.Lock()
	defer set.mu.Unlock()

	if set.removed {
		return 0
	}

	var (
		failedMu sync.Mutex
		failed   []string
	)

	g := new(errgroup.Group)
	g.SetLimit(maxParallelSends)
	for id, conn := range set.conns {
		if id == excludeID {
			continue
		}
		g.Go(func() error {
			sendCtx, cancel := context.WithTimeout(ctx, r.sendTimeout)
			defer cancel()

			if err := conn.Send(sendCtx, msg); err != nil {
				r.logger.Debug("send failed, removing connection", "user_id", user, "conn_id", id, "error", err)
				failedMu.Lock()
				failed = append(failed, id)
				failedMu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	attempted := len(set.conns)
	if excludeID != "" {
		if _, ok := set.conns[excludeID]; ok {
			attempted--
		}
	}

	for _, id := range failed {
		delete(set.conns, id)
	}
	set.resizeLocked()
	r.dropLocked(user, set)
	if len(failed) > 0 && r.onRemoved != nil {
		r.onRemoved(len(failed))
	}

	return attempted - len(failed)
}

// Count returns the number of open connections for user, 0 if unknown.
// During a fan-out it reports membership as of the fan-out's start.
func (r *Registry) Count(user int64) int {
	set := r.lookup(user)
	if set == nil {
		return 0
	}
	return int(set.size.Load())
}

// Users returns the IDs of users with at least one open connection, sorted.
func (r *Registry) Users() []int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]int64, 0, len(r.users))
	for id := range r.users {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Total returns the number of open connections across all users.
func (r *Registry) Total() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	total := 0
	for _, set := range r.users {
		total += int(set.size.Load())
	}
	return total
}
