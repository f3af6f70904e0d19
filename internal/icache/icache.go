// Package icache implements the inline-cache invalidation registry: a
// PropertyId-keyed index of which compiled caches must be invalidated when
// a property's shape changes.
//
// # Design rationale
//
// Each registered cache gets a self-pointer back into its list node, so
// both invalidate-for and compaction are O(1) per touched entry rather
// than needing a secondary index. Cross-instance broadcast (optional, set
// through Config.Broadcaster; CreateCoreContext sets none) follows
// the teacher's cache invalidator: a Pub/Sub channel carrying the
// invalidated key, subscribed by every other process sharing the same
// logical cache.
//
// # Concurrency model
//
// The registry is owned by a single CoreContext and mutated only from its
// script thread, except for post-batch-unregister accounting, which may be
// called from a background dispose goroutine; a sync.Mutex protects the
// maps and counters.
package icache

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"

	goredis "github.com/go-redis/redis/v8"

	"github.com/oriys/corevm/internal/interner"
	"github.com/oriys/corevm/internal/logging"
	"github.com/oriys/corevm/internal/metrics"
)

var errInvalidWireMsg = errors.New("icache: malformed invalidation payload")

// Kind distinguishes the two cache families the registry tracks.
type Kind int

const (
	KindPrototype Kind = iota
	KindStoreField
)

func (k Kind) String() string {
	if k == KindStoreField {
		return "store-field"
	}
	return "prototype"
}

// Entry is one registered inline cache. Zero is a well-defined "miss"
// sentinel: once zeroed, the cache causes recompilation on next use.
type Entry struct {
	PropertyId interner.PropertyId
	Kind       Kind
	Payload    any // opaque compiled-cache state; zeroed (set to nil) on invalidate

	list *entryList
	node *entryNode
}

type entryNode struct {
	entry *Entry
	prev  *entryNode
	next  *entryNode
}

type entryList struct {
	head *entryNode
	tail *entryNode
	n    int
}

func (l *entryList) prepend(e *Entry) *entryNode {
	node := &entryNode{entry: e}
	if l.head != nil {
		l.head.prev = node
		node.next = l.head
	} else {
		l.tail = node
	}
	l.head = node
	l.n++
	return node
}

func (l *entryList) remove(node *entryNode) {
	if node.prev != nil {
		node.prev.next = node.next
	} else {
		l.head = node.next
	}
	if node.next != nil {
		node.next.prev = node.prev
	} else {
		l.tail = node.prev
	}
	node.prev, node.next = nil, nil
	l.n--
}

// Broadcaster publishes and receives cross-instance invalidation signals.
// A Registry uses one only when it is given through Config.Broadcaster;
// CreateCoreContext gives none, whatever OptimizeForManyInstances says.
type Broadcaster struct {
	client  *goredis.Client
	channel string
	onRemote func(propertyId interner.PropertyId, kind Kind)

	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewBroadcaster wires a Registry's invalidations to a Redis Pub/Sub
// channel so every corevm process sharing client invalidates the same
// PropertyId.
func NewBroadcaster(client *goredis.Client, channel string, onRemote func(interner.PropertyId, Kind)) *Broadcaster {
	if channel == "" {
		channel = "corevm:icache:invalidate"
	}
	return &Broadcaster{client: client, channel: channel, onRemote: onRemote}
}

// Start begins listening for remote invalidation signals until ctx is
// cancelled or Close is called.
func (b *Broadcaster) Start(ctx context.Context) {
	subCtx, cancel := context.WithCancel(ctx)
	b.mu.Lock()
	b.cancel = cancel
	b.mu.Unlock()

	pubsub := b.client.Subscribe(subCtx, b.channel)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-subCtx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			id, kind, err := decodeWireMsg(msg.Payload)
			if err != nil {
				logging.Op().Warn("icache.broadcast_decode_failed", "error", err.Error())
				continue
			}
			if b.onRemote != nil {
				b.onRemote(id, kind)
			}
		}
	}
}

// Publish announces a local invalidation to every other subscribed
// process.
func (b *Broadcaster) Publish(ctx context.Context, propertyId interner.PropertyId, kind Kind) error {
	return b.client.Publish(ctx, b.channel, encodeWireMsg(propertyId, kind)).Err()
}

// Close stops the broadcaster's listener goroutine.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cancel != nil {
		b.cancel()
	}
}

// Registry is the PropertyId-keyed inline-cache invalidation index.
type Registry struct {
	mu sync.Mutex

	byProperty [2]map[interner.PropertyId]*entryList // indexed by Kind
	isInstance map[any]*entryList                    // constructor value -> is-instance caches

	unregisteredCount int
	registeredCount   int
	compactionThreshold float64

	broadcaster *Broadcaster
}

// Config tunes the registry's compaction behaviour.
type Config struct {
	CompactionThreshold float64 // unregistered:registered ratio that triggers compaction
	Broadcaster         *Broadcaster
}

// New creates an empty Registry.
func New(cfg Config) *Registry {
	if cfg.CompactionThreshold <= 0 {
		cfg.CompactionThreshold = 0.5
	}
	return &Registry{
		byProperty:          [2]map[interner.PropertyId]*entryList{make(map[interner.PropertyId]*entryList), make(map[interner.PropertyId]*entryList)},
		isInstance:          make(map[any]*entryList),
		compactionThreshold: cfg.CompactionThreshold,
		broadcaster:         cfg.Broadcaster,
	}
}

// Register prepends a new Entry to the list for propertyId/kind, giving it
// a self-pointer so later unregistration and compaction are O(1).
func (r *Registry) Register(propertyId interner.PropertyId, kind Kind, payload any) *Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	e := &Entry{PropertyId: propertyId, Kind: kind, Payload: payload}
	list, ok := r.byProperty[kind][propertyId]
	if !ok {
		list = &entryList{}
		r.byProperty[kind][propertyId] = list
	}
	e.list = list
	e.node = list.prepend(e)
	r.registeredCount++

	metrics.RecordICacheRegistered(kind.String())
	return e
}

// RegisterIsInstance registers an is-instance cache keyed by a constructor
// value, independent of the two PropertyId-keyed maps.
func (r *Registry) RegisterIsInstance(constructor any, payload any) *Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	e := &Entry{Payload: payload}
	list, ok := r.isInstance[constructor]
	if !ok {
		list = &entryList{}
		r.isInstance[constructor] = list
	}
	e.list = list
	e.node = list.prepend(e)
	r.registeredCount++
	return e
}

// Unregister removes a single Entry from its list, leaving every other
// cache sharing its PropertyId/Kind untouched — the single-entry
// counterpart to InvalidateFor's whole-list removal, for a caller
// disposing of exactly one compiled cache (e.g. a JIT function being
// thrown away) rather than reacting to a shape change. Calling it again for
// an Entry already unregistered is a no-op.
func (r *Registry) Unregister(e *Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e.list == nil || e.node == nil {
		return
	}
	e.list.remove(e.node)
	e.list, e.node = nil, nil

	r.unregisteredCount++
	if r.registeredCount > 0 {
		ratio := float64(r.unregisteredCount) / float64(r.registeredCount)
		if ratio >= r.compactionThreshold {
			r.compactLocked()
		}
	}
}

// InvalidateFor removes the entire list for propertyId/kind, zeroing each
// cache's payload so it becomes a well-defined miss sentinel that forces
// recompilation on next use.
func (r *Registry) InvalidateFor(ctx context.Context, propertyId interner.PropertyId, kind Kind) {
	r.mu.Lock()
	list, ok := r.byProperty[kind][propertyId]
	if ok {
		r.zeroListLocked(list)
		delete(r.byProperty[kind], propertyId)
	}
	r.mu.Unlock()

	if !ok {
		return
	}
	metrics.RecordICacheInvalidated(kind.String(), list.n)
	if r.broadcaster != nil {
		if err := r.broadcaster.Publish(ctx, propertyId, kind); err != nil {
			logging.Op().Warn("icache.broadcast_publish_failed", "error", err.Error())
		}
	}
}

// InvalidateAll invalidates every list for the given kind.
func (r *Registry) InvalidateAll(kind Kind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, list := range r.byProperty[kind] {
		r.zeroListLocked(list)
		metrics.RecordICacheInvalidated(kind.String(), list.n)
		delete(r.byProperty[kind], id)
	}
}

func (r *Registry) zeroListLocked(list *entryList) {
	for node := list.head; node != nil; node = node.next {
		node.entry.Payload = nil
	}
}

// PostBatchUnregister records that count entries were unregistered outside
// of InvalidateFor/InvalidateAll (e.g. the recycler's pre-sweep phase
// clearing caches for unreachable types). Once the unregistered:registered
// ratio crosses the configured threshold, the registry compacts.
func (r *Registry) PostBatchUnregister(count int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unregisteredCount += count
	if r.registeredCount == 0 {
		return
	}
	ratio := float64(r.unregisteredCount) / float64(r.registeredCount)
	if ratio >= r.compactionThreshold {
		r.compactLocked()
	}
}

func (r *Registry) compactLocked() {
	compact := func(lists map[interner.PropertyId]*entryList) {
		for id, list := range lists {
			filtered := &entryList{}
			for node := list.head; node != nil; node = node.next {
				if node.entry.Payload != nil {
					e := node.entry
					e.list = filtered
					e.node = filtered.prepend(e)
				}
			}
			if filtered.n == 0 {
				delete(lists, id)
			} else {
				lists[id] = filtered
			}
		}
	}
	compact(r.byProperty[KindPrototype])
	compact(r.byProperty[KindStoreField])

	r.unregisteredCount = 0
	r.registeredCount = 0
	for _, lists := range r.byProperty {
		for _, l := range lists {
			r.registeredCount += l.n
		}
	}
	metrics.RecordICacheCompaction()
}

func encodeWireMsg(id interner.PropertyId, kind Kind) string {
	return strconv.FormatUint(uint64(id), 10) + ":" + strconv.Itoa(int(kind))
}

func decodeWireMsg(payload string) (interner.PropertyId, Kind, error) {
	idPart, kindPart, ok := strings.Cut(payload, ":")
	if !ok {
		return 0, 0, errInvalidWireMsg
	}
	id, err := strconv.ParseUint(idPart, 10, 32)
	if err != nil {
		return 0, 0, err
	}
	kind, err := strconv.Atoi(kindPart)
	if err != nil {
		return 0, 0, err
	}
	return interner.PropertyId(id), Kind(kind), nil
}
