// Package index implements the Index Store: the in-memory authoritative
// map of known objects, organized as a nested tree keyed by decoded key
// fields.
package index

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/cuemby/platt-gateway/internal/metrics"
	"github.com/cuemby/platt-gateway/internal/objectkey"
)

// Record is one (namespace, key, sha1sum) tuple flowing in from the Ingest
// Endpoint or the Refresher, and back out to the Backend Endpoint's
// new-file push conversation.
type Record struct {
	Namespace string
	Key       string
	Sha1sum   string
}

// HashLookuper is the capability the Index Store needs from the Cluster
// Arbiter: resolve a missing sha1sum for an ingest-announced object. The
// Arbiter satisfies this by servicing a ReadObjectHash task internally.
type HashLookuper interface {
	LookupHash(ctx context.Context, namespace, key string) (string, error)
}

const (
	idleThrottle = 10 * time.Millisecond
	sweepWarmup  = 5 * time.Second
	sweepPeriod  = 10 * time.Minute
)

// Store owns the index tree and the admitted-coordinate set. All other
// components reach it only through channels and the exported request
// methods.
type Store struct {
	mu       sync.RWMutex
	root     map[string]any
	admitted map[string]map[string]any // "<namespace>\t<key>" -> leaf node (shared with root)

	ingestCh    chan Record
	refresherCh chan Record
	sweepCh     chan struct{}
	newFileCh   chan Record

	lookuper HashLookuper
	log      zerolog.Logger
}

// NewStore constructs an empty Index Store. lookuper may be nil in tests
// that only exercise refresher-sourced or pre-hashed records.
func NewStore(lookuper HashLookuper, log zerolog.Logger) *Store {
	return &Store{
		root:        map[string]any{},
		admitted:    map[string]map[string]any{},
		ingestCh:    make(chan Record, 256),
		refresherCh: make(chan Record, 4096),
		sweepCh:     make(chan struct{}, 1),
		newFileCh:   make(chan Record, 1024),
		lookuper:    lookuper,
		log:         log,
	}
}

// IngestChan is the inbound channel the Ingest Endpoint publishes
// (namespace, key, sha1sum) announcements to.
func (s *Store) IngestChan() chan<- Record { return s.ingestCh }

// RefresherChan is the inbound channel the Refresher publishes sweep
// results to.
func (s *Store) RefresherChan() chan<- Record { return s.refresherCh }

// NewFileChan is the outbound channel the Backend Endpoint's new-file push
// conversation drains. When no backend is connected, the caller must keep
// draining and discarding so a later reconnect does not replay a stale
// burst.
func (s *Store) NewFileChan() <-chan Record { return s.newFileCh }

// SweepChan delivers periodic (and on-demand) full-sweep triggers for the
// Refresher to consume.
func (s *Store) SweepChan() <-chan struct{} { return s.sweepCh }

// TriggerSweep requests an immediate full sweep, coalescing with any
// already-pending trigger.
func (s *Store) TriggerSweep() {
	select {
	case s.sweepCh <- struct{}{}:
	default:
	}
}

// Run starts the Index Store's cooperating tasks and blocks until ctx is
// cancelled: the inbound-from-ingest loop, the inbound-from-refresher
// loop, and the periodic sweep trigger.
func (s *Store) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); s.inboundFromIngestLoop(ctx) }()
	go func() { defer wg.Done(); s.inboundFromRefresherLoop(ctx) }()
	go func() { defer wg.Done(); s.sweepTriggerLoop(ctx) }()
	wg.Wait()
}

func (s *Store) inboundFromIngestLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case rec, ok := <-s.ingestCh:
			if !ok {
				return
			}
			sha := rec.Sha1sum
			if sha == "" && s.lookuper != nil {
				metrics.IndexHashLookupsTotal.Inc()
				looked, err := s.lookuper.LookupHash(ctx, rec.Namespace, rec.Key)
				if err != nil {
					s.log.Warn().Err(err).Str("namespace", rec.Namespace).Str("key", rec.Key).
						Msg("hash lookup failed for ingest record, discarding")
					continue
				}
				sha = looked
			}
			s.Add(rec.Namespace, rec.Key, sha)
			s.pushNewFile(Record{Namespace: rec.Namespace, Key: rec.Key, Sha1sum: sha})
		}
	}
}

// inboundFromRefresherLoop drains refresher-sourced records back-to-back
// while a sweep is in flight, and throttles to idleThrottle between polls
// once the channel runs dry.
func (s *Store) inboundFromRefresherLoop(ctx context.Context) {
	limiter := rate.NewLimiter(rate.Every(idleThrottle), 1)
	for {
		select {
		case <-ctx.Done():
			return
		case rec, ok := <-s.refresherCh:
			if !ok {
				return
			}
			s.Add(rec.Namespace, rec.Key, rec.Sha1sum)
			continue
		default:
		}

		if err := limiter.Wait(ctx); err != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case rec, ok := <-s.refresherCh:
			if !ok {
				return
			}
			s.Add(rec.Namespace, rec.Key, rec.Sha1sum)
		}
	}
}

func (s *Store) sweepTriggerLoop(ctx context.Context) {
	select {
	case <-ctx.Done():
		return
	case <-time.After(sweepWarmup):
	}
	s.TriggerSweep()

	ticker := time.NewTicker(sweepPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.TriggerSweep()
		}
	}
}

func (s *Store) pushNewFile(rec Record) {
	select {
	case s.newFileCh <- rec:
	default:
		s.log.Debug().Str("namespace", rec.Namespace).Str("key", rec.Key).
			Msg("new-file push channel full, dropping")
	}
}

// Add admits one (namespace, key, sha1sum) record: an already-admitted
// coordinate only has its leaf's sha1sum upgraded when the incoming value
// is non-empty, an unparseable key is dropped at debug, and a new
// coordinate is walked into the tree and marked admitted.
func (s *Store) Add(namespace, key, sha1sum string) {
	admKey := namespace + "\t" + key

	s.mu.Lock()
	if leaf, ok := s.admitted[admKey]; ok {
		if sha1sum != "" {
			leaf["sha1sum"] = sha1sum
		}
		s.mu.Unlock()
		return
	}

	decoded, ok := objectkey.Parse(key)
	if !ok {
		s.mu.Unlock()
		s.log.Debug().Str("key", key).Msg("discarding unparseable object key")
		return
	}

	nsNode := getOrCreateChild(s.root, namespace)
	tsNode := getOrCreateChild(nsNode, decoded.Timestep)

	path := leafPath(decoded)
	cur := tsNode
	for _, seg := range path[:len(path)-1] {
		cur = getOrCreateChild(cur, seg)
	}
	leaf := map[string]any{"object_key": key, "sha1sum": sha1sum}
	cur[path[len(path)-1]] = leaf
	s.admitted[admKey] = leaf
	s.mu.Unlock()

	metrics.IndexObjectsTotal.Inc()
}

// Contains reports whether (namespace, key) has been admitted.
func (s *Store) Contains(namespace, key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.admitted[namespace+"\t"+key]
	return ok
}

// Snapshot serves the Backend Endpoint's index conversation: it returns a
// deep copy of the tree, optionally scoped to one namespace, sharing no
// mutable state with the live tree or with any other snapshot. Store is
// safe for concurrent use, so the method call replaces a request/reply
// channel pair with no actor loop needed to serialize access.
func (s *Store) Snapshot(namespace string) map[string]any {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.IndexSnapshotDuration)

	s.mu.RLock()
	defer s.mu.RUnlock()

	if namespace != "" {
		nsNode, ok := s.root[namespace]
		if !ok {
			return map[string]any{}
		}
		return map[string]any{namespace: deepCopy(nsNode)}
	}
	return deepCopy(s.root).(map[string]any)
}

func getOrCreateChild(parent map[string]any, key string) map[string]any {
	if existing, ok := parent[key]; ok {
		if child, ok := existing.(map[string]any); ok {
			return child
		}
	}
	child := map[string]any{}
	parent[key] = child
	return child
}

// leafPath computes the path segments under the timestep node for the
// decoded key's usage. The simtype segment is omitted entirely when the
// key grammar produced no simtype.
func leafPath(d objectkey.Decoded) []string {
	var path []string
	if d.Simtype != "" {
		path = append(path, d.Simtype)
	}
	path = append(path, d.Usage)

	switch d.Usage {
	case objectkey.UsageNodes, objectkey.UsageBoundingBox:
		// no further tokens
	case objectkey.UsageElements, objectkey.UsageElementActivationBitmap:
		path = append(path, d.Elemtype)
	case objectkey.UsageSkin:
		path = append(path, d.Skintype, d.Elemtype)
	case objectkey.UsageNodal, objectkey.UsageNset:
		path = append(path, d.Fieldname)
		if d.Elemtype != "" {
			path = append(path, d.Elemtype)
		}
	case objectkey.UsageElemental, objectkey.UsageElset:
		path = append(path, d.Fieldname, d.Elemtype)
	}
	return path
}

func deepCopy(v any) any {
	m, ok := v.(map[string]any)
	if !ok {
		return v
	}
	out := make(map[string]any, len(m))
	for k, val := range m {
		out[k] = deepCopy(val)
	}
	return out
}
