// Package arbiter implements the Cluster Arbiter: a pool of persistent
// cluster connections that fan incoming storage tasks across per-kind
// priority queues so interactive reads are not starved by background
// index scans.
package arbiter

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/cuemby/platt-gateway/internal/clusterhandle"
	"github.com/cuemby/platt-gateway/internal/metrics"
)

// Task kind labels, also used as metric label values.
const (
	KindData            = "data"
	KindHashes          = "hashes"
	KindIndexNamespaces = "index_namespaces"
	KindIndex           = "index"
)

// namespaceIndexFanout bounds how many ReadNamespaceIndex tasks a single
// ReadIndex orchestration keeps in flight at once.
const namespaceIndexFanout = 8

// IndexResult is one namespace's contribution to a ReadIndex result.
type IndexResult struct {
	Namespace string
	Objects   []clusterhandle.ObjectListing
}

// PoolSizes controls how many connections are born into each priority
// pattern. The default partition is 4 data, 6 hashes (serving both
// LookupHash and ReadObjectTags, which share the hash-on-read path), 8
// index_namespaces, 1 index.
type PoolSizes struct {
	Data            int
	Hashes          int
	IndexNamespaces int
	Index           int
}

// DefaultPoolSizes returns the default pool partition.
func DefaultPoolSizes() PoolSizes {
	return PoolSizes{Data: 4, Hashes: 6, IndexNamespaces: 8, Index: 1}
}

type dataTask struct {
	taskID         string
	namespace, key string
	reply          chan dataResult
}

type dataResult struct {
	attrs   clusterhandle.ObjectAttrs
	content []byte
	err     error
}

type hashTagsTask struct {
	taskID         string
	namespace, key string
	reply          chan hashTagsResult
}

type hashTagsResult struct {
	sha1sum string
	attrs   clusterhandle.ObjectAttrs
	err     error
}

type nsIndexTask struct {
	taskID    string
	namespace string
	reply     chan nsIndexResult
}

type nsIndexResult struct {
	objects []clusterhandle.ObjectListing
	err     error
}

type readIndexTask struct {
	taskID string
	reply  chan readIndexResult
}

type readIndexResult struct {
	results []IndexResult
	err     error
}

// Arbiter owns the connection pool and task queues. Each pool worker owns
// exactly one clusterhandle.Handle; there is no shared mutable state
// between workers.
type Arbiter struct {
	dataQueue    chan *dataTask
	hashQueue    chan *hashTagsTask
	nsIndexQueue chan *nsIndexTask
	indexQueue   chan *readIndexTask

	sem *semaphore.Weighted

	log zerolog.Logger

	handles []clusterhandle.Handle
	wg      sync.WaitGroup
}

// Dial opens config/pool/user on the cluster, dials the connection pool per
// sizes, and starts the pool workers. The workers run until ctx is
// cancelled; Shutdown then waits for them and closes their handles.
func Dial(ctx context.Context, dialer clusterhandle.Dialer, config, pool, user string, sizes PoolSizes, log zerolog.Logger) (*Arbiter, error) {
	a := &Arbiter{
		dataQueue:    make(chan *dataTask, 64),
		hashQueue:    make(chan *hashTagsTask, 64),
		nsIndexQueue: make(chan *nsIndexTask, 64),
		indexQueue:   make(chan *readIndexTask, 4),
		sem:          semaphore.NewWeighted(namespaceIndexFanout),
		log:          log,
	}

	total := sizes.Data + sizes.Hashes + sizes.IndexNamespaces + sizes.Index
	if total < 2 {
		return nil, fmt.Errorf("arbiter pool must have at least two connections, got %d", total)
	}

	type spawn struct {
		kind  string
		count int
	}
	plan := []spawn{
		{KindData, sizes.Data},
		{KindHashes, sizes.Hashes},
		{KindIndexNamespaces, sizes.IndexNamespaces},
		{KindIndex, sizes.Index},
	}

	for _, s := range plan {
		for i := 0; i < s.count; i++ {
			handle, err := dialer.Dial(ctx, config, pool, user)
			if err != nil {
				a.closeHandles()
				return nil, fmt.Errorf("dial cluster connection (%s worker %d): %w", s.kind, i, err)
			}
			a.handles = append(a.handles, handle)
			metrics.ArbiterPoolSize.Inc()
			a.wg.Add(1)
			go func(kind string, h clusterhandle.Handle) {
				defer a.wg.Done()
				a.poolWorker(ctx, kind, h)
			}(s.kind, handle)
		}
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.reportQueueDepths(ctx)
	}()

	return a, nil
}

const queueDepthReportInterval = time.Second

// reportQueueDepths periodically publishes each queue's pending length so
// operators can see whether bulk work (index_namespaces) is backing up
// behind interactive reads, or vice versa.
func (a *Arbiter) reportQueueDepths(ctx context.Context) {
	ticker := time.NewTicker(queueDepthReportInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.ArbiterQueueDepth.WithLabelValues(KindData).Set(float64(len(a.dataQueue)))
			metrics.ArbiterQueueDepth.WithLabelValues(KindHashes).Set(float64(len(a.hashQueue)))
			metrics.ArbiterQueueDepth.WithLabelValues(KindIndexNamespaces).Set(float64(len(a.nsIndexQueue)))
			metrics.ArbiterQueueDepth.WithLabelValues(KindIndex).Set(float64(len(a.indexQueue)))
		}
	}
}

// Shutdown waits for all pool workers to exit and closes their handles.
// It does not stop the workers itself: ctx cancellation (driven by the
// caller) is what unblocks them, so ctx must be cancelled before Shutdown
// is called or it blocks indefinitely.
func (a *Arbiter) Shutdown() {
	a.wg.Wait()
	a.closeHandles()
}

func (a *Arbiter) closeHandles() {
	for _, h := range a.handles {
		if h != nil {
			h.Close()
		}
	}
}

func priorityPattern(kind string) (primary string, secondary []string) {
	switch kind {
	case KindData:
		return KindData, []string{KindHashes, KindIndexNamespaces, KindIndex}
	case KindHashes:
		return KindHashes, []string{KindData, KindIndexNamespaces, KindIndex}
	case KindIndexNamespaces:
		return KindIndexNamespaces, []string{KindData, KindHashes, KindIndex}
	default:
		return KindIndex, []string{KindData, KindHashes, KindIndexNamespaces}
	}
}

const primaryBlockBudget = 50 * time.Millisecond

// poolWorker implements one connection's priority-pattern drain loop. It
// blocks briefly on its primary queue, then non-blockingly peeks its
// secondary queues in priority order, then loops. After serving a fallback
// item it skips the next primary block so it keeps draining the fallback
// quickly.
func (a *Arbiter) poolWorker(ctx context.Context, kind string, handle clusterhandle.Handle) {
	_, secondary := priorityPattern(kind)
	skippedPrimary := false

	for {
		if ctx.Err() != nil {
			return
		}

		if !skippedPrimary {
			served, err := a.tryPrimary(ctx, kind, handle, primaryBlockBudget)
			if err == errShutdown {
				return
			}
			if served {
				continue
			}
		}

		handled := false
		for _, secKind := range secondary {
			ok, err := a.trySecondary(ctx, secKind, handle)
			if err == errShutdown {
				return
			}
			if ok {
				handled = true
				break
			}
		}
		skippedPrimary = handled
		if !handled {
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Millisecond):
			}
		}
	}
}

var errShutdown = fmt.Errorf("arbiter shutting down")

func (a *Arbiter) tryPrimary(ctx context.Context, kind string, handle clusterhandle.Handle, budget time.Duration) (bool, error) {
	timer := time.NewTimer(budget)
	defer timer.Stop()

	switch kind {
	case KindData:
		select {
		case <-ctx.Done():
			return false, errShutdown
		case t := <-a.dataQueue:
			a.executeData(ctx, handle, t)
			return true, nil
		case <-timer.C:
			return false, nil
		}
	case KindHashes:
		select {
		case <-ctx.Done():
			return false, errShutdown
		case t := <-a.hashQueue:
			a.executeHashTags(ctx, handle, t)
			return true, nil
		case <-timer.C:
			return false, nil
		}
	case KindIndexNamespaces:
		select {
		case <-ctx.Done():
			return false, errShutdown
		case t := <-a.nsIndexQueue:
			a.executeNsIndex(ctx, handle, t)
			return true, nil
		case <-timer.C:
			return false, nil
		}
	default:
		select {
		case <-ctx.Done():
			return false, errShutdown
		case t := <-a.indexQueue:
			a.executeReadIndex(ctx, handle, t)
			return true, nil
		case <-timer.C:
			return false, nil
		}
	}
}

func (a *Arbiter) trySecondary(ctx context.Context, kind string, handle clusterhandle.Handle) (bool, error) {
	if ctx.Err() != nil {
		return false, errShutdown
	}
	switch kind {
	case KindData:
		select {
		case t := <-a.dataQueue:
			a.executeData(ctx, handle, t)
			return true, nil
		default:
			return false, nil
		}
	case KindHashes:
		select {
		case t := <-a.hashQueue:
			a.executeHashTags(ctx, handle, t)
			return true, nil
		default:
			return false, nil
		}
	case KindIndexNamespaces:
		select {
		case t := <-a.nsIndexQueue:
			a.executeNsIndex(ctx, handle, t)
			return true, nil
		default:
			return false, nil
		}
	default:
		select {
		case t := <-a.indexQueue:
			a.executeReadIndex(ctx, handle, t)
			return true, nil
		default:
			return false, nil
		}
	}
}

func (a *Arbiter) executeData(ctx context.Context, handle clusterhandle.Handle, t *dataTask) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.ArbiterTaskDuration, KindData)

	if err := handle.SetNamespace(t.namespace); err != nil {
		a.failTask(KindData, t.taskID, t.reply, dataResult{err: err})
		return
	}
	size, err := handle.Stat(ctx, t.key)
	if err != nil {
		a.failTask(KindData, t.taskID, t.reply, dataResult{err: err})
		return
	}
	content, err := handle.Read(ctx, t.key, size)
	if err != nil {
		a.failTask(KindData, t.taskID, t.reply, dataResult{err: err})
		return
	}
	attrs, err := handle.GetXAttrs(ctx, t.key)
	if err != nil {
		a.failTask(KindData, t.taskID, t.reply, dataResult{err: err})
		return
	}
	t.reply <- dataResult{attrs: attrs, content: content}
}

// executeHashTags implements the shared hash-on-read path for both
// LookupHash and ReadObjectTags: fetch the attributes, and if sha1sum is
// missing, read the object, compute it, and write it back. A failed
// write-back is non-fatal; the computed hash is still returned.
func (a *Arbiter) executeHashTags(ctx context.Context, handle clusterhandle.Handle, t *hashTagsTask) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.ArbiterTaskDuration, KindHashes)

	if err := handle.SetNamespace(t.namespace); err != nil {
		a.failTask(KindHashes, t.taskID, t.reply, hashTagsResult{err: err})
		return
	}
	attrs, err := handle.GetXAttrs(ctx, t.key)
	if err != nil {
		a.failTask(KindHashes, t.taskID, t.reply, hashTagsResult{err: err})
		return
	}
	if attrs == nil {
		attrs = clusterhandle.ObjectAttrs{}
	}

	sha := attrs["sha1sum"]
	if sha == "" {
		size, err := handle.Stat(ctx, t.key)
		if err != nil {
			a.failTask(KindHashes, t.taskID, t.reply, hashTagsResult{err: err})
			return
		}
		content, err := handle.Read(ctx, t.key, size)
		if err != nil {
			a.failTask(KindHashes, t.taskID, t.reply, hashTagsResult{err: err})
			return
		}
		sum := sha1.Sum(content)
		sha = hex.EncodeToString(sum[:])
		if err := handle.SetXAttr(ctx, t.key, "sha1sum", []byte(sha)); err != nil {
			a.log.Warn().Err(err).Str("namespace", t.namespace).Str("key", t.key).Str("task_id", t.taskID).
				Msg("failed to persist computed sha1sum, returning computed value anyway")
		}
		attrs["sha1sum"] = sha
	}

	t.reply <- hashTagsResult{sha1sum: sha, attrs: attrs}
}

func (a *Arbiter) executeNsIndex(ctx context.Context, handle clusterhandle.Handle, t *nsIndexTask) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.ArbiterTaskDuration, KindIndexNamespaces)

	if err := handle.SetNamespace(t.namespace); err != nil {
		a.failTask(KindIndexNamespaces, t.taskID, t.reply, nsIndexResult{err: err})
		return
	}
	objects, err := handle.ListObjects(ctx)
	if err != nil {
		a.failTask(KindIndexNamespaces, t.taskID, t.reply, nsIndexResult{err: err})
		return
	}
	t.reply <- nsIndexResult{objects: objects}
}

// executeReadIndex implements the single index worker's orchestration:
// enumerate namespaces, fan out a
// ReadNamespaceIndex per namespace bounded by a semaphore, assemble the
// result, and drain any stale ReadIndex requests that piled up meanwhile
// so they all get this sweep's result instead of triggering their own.
func (a *Arbiter) executeReadIndex(ctx context.Context, handle clusterhandle.Handle, t *readIndexTask) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.ArbiterTaskDuration, KindIndex)

	namespaces, err := handle.ListNamespaces(ctx)
	if err != nil {
		a.failTask(KindIndex, t.taskID, t.reply, readIndexResult{err: err})
		return
	}

	results := make([]IndexResult, len(namespaces))
	group, gctx := errgroup.WithContext(ctx)
	for i, ns := range namespaces {
		i, ns := i, ns
		group.Go(func() error {
			if err := a.sem.Acquire(gctx, 1); err != nil {
				return err
			}
			defer a.sem.Release(1)
			objects, err := a.ReadNamespaceIndex(gctx, ns)
			if err != nil {
				a.log.Warn().Err(err).Str("namespace", ns).Str("task_id", t.taskID).Msg("namespace index fetch failed during sweep")
				results[i] = IndexResult{Namespace: ns}
				return nil
			}
			results[i] = IndexResult{Namespace: ns, Objects: objects}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		a.failTask(KindIndex, t.taskID, t.reply, readIndexResult{err: err})
		return
	}

	replies := []chan readIndexResult{t.reply}
drain:
	for {
		select {
		case extra := <-a.indexQueue:
			replies = append(replies, extra.reply)
		default:
			break drain
		}
	}
	for _, reply := range replies {
		reply <- readIndexResult{results: results}
	}
}

func (a *Arbiter) failTask(kind, taskID string, reply any, result any) {
	metrics.ArbiterTaskErrorsTotal.WithLabelValues(kind).Inc()
	a.log.Warn().Str("kind", kind).Str("task_id", taskID).Msg("arbiter task failed, dropping")
	switch r := reply.(type) {
	case chan dataResult:
		r <- result.(dataResult)
	case chan hashTagsResult:
		r <- result.(hashTagsResult)
	case chan nsIndexResult:
		r <- result.(nsIndexResult)
	case chan readIndexResult:
		r <- result.(readIndexResult)
	}
}

// ReadObjectData services a user-interactive single-object read: the
// object's raw bytes plus its full extended-attribute set.
func (a *Arbiter) ReadObjectData(ctx context.Context, namespace, key string) (clusterhandle.ObjectAttrs, []byte, error) {
	t := &dataTask{taskID: uuid.NewString(), namespace: namespace, key: key, reply: make(chan dataResult, 1)}
	select {
	case a.dataQueue <- t:
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
	select {
	case res := <-t.reply:
		return res.attrs, res.content, res.err
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
}

// LookupHash resolves a missing sha1sum for an ingest-announced object. It
// satisfies index.HashLookuper.
func (a *Arbiter) LookupHash(ctx context.Context, namespace, key string) (string, error) {
	t := &hashTagsTask{taskID: uuid.NewString(), namespace: namespace, key: key, reply: make(chan hashTagsResult, 1)}
	select {
	case a.hashQueue <- t:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	select {
	case res := <-t.reply:
		return res.sha1sum, res.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// ReadObjectTags fetches only the extended attributes of an object,
// computing and persisting its sha1sum first if absent.
func (a *Arbiter) ReadObjectTags(ctx context.Context, namespace, key string) (clusterhandle.ObjectAttrs, error) {
	t := &hashTagsTask{taskID: uuid.NewString(), namespace: namespace, key: key, reply: make(chan hashTagsResult, 1)}
	select {
	case a.hashQueue <- t:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case res := <-t.reply:
		return res.attrs, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ReadNamespaceIndex lists all objects in one namespace with their
// attributes.
func (a *Arbiter) ReadNamespaceIndex(ctx context.Context, namespace string) ([]clusterhandle.ObjectListing, error) {
	t := &nsIndexTask{taskID: uuid.NewString(), namespace: namespace, reply: make(chan nsIndexResult, 1)}
	select {
	case a.nsIndexQueue <- t:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case res := <-t.reply:
		return res.objects, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ReadIndex enumerates namespaces, fetches each one's full object listing,
// and returns the concatenated result. The Refresher calls this once per
// sweep trigger.
func (a *Arbiter) ReadIndex(ctx context.Context) ([]IndexResult, error) {
	t := &readIndexTask{taskID: uuid.NewString(), reply: make(chan readIndexResult, 1)}
	select {
	case a.indexQueue <- t:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case res := <-t.reply:
		return res.results, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
