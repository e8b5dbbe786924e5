package arbiter

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/platt-gateway/internal/clusterhandle"
)

// fakeCluster is a minimal in-memory stand-in for a cluster, shared across
// every fakeHandle a fakeDialer hands out.
type fakeCluster struct {
	mu      sync.Mutex
	objects map[string]map[string]*fakeObject // namespace -> key -> object
}

type fakeObject struct {
	content []byte
	attrs   clusterhandle.ObjectAttrs
}

func newFakeCluster() *fakeCluster {
	return &fakeCluster{objects: map[string]map[string]*fakeObject{}}
}

func (c *fakeCluster) put(ns, key string, content []byte, attrs clusterhandle.ObjectAttrs) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.objects[ns] == nil {
		c.objects[ns] = map[string]*fakeObject{}
	}
	if attrs == nil {
		attrs = clusterhandle.ObjectAttrs{}
	}
	c.objects[ns][key] = &fakeObject{content: content, attrs: attrs}
}

type fakeHandle struct {
	cluster *fakeCluster
	ns      string
}

func (h *fakeHandle) SetNamespace(ns string) error { h.ns = ns; return nil }

func (h *fakeHandle) ListObjects(ctx context.Context) ([]clusterhandle.ObjectListing, error) {
	h.cluster.mu.Lock()
	defer h.cluster.mu.Unlock()
	var out []clusterhandle.ObjectListing
	for k, o := range h.cluster.objects[h.ns] {
		out = append(out, clusterhandle.ObjectListing{Key: k, Attrs: o.attrs})
	}
	return out, nil
}

func (h *fakeHandle) Stat(ctx context.Context, key string) (int64, error) {
	h.cluster.mu.Lock()
	defer h.cluster.mu.Unlock()
	o, ok := h.cluster.objects[h.ns][key]
	if !ok {
		return 0, nil
	}
	return int64(len(o.content)), nil
}

func (h *fakeHandle) Read(ctx context.Context, key string, length int64) ([]byte, error) {
	h.cluster.mu.Lock()
	defer h.cluster.mu.Unlock()
	o := h.cluster.objects[h.ns][key]
	if o == nil {
		return nil, nil
	}
	if length <= 0 || length > int64(len(o.content)) {
		length = int64(len(o.content))
	}
	return o.content[:length], nil
}

func (h *fakeHandle) GetXAttrs(ctx context.Context, key string) (clusterhandle.ObjectAttrs, error) {
	h.cluster.mu.Lock()
	defer h.cluster.mu.Unlock()
	o := h.cluster.objects[h.ns][key]
	if o == nil {
		return clusterhandle.ObjectAttrs{}, nil
	}
	out := clusterhandle.ObjectAttrs{}
	for k, v := range o.attrs {
		out[k] = v
	}
	return out, nil
}

func (h *fakeHandle) SetXAttr(ctx context.Context, key, name string, value []byte) error {
	h.cluster.mu.Lock()
	defer h.cluster.mu.Unlock()
	o := h.cluster.objects[h.ns][key]
	if o == nil {
		return nil
	}
	o.attrs[name] = string(value)
	return nil
}

func (h *fakeHandle) RmXAttr(ctx context.Context, key, name string) error {
	h.cluster.mu.Lock()
	defer h.cluster.mu.Unlock()
	if o := h.cluster.objects[h.ns][key]; o != nil {
		delete(o.attrs, name)
	}
	return nil
}

func (h *fakeHandle) ListNamespaces(ctx context.Context) ([]string, error) {
	h.cluster.mu.Lock()
	defer h.cluster.mu.Unlock()
	var out []string
	for ns := range h.cluster.objects {
		out = append(out, ns)
	}
	return out, nil
}

func (h *fakeHandle) Close() error { return nil }

type fakeDialer struct {
	cluster *fakeCluster
}

func (d *fakeDialer) Dial(ctx context.Context, config, pool, user string) (clusterhandle.Handle, error) {
	return &fakeHandle{cluster: d.cluster}, nil
}

func testPoolSizes() PoolSizes {
	return PoolSizes{Data: 1, Hashes: 1, IndexNamespaces: 1, Index: 1}
}

func TestReadObjectData(t *testing.T) {
	cluster := newFakeCluster()
	cluster.put("ns1", "key-a", []byte("hello"), clusterhandle.ObjectAttrs{"sha1sum": "x"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a, err := Dial(ctx, &fakeDialer{cluster: cluster}, "config", "pool", "user", testPoolSizes(), zerolog.Nop())
	require.NoError(t, err)

	attrs, content, err := a.ReadObjectData(context.Background(), "ns1", "key-a")
	require.NoError(t, err)
	require.Equal(t, "hello", string(content))
	require.Equal(t, "x", attrs["sha1sum"])
}

func TestLookupHashComputesAndPersists(t *testing.T) {
	cluster := newFakeCluster()
	cluster.put("ns1", "key-a", []byte("hello"), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a, err := Dial(ctx, &fakeDialer{cluster: cluster}, "config", "pool", "user", testPoolSizes(), zerolog.Nop())
	require.NoError(t, err)

	sha, err := a.LookupHash(context.Background(), "ns1", "key-a")
	require.NoError(t, err)

	expected := sha1.Sum([]byte("hello"))
	require.Equal(t, hex.EncodeToString(expected[:]), sha)

	cluster.mu.Lock()
	persisted := cluster.objects["ns1"]["key-a"].attrs["sha1sum"]
	cluster.mu.Unlock()
	require.Equal(t, sha, persisted)

	attrs, err := a.ReadObjectTags(context.Background(), "ns1", "key-a")
	require.NoError(t, err)
	require.Equal(t, sha, attrs["sha1sum"])
}

func TestReadNamespaceIndex(t *testing.T) {
	cluster := newFakeCluster()
	cluster.put("ns1", "key-a", []byte("a"), nil)
	cluster.put("ns1", "key-b", []byte("b"), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a, err := Dial(ctx, &fakeDialer{cluster: cluster}, "config", "pool", "user", testPoolSizes(), zerolog.Nop())
	require.NoError(t, err)

	objects, err := a.ReadNamespaceIndex(context.Background(), "ns1")
	require.NoError(t, err)
	require.Len(t, objects, 2)
}

func TestReadIndexOrchestration(t *testing.T) {
	cluster := newFakeCluster()
	cluster.put("ns1", "key-a", []byte("a"), nil)
	cluster.put("ns2", "key-b", []byte("b"), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a, err := Dial(ctx, &fakeDialer{cluster: cluster}, "config", "pool", "user", testPoolSizes(), zerolog.Nop())
	require.NoError(t, err)

	results, err := a.ReadIndex(context.Background())
	require.NoError(t, err)

	namespaces := map[string]int{}
	for _, r := range results {
		namespaces[r.Namespace] = len(r.Objects)
	}
	require.Equal(t, map[string]int{"ns1": 1, "ns2": 1}, namespaces)
}

func TestReadIndexDrainsStaleRequests(t *testing.T) {
	cluster := newFakeCluster()
	cluster.put("ns1", "key-a", []byte("a"), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a, err := Dial(ctx, &fakeDialer{cluster: cluster}, "config", "pool", "user", testPoolSizes(), zerolog.Nop())
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([][]IndexResult, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := a.ReadIndex(context.Background())
			require.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()
	for _, r := range results {
		require.Len(t, r, 1)
	}
}

func TestConcurrentReadObjectDataCompletesQuickly(t *testing.T) {
	cluster := newFakeCluster()
	for i := 0; i < 10; i++ {
		cluster.put("ns1", string(rune('a'+i)), []byte("x"), clusterhandle.ObjectAttrs{"sha1sum": "x"})
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a, err := Dial(ctx, &fakeDialer{cluster: cluster}, "config", "pool", "user", DefaultPoolSizes(), zerolog.Nop())
	require.NoError(t, err)

	start := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, err := a.ReadObjectData(context.Background(), "ns1", string(rune('a'+i)))
			require.NoError(t, err)
		}(i)
	}
	wg.Wait()
	require.Less(t, time.Since(start), 500*time.Millisecond)
}
