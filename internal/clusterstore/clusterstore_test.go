package clusterstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/platt-gateway/internal/clusterhandle"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cluster.db")
	store, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestHandleReadRoundTrip(t *testing.T) {
	store := openTestStore(t)
	require.NoError(t, store.PutObject("ns1", "universe.fo.eo.nodes@000000001.000000",
		[]byte("payload"), clusterhandle.ObjectAttrs{"sha1sum": "deadbeef"}))

	h := NewHandle(store)
	require.NoError(t, h.SetNamespace("ns1"))

	ctx := context.Background()
	size, err := h.Stat(ctx, "universe.fo.eo.nodes@000000001.000000")
	require.NoError(t, err)
	require.EqualValues(t, len("payload"), size)

	content, err := h.Read(ctx, "universe.fo.eo.nodes@000000001.000000", 0)
	require.NoError(t, err)
	require.Equal(t, "payload", string(content))

	attrs, err := h.GetXAttrs(ctx, "universe.fo.eo.nodes@000000001.000000")
	require.NoError(t, err)
	require.Equal(t, "deadbeef", attrs["sha1sum"])
}

func TestHandleListObjectsAndNamespaces(t *testing.T) {
	store := openTestStore(t)
	require.NoError(t, store.PutObject("ns1", "key-a", []byte("a"), nil))
	require.NoError(t, store.PutObject("ns1", "key-b", []byte("b"), nil))
	require.NoError(t, store.PutObject("ns2", "key-c", []byte("c"), nil))

	h := NewHandle(store)
	ctx := context.Background()

	namespaces, err := h.ListNamespaces(ctx)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"ns1", "ns2"}, namespaces)

	require.NoError(t, h.SetNamespace("ns1"))
	listing, err := h.ListObjects(ctx)
	require.NoError(t, err)
	require.Len(t, listing, 2)
}

func TestHandleSetAndRmXAttr(t *testing.T) {
	store := openTestStore(t)
	require.NoError(t, store.PutObject("ns1", "key-a", []byte("a"), nil))

	h := NewHandle(store)
	require.NoError(t, h.SetNamespace("ns1"))
	ctx := context.Background()

	require.NoError(t, h.SetXAttr(ctx, "key-a", "sha1sum", []byte("cafebabe")))
	attrs, err := h.GetXAttrs(ctx, "key-a")
	require.NoError(t, err)
	require.Equal(t, "cafebabe", attrs["sha1sum"])

	require.NoError(t, h.RmXAttr(ctx, "key-a", "sha1sum"))
	attrs, err = h.GetXAttrs(ctx, "key-a")
	require.NoError(t, err)
	require.NotContains(t, attrs, "sha1sum")
}

func TestHandleReadMissingObject(t *testing.T) {
	store := openTestStore(t)
	h := NewHandle(store)
	require.NoError(t, h.SetNamespace("ns1"))

	_, statErr := h.Stat(context.Background(), "missing")
	require.Error(t, statErr)
}

func TestDialerDial(t *testing.T) {
	store := openTestStore(t)
	dialer := NewDialer(store)

	h, err := dialer.Dial(context.Background(), "config", "pool", "user")
	require.NoError(t, err)
	require.NoError(t, h.SetNamespace("ns1"))
	require.NoError(t, h.Close())
}
