// Package clusterhandle defines the narrow capability set the gateway
// consumes from the object-storage cluster client library. The physical
// client library is external; this interface is the seam between the
// Cluster Arbiter and whatever library actually talks to the storage
// cluster.
package clusterhandle

import "context"

// ObjectAttrs is the extended-attribute set of a single object, string keys
// to string values. "sha1sum" is the well-known attribute name the gateway
// uses to persist a computed content hash.
type ObjectAttrs map[string]string

// ObjectListing is one entry returned while listing a namespace: the raw
// object key plus its extended attributes.
type ObjectListing struct {
	Key   string
	Attrs ObjectAttrs
}

// Handle is the capability set consumed from the cluster client library.
// The Cluster Arbiter owns one Handle per pool worker and never shares a
// Handle across workers; each is bound to its own namespace via
// SetNamespace.
type Handle interface {
	// SetNamespace scopes subsequent per-object operations to ns.
	SetNamespace(ns string) error

	// ListObjects enumerates all objects in the current namespace.
	ListObjects(ctx context.Context) ([]ObjectListing, error)

	// Stat returns the size in bytes of key in the current namespace.
	Stat(ctx context.Context, key string) (int64, error)

	// Read reads up to length bytes of key's content in the current
	// namespace, starting at offset 0.
	Read(ctx context.Context, key string, length int64) ([]byte, error)

	// GetXAttrs returns the extended attributes of key in the current
	// namespace.
	GetXAttrs(ctx context.Context, key string) (ObjectAttrs, error)

	// SetXAttr writes a single extended attribute on key in the current
	// namespace.
	SetXAttr(ctx context.Context, key, name string, value []byte) error

	// RmXAttr removes a single extended attribute from key in the current
	// namespace.
	RmXAttr(ctx context.Context, key, name string) error

	// ListNamespaces enumerates the distinct namespaces present in the pool.
	ListNamespaces(ctx context.Context) ([]string, error)

	// Close releases any resources the handle holds (e.g. the underlying
	// cluster connection).
	Close() error
}

// Dialer connects to the cluster and opens a pool, producing one Handle per
// call; the Cluster Arbiter calls this once per pool worker.
type Dialer interface {
	Dial(ctx context.Context, config, pool, user string) (Handle, error)
}
