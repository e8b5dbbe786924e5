// Package clusterstore provides a BoltDB-backed implementation of
// clusterhandle.Handle. The production storage cluster client is an
// external library; this package exists so the Cluster Arbiter, Refresher
// and Backend Endpoint have a concrete, persistent object pool to run
// against in tests and in the CLI's --test self-check.
package clusterstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/platt-gateway/internal/clusterhandle"
)

// reservedNamespacesBucket is a bucket name that can never collide with a real namespace,
// used to track namespace existence independent of whether a namespace's
// object bucket happens to be empty.
var reservedNamespacesBucket = []byte("\x00namespaces")

type objectRecord struct {
	Attrs   map[string]string `json:"attrs"`
	Content []byte            `json:"content"`
}

// Store is the shared BoltDB-backed object pool. One Store typically backs
// many Handles (one per arbiter pool worker), mirroring a real cluster
// client library where many connections share one physical cluster.
type Store struct {
	db *bolt.DB
	mu sync.Mutex
}

// Open opens (creating if necessary) a BoltDB-backed object pool at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("open cluster store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(reservedNamespacesBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// PutObject seeds or overwrites an object's content and attributes. Test and
// --test self-check helper; a real cluster client would instead be written
// to by whatever external process produces objects.
func (s *Store) PutObject(ns, key string, content []byte, attrs clusterhandle.ObjectAttrs) error {
	if attrs == nil {
		attrs = clusterhandle.ObjectAttrs{}
	}
	rec := objectRecord{Attrs: attrs, Content: content}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := s.ensureNamespace(tx, ns); err != nil {
			return err
		}
		b, err := tx.CreateBucketIfNotExists([]byte(ns))
		if err != nil {
			return err
		}
		return b.Put([]byte(key), data)
	})
}

func (s *Store) ensureNamespace(tx *bolt.Tx, ns string) error {
	nsb := tx.Bucket(reservedNamespacesBucket)
	return nsb.Put([]byte(ns), []byte{1})
}

func (s *Store) listNamespaces() ([]string, error) {
	var namespaces []string
	err := s.db.View(func(tx *bolt.Tx) error {
		nsb := tx.Bucket(reservedNamespacesBucket)
		return nsb.ForEach(func(k, _ []byte) error {
			namespaces = append(namespaces, string(k))
			return nil
		})
	})
	return namespaces, err
}

func (s *Store) listObjects(ns string) ([]clusterhandle.ObjectListing, error) {
	var out []clusterhandle.ObjectListing
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(ns))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var rec objectRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			out = append(out, clusterhandle.ObjectListing{
				Key:   string(k),
				Attrs: clusterhandle.ObjectAttrs(rec.Attrs),
			})
			return nil
		})
	})
	return out, err
}

func (s *Store) getObject(ns, key string) (objectRecord, bool, error) {
	var rec objectRecord
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(ns))
		if b == nil {
			return nil
		}
		data := b.Get([]byte(key))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &rec)
	})
	return rec, found, err
}

func (s *Store) setXAttr(ns, key, name string, value []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(ns))
		if b == nil {
			return fmt.Errorf("namespace %q not found", ns)
		}
		data := b.Get([]byte(key))
		if data == nil {
			return fmt.Errorf("object %q not found in namespace %q", key, ns)
		}
		var rec objectRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return err
		}
		if rec.Attrs == nil {
			rec.Attrs = map[string]string{}
		}
		rec.Attrs[name] = string(value)
		updated, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put([]byte(key), updated)
	})
}

func (s *Store) rmXAttr(ns, key, name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(ns))
		if b == nil {
			return fmt.Errorf("namespace %q not found", ns)
		}
		data := b.Get([]byte(key))
		if data == nil {
			return fmt.Errorf("object %q not found in namespace %q", key, ns)
		}
		var rec objectRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return err
		}
		delete(rec.Attrs, name)
		updated, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put([]byte(key), updated)
	})
}

// Handle is a clusterhandle.Handle bound to one Store and (optionally) one
// current namespace, matching the 1:1 handle-per-worker ownership model.
type Handle struct {
	store *Store
	ns    string
}

// NewHandle returns a Handle over store with no namespace selected yet.
func NewHandle(store *Store) *Handle {
	return &Handle{store: store}
}

func (h *Handle) SetNamespace(ns string) error {
	h.ns = ns
	return nil
}

func (h *Handle) ListObjects(ctx context.Context) ([]clusterhandle.ObjectListing, error) {
	if h.ns == "" {
		return nil, fmt.Errorf("no namespace selected")
	}
	return h.store.listObjects(h.ns)
}

func (h *Handle) Stat(ctx context.Context, key string) (int64, error) {
	rec, found, err := h.store.getObject(h.ns, key)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, fmt.Errorf("object %q not found in namespace %q", key, h.ns)
	}
	return int64(len(rec.Content)), nil
}

func (h *Handle) Read(ctx context.Context, key string, length int64) ([]byte, error) {
	rec, found, err := h.store.getObject(h.ns, key)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("object %q not found in namespace %q", key, h.ns)
	}
	if length <= 0 || length > int64(len(rec.Content)) {
		length = int64(len(rec.Content))
	}
	return rec.Content[:length], nil
}

func (h *Handle) GetXAttrs(ctx context.Context, key string) (clusterhandle.ObjectAttrs, error) {
	rec, found, err := h.store.getObject(h.ns, key)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("object %q not found in namespace %q", key, h.ns)
	}
	return clusterhandle.ObjectAttrs(rec.Attrs), nil
}

func (h *Handle) SetXAttr(ctx context.Context, key, name string, value []byte) error {
	return h.store.setXAttr(h.ns, key, name, value)
}

func (h *Handle) RmXAttr(ctx context.Context, key, name string) error {
	return h.store.rmXAttr(h.ns, key, name)
}

func (h *Handle) ListNamespaces(ctx context.Context) ([]string, error) {
	return h.store.listNamespaces()
}

func (h *Handle) Close() error {
	return nil
}

// Dialer hands out Handles bound to a single shared Store, the BoltDB
// stand-in for a pool of connections to one physical cluster.
type Dialer struct {
	store *Store
}

// NewDialer wraps store as a clusterhandle.Dialer.
func NewDialer(store *Store) *Dialer {
	return &Dialer{store: store}
}

func (d *Dialer) Dial(ctx context.Context, config, pool, user string) (clusterhandle.Handle, error) {
	return NewHandle(d.store), nil
}
