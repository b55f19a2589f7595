// Package storage implements Constellation's optional durable snapshot
// persistence (spec §6: "Persisted state. None required by the core. Raft
// persistence hooks exist but are no-ops in this spec"). Node registry,
// DHT ring membership, and quota/reservation state can be snapshotted to a
// local BoltDB file so a restarted process can rejoin with a warm view
// instead of cold-starting purely from gossip.
package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketNodes        = []byte("nodes")
	bucketRing         = []byte("dht_ring")
	bucketQuotas       = []byte("quotas")
	bucketReservations = []byte("reservations")
)

// Store is a BoltDB-backed snapshot store. All persistence is best-effort:
// the core never blocks an operation on a failed write here (spec §9,
// "Raft persistence is stubbed; durability across restarts is ... out of
// scope" generalizes to every subsystem's snapshot).
type Store struct {
	db *bolt.DB
}

// Open creates or opens the snapshot database under dataDir.
func Open(dataDir string) (*Store, error) {
	path := filepath.Join(dataDir, "constellation.db")

	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open snapshot db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketNodes, bucketRing, bucketQuotas, bucketReservations} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// PutNode upserts a node_id's last known JSON-encoded record.
func (s *Store) PutNode(nodeID string, record any) error {
	return s.put(bucketNodes, nodeID, record)
}

// GetNode reads a node record, unmarshalling into out.
func (s *Store) GetNode(nodeID string, out any) error {
	return s.get(bucketNodes, nodeID, out)
}

// ListNodeIDs returns every persisted node_id.
func (s *Store) ListNodeIDs() ([]string, error) {
	return s.keys(bucketNodes)
}

// DeleteNode removes a node's snapshot.
func (s *Store) DeleteNode(nodeID string) error {
	return s.delete(bucketNodes, nodeID)
}

// PutRingMembership persists the set of physical node ids currently
// contributing virtual nodes to the DHT ring.
func (s *Store) PutRingMembership(nodeID string) error {
	return s.put(bucketRing, nodeID, true)
}

// DeleteRingMembership removes a physical node from the persisted ring
// membership set.
func (s *Store) DeleteRingMembership(nodeID string) error {
	return s.delete(bucketRing, nodeID)
}

// ListRingMembership returns every persisted ring member node_id.
func (s *Store) ListRingMembership() ([]string, error) {
	return s.keys(bucketRing)
}

// PutQuota persists a namespace's quota snapshot.
func (s *Store) PutQuota(namespace string, quota any) error {
	return s.put(bucketQuotas, namespace, quota)
}

// GetQuota reads a namespace's quota snapshot.
func (s *Store) GetQuota(namespace string, out any) error {
	return s.get(bucketQuotas, namespace, out)
}

// PutReservation persists a reservation snapshot.
func (s *Store) PutReservation(id string, reservation any) error {
	return s.put(bucketReservations, id, reservation)
}

// DeleteReservation removes a reservation snapshot.
func (s *Store) DeleteReservation(id string) error {
	return s.delete(bucketReservations, id)
}

// ListReservations returns every persisted reservation id.
func (s *Store) ListReservations() ([]string, error) {
	return s.keys(bucketReservations)
}

func (s *Store) put(bucket []byte, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal %s/%s: %w", bucket, key, err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Put([]byte(key), data)
	})
}

func (s *Store) get(bucket []byte, key string, out any) error {
	return s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucket).Get([]byte(key))
		if data == nil {
			return fmt.Errorf("%s/%s: not found", bucket, key)
		}
		return json.Unmarshal(data, out)
	})
}

func (s *Store) delete(bucket []byte, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Delete([]byte(key))
	})
}

func (s *Store) keys(bucket []byte) ([]string, error) {
	var out []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).ForEach(func(k, _ []byte) error {
			out = append(out, string(k))
			return nil
		})
	})
	return out, err
}
