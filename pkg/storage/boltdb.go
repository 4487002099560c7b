package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/ferret/pkg/types"
)

var (
	// Bucket names
	bucketOrchestrations = []byte("orchestrations")
	bucketStages         = []byte("stages")
	bucketEdges          = []byte("edges")
	bucketReservations   = []byte("reservations")
	bucketAlerts         = []byte("alerts")
	bucketSnapshots      = []byte("snapshots")
)

// BoltStore implements Store interface using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "ferret.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketOrchestrations,
			bucketStages,
			bucketEdges,
			bucketReservations,
			bucketAlerts,
			bucketSnapshots,
		}

		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Orchestration operations
func (s *BoltStore) CreateOrchestration(o *types.Orchestration) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketOrchestrations)
		data, err := json.Marshal(o)
		if err != nil {
			return err
		}
		return b.Put([]byte(o.ID), data)
	})
}

func (s *BoltStore) GetOrchestration(id string) (*types.Orchestration, error) {
	var o types.Orchestration
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketOrchestrations)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("orchestration %s: %w", id, types.ErrNotFound)
		}
		return json.Unmarshal(data, &o)
	})
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func (s *BoltStore) ListOrchestrations() ([]*types.Orchestration, error) {
	var orchestrations []*types.Orchestration
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketOrchestrations)
		return b.ForEach(func(k, v []byte) error {
			var o types.Orchestration
			if err := json.Unmarshal(v, &o); err != nil {
				return err
			}
			orchestrations = append(orchestrations, &o)
			return nil
		})
	})
	return orchestrations, err
}

func (s *BoltStore) ListOrchestrationsByStatus(status types.OrchestrationStatus) ([]*types.Orchestration, error) {
	all, err := s.ListOrchestrations()
	if err != nil {
		return nil, err
	}

	var filtered []*types.Orchestration
	for _, o := range all {
		if o.Status == status {
			filtered = append(filtered, o)
		}
	}
	return filtered, nil
}

func (s *BoltStore) ListOrchestrationsByBatch(batchID string) ([]*types.Orchestration, error) {
	all, err := s.ListOrchestrations()
	if err != nil {
		return nil, err
	}

	var filtered []*types.Orchestration
	for _, o := range all {
		if o.BatchID == batchID {
			filtered = append(filtered, o)
		}
	}
	return filtered, nil
}

func (s *BoltStore) UpdateOrchestration(o *types.Orchestration) error {
	return s.CreateOrchestration(o) // Same as create (upsert)
}

func (s *BoltStore) DeleteOrchestration(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketOrchestrations)
		return b.Delete([]byte(id))
	})
}

// Stage operations
func (s *BoltStore) CreateStage(st *types.Stage) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketStages)
		data, err := json.Marshal(st)
		if err != nil {
			return err
		}
		return b.Put([]byte(st.ID), data)
	})
}

func (s *BoltStore) GetStage(id string) (*types.Stage, error) {
	var st types.Stage
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketStages)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("stage %s: %w", id, types.ErrNotFound)
		}
		return json.Unmarshal(data, &st)
	})
	if err != nil {
		return nil, err
	}
	return &st, nil
}

func (s *BoltStore) ListStagesByOrchestration(orchestrationID string) ([]*types.Stage, error) {
	var stages []*types.Stage
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketStages)
		return b.ForEach(func(k, v []byte) error {
			var st types.Stage
			if err := json.Unmarshal(v, &st); err != nil {
				return err
			}
			if st.OrchestrationID == orchestrationID {
				stages = append(stages, &st)
			}
			return nil
		})
	})
	return stages, err
}

func (s *BoltStore) UpdateStage(st *types.Stage) error {
	return s.CreateStage(st)
}

func (s *BoltStore) DeleteStage(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketStages)
		return b.Delete([]byte(id))
	})
}

// Dependency edge operations
func (s *BoltStore) CreateEdge(e *types.DependencyEdge) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEdges)
		data, err := json.Marshal(e)
		if err != nil {
			return err
		}
		return b.Put([]byte(e.ID), data)
	})
}

func (s *BoltStore) GetEdge(id string) (*types.DependencyEdge, error) {
	var e types.DependencyEdge
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEdges)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("edge %s: %w", id, types.ErrNotFound)
		}
		return json.Unmarshal(data, &e)
	})
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *BoltStore) ListEdges() ([]*types.DependencyEdge, error) {
	var edges []*types.DependencyEdge
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEdges)
		return b.ForEach(func(k, v []byte) error {
			var e types.DependencyEdge
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			edges = append(edges, &e)
			return nil
		})
	})
	return edges, err
}

func (s *BoltStore) ListEdgesBySource(source string) ([]*types.DependencyEdge, error) {
	all, err := s.ListEdges()
	if err != nil {
		return nil, err
	}

	var filtered []*types.DependencyEdge
	for _, e := range all {
		if e.Source == source {
			filtered = append(filtered, e)
		}
	}
	return filtered, nil
}

func (s *BoltStore) ListEdgesByTarget(target string) ([]*types.DependencyEdge, error) {
	all, err := s.ListEdges()
	if err != nil {
		return nil, err
	}

	var filtered []*types.DependencyEdge
	for _, e := range all {
		if e.Target == target {
			filtered = append(filtered, e)
		}
	}
	return filtered, nil
}

func (s *BoltStore) UpdateEdge(e *types.DependencyEdge) error {
	return s.CreateEdge(e)
}

func (s *BoltStore) DeleteEdge(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEdges)
		return b.Delete([]byte(id))
	})
}

// Reservation operations
func (s *BoltStore) CreateReservation(r *types.Reservation) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketReservations)
		data, err := json.Marshal(r)
		if err != nil {
			return err
		}
		return b.Put([]byte(r.ID), data)
	})
}

func (s *BoltStore) GetReservation(id string) (*types.Reservation, error) {
	var r types.Reservation
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketReservations)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("reservation %s: %w", id, types.ErrNotFound)
		}
		return json.Unmarshal(data, &r)
	})
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *BoltStore) ListReservations() ([]*types.Reservation, error) {
	var reservations []*types.Reservation
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketReservations)
		return b.ForEach(func(k, v []byte) error {
			var r types.Reservation
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			reservations = append(reservations, &r)
			return nil
		})
	})
	return reservations, err
}

func (s *BoltStore) UpdateReservation(r *types.Reservation) error {
	return s.CreateReservation(r)
}

func (s *BoltStore) DeleteReservation(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketReservations)
		return b.Delete([]byte(id))
	})
}

// Snapshot operations. Keys are timestamp-then-sequence so a cursor
// walks the bucket in chronological order.
func snapshotKey(snap *types.Snapshot) []byte {
	return []byte(fmt.Sprintf("%020d.%012d", snap.Timestamp.UnixNano(), snap.Seq))
}

func (s *BoltStore) AppendSnapshots(snaps []*types.Snapshot) error {
	if len(snaps) == 0 {
		return nil
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSnapshots)
		for _, snap := range snaps {
			data, err := json.Marshal(snap)
			if err != nil {
				return err
			}
			if err := b.Put(snapshotKey(snap), data); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) ListSnapshots(orchestrationID string, limit int) ([]*types.Snapshot, error) {
	var snaps []*types.Snapshot
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSnapshots)
		return b.ForEach(func(k, v []byte) error {
			var snap types.Snapshot
			if err := json.Unmarshal(v, &snap); err != nil {
				return err
			}
			if snap.OrchestrationID == orchestrationID {
				snaps = append(snaps, &snap)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(snaps) > limit {
		snaps = snaps[len(snaps)-limit:]
	}
	return snaps, nil
}

func (s *BoltStore) DeleteSnapshotsBefore(cutoff time.Time) error {
	// Keys sort by timestamp, so deletion stops at the first row at
	// or past the cutoff.
	boundary := []byte(fmt.Sprintf("%020d.", cutoff.UnixNano()))
	return s.db.Update(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketSnapshots).Cursor()
		for k, _ := c.First(); k != nil && bytes.Compare(k, boundary) < 0; k, _ = c.Next() {
			if err := c.Delete(); err != nil {
				return err
			}
		}
		return nil
	})
}

// Alert operations
func (s *BoltStore) CreateAlert(a *types.Alert) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAlerts)
		data, err := json.Marshal(a)
		if err != nil {
			return err
		}
		return b.Put([]byte(a.ID), data)
	})
}

func (s *BoltStore) GetAlert(id string) (*types.Alert, error) {
	var a types.Alert
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAlerts)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("alert %s: %w", id, types.ErrNotFound)
		}
		return json.Unmarshal(data, &a)
	})
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *BoltStore) ListAlerts() ([]*types.Alert, error) {
	var alerts []*types.Alert
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAlerts)
		return b.ForEach(func(k, v []byte) error {
			var a types.Alert
			if err := json.Unmarshal(v, &a); err != nil {
				return err
			}
			alerts = append(alerts, &a)
			return nil
		})
	})
	return alerts, err
}

func (s *BoltStore) UpdateAlert(a *types.Alert) error {
	return s.CreateAlert(a)
}

func (s *BoltStore) DeleteAlert(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAlerts)
		return b.Delete([]byte(id))
	})
}
