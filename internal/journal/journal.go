// Package journal keeps an append-only history of fills, reconciliation
// repairs and trading decisions in BoltDB. Records are keyed
// "symbol_timestamp_id" for efficient per-symbol time-range queries.
package journal

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"
)

const (
	fillsBucket     = "fills"
	repairsBucket   = "repairs"
	decisionsBucket = "decisions"
)

// FillRecord is one realized execution.
type FillRecord struct {
	Symbol        string    `json:"symbol"`
	ClientOrderID string    `json:"clientOrderId"`
	Intent        string    `json:"intent"`
	Side          string    `json:"side"`
	Qty           float64   `json:"qty"`
	Price         float64   `json:"price"`
	RealizedPnl   float64   `json:"realizedPnl"`
	Ts            time.Time `json:"ts"`
}

// RepairRecord is one reconciliation divergence and the corrective action
// taken.
type RepairRecord struct {
	Symbol      string    `json:"symbol"`
	Divergence  string    `json:"divergence"`
	Detail      string    `json:"detail"`
	RealizedPnl float64   `json:"realizedPnl,omitempty"`
	Ts          time.Time `json:"ts"`
}

// DecisionRecord captures why the engine did or did not act on a signal,
// including holds and risk rejections.
type DecisionRecord struct {
	Symbol  string    `json:"symbol"`
	Action  string    `json:"action"`
	Outcome string    `json:"outcome"`
	Reason  string    `json:"reason,omitempty"`
	Ts      time.Time `json:"ts"`
}

// Store is the BoltDB-backed journal.
type Store struct {
	db *bbolt.DB
}

// Open creates or opens the journal database under dataPath.
func Open(dataPath string) (*Store, error) {
	if err := os.MkdirAll(dataPath, 0o700); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}
	dbPath := filepath.Join(dataPath, "unitrader-journal.db")

	db, err := bbolt.Open(dbPath, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range []string{fillsBucket, repairsBucket, decisionsBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(b)); err != nil {
				return fmt.Errorf("create %s bucket: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// RecordFill appends a fill record.
func (s *Store) RecordFill(f FillRecord) error {
	return s.append(fillsBucket, f.Symbol, f.Ts, f)
}

// RecordRepair appends a reconciliation repair record.
func (s *Store) RecordRepair(r RepairRecord) error {
	return s.append(repairsBucket, r.Symbol, r.Ts, r)
}

// RecordDecision appends a decision record.
func (s *Store) RecordDecision(d DecisionRecord) error {
	return s.append(decisionsBucket, d.Symbol, d.Ts, d)
}

func (s *Store) append(bucket, symbol string, ts time.Time, record any) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucket))

		data, err := json.Marshal(record)
		if err != nil {
			return fmt.Errorf("marshal %s record: %w", bucket, err)
		}

		// A uuid suffix keeps two records with the same timestamp from
		// clobbering each other.
		key := fmt.Sprintf("%s_%d_%s", symbol, ts.UnixNano(), uuid.New().String()[:8])
		return b.Put([]byte(key), data)
	})
}

// Fills returns fill records for a symbol within [start, end].
func (s *Store) Fills(symbol string, start, end time.Time) ([]FillRecord, error) {
	var out []FillRecord
	err := s.scan(fillsBucket, symbol, start, end, func(v []byte) error {
		var f FillRecord
		if err := json.Unmarshal(v, &f); err != nil {
			return err
		}
		out = append(out, f)
		return nil
	})
	return out, err
}

// Repairs returns repair records for a symbol within [start, end].
func (s *Store) Repairs(symbol string, start, end time.Time) ([]RepairRecord, error) {
	var out []RepairRecord
	err := s.scan(repairsBucket, symbol, start, end, func(v []byte) error {
		var r RepairRecord
		if err := json.Unmarshal(v, &r); err != nil {
			return err
		}
		out = append(out, r)
		return nil
	})
	return out, err
}

// Decisions returns decision records for a symbol within [start, end].
func (s *Store) Decisions(symbol string, start, end time.Time) ([]DecisionRecord, error) {
	var out []DecisionRecord
	err := s.scan(decisionsBucket, symbol, start, end, func(v []byte) error {
		var d DecisionRecord
		if err := json.Unmarshal(v, &d); err != nil {
			return err
		}
		out = append(out, d)
		return nil
	})
	return out, err
}

func (s *Store) scan(bucket, symbol string, start, end time.Time, fn func([]byte) error) error {
	return s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(bucket)).Cursor()

		prefix := []byte(symbol + "_")
		startKey := []byte(fmt.Sprintf("%s_%d", symbol, start.UnixNano()))
		endKey := []byte(fmt.Sprintf("%s_%d", symbol, end.UnixNano()+1))

		for k, v := c.Seek(startKey); k != nil && bytes.Compare(k, endKey) < 0; k, v = c.Next() {
			if !bytes.HasPrefix(k, prefix) {
				continue
			}
			if err := fn(v); err != nil {
				continue // skip malformed records
			}
		}
		return nil
	})
}
