// Package boltstore keeps charges in a single BoltDB file for deployments that run
// without a database server. Bolt allows one writer at a time, so every
// compare-and-set runs inside one db.Update and is serialized by construction.
package boltstore

import (
	"encoding/binary"
	"encoding/json"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	bolt "go.etcd.io/bbolt"

	"github.com/frahmantamala/pixflow/internal"
	"github.com/frahmantamala/pixflow/internal/charge"
	chargeDatamodel "github.com/frahmantamala/pixflow/internal/core/datamodel/charge"
)

var (
	chargesBucket     = []byte("charges")
	referencesBucket  = []byte("references")
	transitionsBucket = []byte("transitions")
)

type Store struct {
	db  *bolt.DB
	now func() time.Time
}

var (
	_ charge.RepositoryAPI = (*Store)(nil)
	_ charge.ReportAPI     = (*Store)(nil)
)

// Open opens (or creates) the database file and its buckets.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, err
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{chargesBucket, referencesBucket, transitionsBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports whether the file is still open.
func (s *Store) Ping() error {
	return s.db.View(func(tx *bolt.Tx) error { return nil })
}

func (s *Store) Create(merchantID, clientLabel string, amount decimal.Decimal, message string) (*charge.Charge, error) {
	if !amount.IsPositive() {
		return nil, internal.ErrInvalidAmount
	}

	now := s.now()
	row := &chargeDatamodel.Charge{
		ID:          uuid.NewString(),
		MerchantID:  merchantID,
		ClientLabel: clientLabel,
		Amount:      amount,
		Message:     message,
		Status:      string(charge.StatusPending),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		return putCharge(tx, row)
	})
	if err != nil {
		return nil, err
	}
	return charge.FromDataModel(row), nil
}

func (s *Store) GetByID(merchantID, id string) (*charge.Charge, error) {
	var row *chargeDatamodel.Charge
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		row, err = getCharge(tx, merchantID, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return charge.FromDataModel(row), nil
}

func (s *Store) ListByMerchant(merchantID string) ([]*charge.Charge, error) {
	rows, err := s.scan(func(row *chargeDatamodel.Charge) bool {
		return row.MerchantID == merchantID
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].CreatedAt.Equal(rows[j].CreatedAt) {
			return rows[i].ID > rows[j].ID
		}
		return rows[i].CreatedAt.After(rows[j].CreatedAt)
	})
	return toDomain(rows), nil
}

func (s *Store) CompareAndSetStatus(merchantID, id string, expected, next charge.Status) (*charge.Charge, error) {
	if !charge.CanTransition(expected, next) {
		return nil, internal.ErrWrongState
	}

	var updated *chargeDatamodel.Charge
	err := s.db.Update(func(tx *bolt.Tx) error {
		row, err := getCharge(tx, merchantID, id)
		if err != nil {
			return err
		}
		if row.Status != string(expected) {
			return internal.ErrConflict
		}

		now := s.now()
		row.Status = string(next)
		row.UpdatedAt = now
		if err := putCharge(tx, row); err != nil {
			return err
		}
		if err := appendTransition(tx, &chargeDatamodel.Transition{
			ChargeID:   id,
			MerchantID: merchantID,
			FromStatus: string(expected),
			ToStatus:   string(next),
			CreatedAt:  now,
		}); err != nil {
			return err
		}
		updated = row
		return nil
	})
	if err != nil {
		return nil, err
	}
	return charge.FromDataModel(updated), nil
}

func (s *Store) AttachExternalReference(merchantID, id, reference string) (*charge.Charge, error) {
	if reference == "" {
		return nil, internal.NewValidationFieldError("external_reference", "external_reference is required", internal.ErrCodeValidationFailed)
	}

	var attached *chargeDatamodel.Charge
	err := s.db.Update(func(tx *bolt.Tx) error {
		row, err := getCharge(tx, merchantID, id)
		if err != nil {
			return err
		}
		if row.ExternalReference != nil {
			if *row.ExternalReference != reference {
				return internal.ErrConflict.WithMessage("charge already has a different external reference")
			}
			attached = row
			return nil
		}

		refs := tx.Bucket(referencesBucket)
		if owner := refs.Get([]byte(reference)); owner != nil {
			return internal.ErrConflict.WithMessage("external reference belongs to another charge")
		}
		if err := refs.Put([]byte(reference), []byte(id)); err != nil {
			return err
		}

		now := s.now()
		row.ExternalReference = &reference
		row.CollectionStartedAt = &now
		if err := putCharge(tx, row); err != nil {
			return err
		}
		attached = row
		return nil
	})
	if err != nil {
		return nil, err
	}
	return charge.FromDataModel(attached), nil
}

func (s *Store) Transitions(merchantID, id string) ([]charge.Transition, error) {
	out := []charge.Transition{}
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(transitionsBucket).Bucket([]byte(id))
		if b == nil {
			return nil
		}
		return b.ForEach(func(_, v []byte) error {
			var t chargeDatamodel.Transition
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}
			if t.MerchantID == merchantID {
				out = append(out, charge.TransitionFromDataModel(&t))
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) FindByExternalReference(reference string) (*charge.Charge, error) {
	var row chargeDatamodel.Charge
	err := s.db.View(func(tx *bolt.Tx) error {
		id := tx.Bucket(referencesBucket).Get([]byte(reference))
		if id == nil {
			return internal.ErrNotFound
		}
		v := tx.Bucket(chargesBucket).Get(id)
		if v == nil {
			return internal.ErrNotFound
		}
		return json.Unmarshal(v, &row)
	})
	if err != nil {
		return nil, err
	}
	return charge.FromDataModel(&row), nil
}

func (s *Store) ListCollecting() ([]*charge.Charge, error) {
	rows, err := s.scan(func(row *chargeDatamodel.Charge) bool {
		return row.Status == string(charge.StatusPending) && row.ExternalReference != nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(rows, func(i, j int) bool {
		return rows[i].CollectionStartedAt.Before(*rows[j].CollectionStartedAt)
	})
	return toDomain(rows), nil
}

func (s *Store) DailyPaidSummary(merchantID string, days int, now time.Time) (*charge.Summary, error) {
	now = now.UTC()
	start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, -(days - 1))

	rows, err := s.scan(func(row *chargeDatamodel.Charge) bool {
		return row.MerchantID == merchantID
	})
	if err != nil {
		return nil, err
	}

	var pending int64
	found := make(map[string]charge.DailyTotal)
	for _, row := range rows {
		switch {
		case row.Status == string(charge.StatusPending):
			pending++
		case row.Status == string(charge.StatusPaid) && !row.CreatedAt.Before(start):
			day := row.CreatedAt.UTC().Format(charge.DayLayout)
			total := found[day]
			total.Day = day
			total.Total = total.Total.Add(row.Amount)
			total.Count++
			found[day] = total
		}
	}

	return charge.BuildSummary(charge.FillDays(found, days, now), pending, now), nil
}

func (s *Store) scan(keep func(*chargeDatamodel.Charge) bool) ([]*chargeDatamodel.Charge, error) {
	var rows []*chargeDatamodel.Charge
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(chargesBucket).ForEach(func(_, v []byte) error {
			var row chargeDatamodel.Charge
			if err := json.Unmarshal(v, &row); err != nil {
				return err
			}
			if keep(&row) {
				rows = append(rows, &row)
			}
			return nil
		})
	})
	return rows, err
}

func getCharge(tx *bolt.Tx, merchantID, id string) (*chargeDatamodel.Charge, error) {
	v := tx.Bucket(chargesBucket).Get([]byte(id))
	if v == nil {
		return nil, internal.ErrNotFound
	}
	var row chargeDatamodel.Charge
	if err := json.Unmarshal(v, &row); err != nil {
		return nil, err
	}
	if row.MerchantID != merchantID {
		return nil, internal.ErrNotFound
	}
	return &row, nil
}

func putCharge(tx *bolt.Tx, row *chargeDatamodel.Charge) error {
	data, err := json.Marshal(row)
	if err != nil {
		return err
	}
	return tx.Bucket(chargesBucket).Put([]byte(row.ID), data)
}

func appendTransition(tx *bolt.Tx, t *chargeDatamodel.Transition) error {
	b, err := tx.Bucket(transitionsBucket).CreateBucketIfNotExists([]byte(t.ChargeID))
	if err != nil {
		return err
	}
	seq, err := b.NextSequence()
	if err != nil {
		return err
	}
	t.ID = int64(seq)
	data, err := json.Marshal(t)
	if err != nil {
		return err
	}
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return b.Put(key, data)
}

func toDomain(rows []*chargeDatamodel.Charge) []*charge.Charge {
	out := make([]*charge.Charge, 0, len(rows))
	for _, row := range rows {
		out = append(out, charge.FromDataModel(row))
	}
	return out
}
