// Package store is the Durable Store: an embedded, single-process,
// crash-safe key-value store with ordered iteration, grounded directly
// on db/bolt/bolt.go's bbolt wrapper (Open/PutJSON/GetJSON/ForEachJSON)
// — bbolt's fsync-on-commit, single-file semantics are an exact
// structural match for spec §4.1's contract. Generalized here from a
// generic bucket/JSON helper to the fixed states/users/roles bucket
// layout spec §6 names, plus a reserved schema-version key.
package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"

	"makerd/errs"
	"makerd/model"
)

// SchemaVersion is the current persisted-layout version this binary
// understands (spec §6: "versioned by a schema tag in a reserved key";
// see DESIGN.md Open Question decision #3).
const SchemaVersion = 1

var (
	bucketStates = []byte("states")
	bucketUsers  = []byte("users")
	bucketRoles  = []byte("roles")
	schemaKey    = []byte("__schema__")
)

// Store wraps a single bbolt database file.
type Store struct {
	db     *bolt.DB
	logger *logrus.Entry
}

// Open opens (creating if absent) the database at path, ensures the
// fixed bucket layout exists, and checks the schema tag. A schema
// version newer than SchemaVersion is a store-corruption condition
// (spec §6 exit code 2).
func Open(path string, logger *logrus.Entry) (*Store, error) {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, errs.Wrap(errs.PersistError, "open store", err)
	}
	s := &Store{db: db, logger: logger.WithField("component", "store")}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketStates, bucketUsers, bucketRoles} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}

		b := tx.Bucket(bucketStates)
		raw := b.Get(schemaKey)
		if raw == nil {
			return b.Put(schemaKey, []byte(fmt.Sprintf("%d", SchemaVersion)))
		}
		var version int
		if _, err := fmt.Sscanf(string(raw), "%d", &version); err != nil {
			return fmt.Errorf("store: unreadable schema tag %q", raw)
		}
		if version > SchemaVersion {
			return fmt.Errorf("store: persisted schema version %d is newer than supported %d", version, SchemaVersion)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, errs.Wrap(errs.PersistError, "store schema check", err)
	}
	return s, nil
}

// Close fsyncs and releases the file lock (spec §4.5 Shutdown: "fsync
// the store").
func (s *Store) Close() error {
	if err := s.db.Sync(); err != nil {
		s.logger.WithError(err).Warn("sync before close failed")
	}
	return s.db.Close()
}

// Get returns the persisted StateRecord for resource, or nil if none
// exists yet.
func (s *Store) Get(resource string) (*model.StateRecord, error) {
	var rec model.StateRecord
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketStates).Get([]byte(resource))
		if raw == nil {
			return nil
		}
		found = true
		return json.Unmarshal(raw, &rec)
	})
	if err != nil {
		return nil, errs.Wrap(errs.PersistError, "get state record", err)
	}
	if !found {
		return nil, nil
	}
	return &rec, nil
}

// Put atomically overwrites the StateRecord for resource. bbolt's
// Update commits with an fsync before returning, satisfying spec §4.1's
// "fsyncs before returning success" and invariant I4 (durable before
// any actuator is told).
func (s *Store) Put(resource string, rec *model.StateRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return errs.Wrap(errs.PersistError, "marshal state record", err)
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketStates).Put([]byte(resource), data)
	})
	if err != nil {
		return errs.Wrap(errs.PersistError, "put state record", err)
	}
	return nil
}

// Snapshot returns every persisted StateRecord, used at startup
// reconciliation and for admin dumps.
func (s *Store) Snapshot() (map[string]*model.StateRecord, error) {
	out := make(map[string]*model.StateRecord)
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketStates)
		return b.ForEach(func(k, v []byte) error {
			if string(k) == string(schemaKey) {
				return nil
			}
			var rec model.StateRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("store: corrupt record for %s: %w", k, err)
			}
			out[string(k)] = &rec
			return nil
		})
	})
	if err != nil {
		return nil, errs.Wrap(errs.PersistError, "snapshot", err)
	}
	return out, nil
}

// PutUser writes one user→roles mapping into the users bucket, used by
// the seed package's bulk import.
func (s *Store) PutUser(user string, roles []string) error {
	data, err := json.Marshal(roles)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketUsers).Put([]byte(user), data)
	})
}

// PutRole writes one role definition into the roles bucket.
func (s *Store) PutRole(name string, raw json.RawMessage) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRoles).Put([]byte(name), raw)
	})
}

// Users returns every persisted user→roles mapping.
func (s *Store) Users() (map[string][]string, error) {
	out := make(map[string][]string)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketUsers).ForEach(func(k, v []byte) error {
			var roles []string
			if err := json.Unmarshal(v, &roles); err != nil {
				return err
			}
			out[string(k)] = roles
			return nil
		})
	})
	return out, err
}

// Roles returns every persisted raw role definition, decoded by callers
// that know the policy.RoleConfig shape.
func (s *Store) Roles() (map[string]json.RawMessage, error) {
	out := make(map[string]json.RawMessage)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRoles).ForEach(func(k, v []byte) error {
			cp := make(json.RawMessage, len(v))
			copy(cp, v)
			out[string(k)] = cp
			return nil
		})
	})
	return out, err
}
