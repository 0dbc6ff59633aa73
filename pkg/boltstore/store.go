// Package boltstore persists the world and accounts in a bbolt file. The
// in-memory gamedb.Database is the working copy; writes go through.
package boltstore

import (
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	bbolt "go.etcd.io/bbolt"

	"github.com/crystal-mush/cmdhost/pkg/gamedb"
)

// ErrNoAccount is returned by GetAccount for unknown names.
var ErrNoAccount = errors.New("boltstore: no such account")

// Store wraps a bbolt database and an in-memory cache for ACID persistence.
type Store struct {
	bolt  *bbolt.DB
	cache *gamedb.Database
}

// Open opens or creates a bbolt database file and ensures all buckets exist.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("boltstore: open %s: %w", path, err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketMeta, bucketObjects, bucketAccounts, bucketPlayers} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		meta := tx.Bucket(bucketMeta)
		if v := meta.Get(keySchema); v != nil && keyToInt(v) > schemaVersion {
			return fmt.Errorf("schema %d is newer than supported %d", keyToInt(v), schemaVersion)
		}
		if meta.Get(keyCreated) == nil {
			if err := meta.Put(keyCreated, intToKey(int(time.Now().Unix()))); err != nil {
				return err
			}
		}
		return meta.Put(keySchema, intToKey(schemaVersion))
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("boltstore: create buckets: %w", err)
	}

	return &Store{
		bolt:  db,
		cache: gamedb.NewDatabase(),
	}, nil
}

// Close closes the underlying bbolt database.
func (s *Store) Close() error {
	if s.bolt != nil {
		return s.bolt.Close()
	}
	return nil
}

// DB returns the in-memory database cache.
func (s *Store) DB() *gamedb.Database {
	return s.cache
}

// Path returns the filesystem path of the underlying bbolt database.
func (s *Store) Path() string {
	if s.bolt != nil {
		return s.bolt.Path()
	}
	return ""
}

// PutObject persists a single object to bbolt (write-through).
func (s *Store) PutObject(obj *gamedb.Object) error {
	return s.PutObjects(obj)
}

// PutObjects persists multiple objects in a single bbolt transaction.
func (s *Store) PutObjects(objs ...*gamedb.Object) error {
	return s.bolt.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketObjects)
		players := tx.Bucket(bucketPlayers)
		for _, obj := range objs {
			if obj == nil {
				continue
			}
			data, err := encodeObject(obj)
			if err != nil {
				return fmt.Errorf("boltstore: encode object %s: %w", obj.DBRef, err)
			}
			if err := b.Put(refToKey(obj.DBRef), data); err != nil {
				return err
			}
			if obj.Type == gamedb.TypePlayer {
				if err := players.Put(nameKey(obj.Name), refToKey(obj.DBRef)); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// DeleteObject removes an object from bbolt.
func (s *Store) DeleteObject(ref gamedb.DBRef) error {
	return s.bolt.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketObjects)
		if data := b.Get(refToKey(ref)); data != nil {
			if obj, err := decodeObject(data); err == nil && obj.Type == gamedb.TypePlayer {
				tx.Bucket(bucketPlayers).Delete(nameKey(obj.Name))
			}
		}
		return b.Delete(refToKey(ref))
	})
}

// PutAccount persists an account keyed by lower-cased name.
func (s *Store) PutAccount(acct *gamedb.Account) error {
	data, err := encodeAccount(acct)
	if err != nil {
		return fmt.Errorf("boltstore: encode account %q: %w", acct.Name, err)
	}
	return s.bolt.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketAccounts).Put(nameKey(acct.Name), data)
	})
}

// GetAccount reads one account.
func (s *Store) GetAccount(name string) (*gamedb.Account, error) {
	var acct *gamedb.Account
	err := s.bolt.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketAccounts).Get(nameKey(name))
		if data == nil {
			return ErrNoAccount
		}
		var err error
		acct, err = decodeAccount(data)
		return err
	})
	return acct, err
}

// DeleteAccount removes an account.
func (s *Store) DeleteAccount(name string) error {
	return s.bolt.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketAccounts).Delete(nameKey(name))
	})
}

// Accounts lists every stored account.
func (s *Store) Accounts() ([]*gamedb.Account, error) {
	var out []*gamedb.Account
	err := s.bolt.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketAccounts).ForEach(func(k, v []byte) error {
			acct, err := decodeAccount(v)
			if err != nil {
				return fmt.Errorf("decode account %q: %w", string(k), err)
			}
			out = append(out, acct)
			return nil
		})
	})
	return out, err
}

// PlayerRef looks a player up in the persisted name index.
func (s *Store) PlayerRef(name string) gamedb.DBRef {
	ref := gamedb.Nothing
	s.bolt.View(func(tx *bbolt.Tx) error {
		if v := tx.Bucket(bucketPlayers).Get(nameKey(name)); v != nil {
			ref = keyToRef(v)
		}
		return nil
	})
	return ref
}

// LoadAll reads every object into the in-memory cache.
func (s *Store) LoadAll() error {
	var objs []*gamedb.Object
	err := s.bolt.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketObjects)
		return b.ForEach(func(k, v []byte) error {
			obj, err := decodeObject(v)
			if err != nil {
				return fmt.Errorf("decode object %s: %w", keyToRef(k), err)
			}
			objs = append(objs, obj)
			return nil
		})
	})
	if err != nil {
		return fmt.Errorf("boltstore: load objects: %w", err)
	}
	s.cache.Load(objs)
	log.Printf("boltstore: loaded %d objects from bolt", len(objs))
	return nil
}

// Backup creates a hot snapshot of the bbolt database using tx.WriteTo().
func (s *Store) Backup(path string) error {
	return s.bolt.View(func(tx *bbolt.Tx) error {
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("boltstore: create backup %s: %w", path, err)
		}
		defer f.Close()
		_, err = tx.WriteTo(f)
		if err != nil {
			return fmt.Errorf("boltstore: write backup: %w", err)
		}
		log.Printf("boltstore: backup written to %s", path)
		return nil
	})
}

// HasData returns true if the bbolt database contains any objects.
func (s *Store) HasData() bool {
	hasData := false
	s.bolt.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketObjects)
		if b.Stats().KeyN > 0 {
			hasData = true
		}
		return nil
	})
	return hasData
}

// Bootstrap seeds an empty store with room #0 and a wizard player #1 owned
// by an account of the same name. It does nothing when objects exist.
func (s *Store) Bootstrap(wizard, passwordHash string, actorSets []string) error {
	if s.HasData() {
		return nil
	}
	db := s.cache
	room := db.Create("Limbo", gamedb.TypeRoom, gamedb.Nothing, gamedb.Nothing)
	wiz := db.Create(wizard, gamedb.TypePlayer, room.DBRef, gamedb.Nothing)
	wiz, err := db.Update(wiz.DBRef, func(o *gamedb.Object) error {
		o.Flags |= gamedb.FlagWizard
		o.CmdSets = append([]string(nil), actorSets...)
		return nil
	})
	if err != nil {
		return err
	}
	room, err = db.Update(room.DBRef, func(o *gamedb.Object) error {
		o.Owner = wiz.DBRef
		o.Desc = "You are in a featureless grey expanse."
		return nil
	})
	if err != nil {
		return err
	}
	if err := s.PutObjects(room, wiz); err != nil {
		return fmt.Errorf("boltstore: bootstrap: %w", err)
	}
	now := time.Now()
	acct := &gamedb.Account{Name: wizard, PasswordHash: passwordHash, Actor: wiz.DBRef, Created: now}
	if err := s.PutAccount(acct); err != nil {
		return fmt.Errorf("boltstore: bootstrap: %w", err)
	}
	log.Printf("boltstore: bootstrapped %s and %s", room.Display(), wiz.Display())
	return nil
}
