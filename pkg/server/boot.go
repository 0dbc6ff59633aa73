package server

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"github.com/crystal-mush/cmdhost/pkg/boltstore"
	"github.com/crystal-mush/cmdhost/pkg/crypt"
)

// OpenWorld opens the bolt store named by conf, loads it and seeds an empty
// one with a starting room and a wizard. With no wizard password a random
// one is generated and logged once.
func OpenWorld(conf *GameConf, wizardPassword string) (*boltstore.Store, error) {
	path := conf.Path(conf.BoltPath)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}
	store, err := boltstore.Open(path)
	if err != nil {
		return nil, err
	}
	if store.HasData() {
		if err := store.LoadAll(); err != nil {
			store.Close()
			return nil, err
		}
		return store, nil
	}

	if wizardPassword == "" {
		if wizardPassword, err = randomPassword(rand.Reader); err != nil {
			store.Close()
			return nil, fmt.Errorf("generating wizard password: %w", err)
		}
		log.Printf("New world: %s's password is %s", conf.WizardName, wizardPassword)
	}
	hash, err := crypt.Hash(wizardPassword)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("hashing wizard password: %w", err)
	}
	if err := store.Bootstrap(conf.WizardName, hash, conf.ActorSets); err != nil {
		store.Close()
		return nil, err
	}
	return store, nil
}

func randomPassword(r io.Reader) (string, error) {
	b := make([]byte, 8)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
