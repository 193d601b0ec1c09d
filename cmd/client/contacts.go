package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"

	"dead-mans-switch/internal/core"
	"dead-mans-switch/internal/crypto"
)

// Local address book, so people can be named instead of pasting hex keys
type LocalDB struct {
	Contacts map[string]core.Identity `json:"contacts"`
}

func loadDB(path string) (*LocalDB, error) {
	db := &LocalDB{Contacts: make(map[string]core.Identity)}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return db, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, db); err != nil {
		return nil, fmt.Errorf("contacts file %s: %w", path, err)
	}
	// Check if file existed but lacked map
	if db.Contacts == nil {
		db.Contacts = make(map[string]core.Identity)
	}
	return db, nil
}

func saveDB(path string, db *LocalDB) error {
	data, err := json.MarshalIndent(db, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func (db *LocalDB) add(name string, id core.Identity) error {
	if _, err := crypto.ParseIdentity(id); err != nil {
		return fmt.Errorf("contact %s: %w", name, err)
	}
	db.Contacts[name] = id
	return nil
}

// resolve turns a contact name or a hex identity into an identity.
func (db *LocalDB) resolve(nameOrID string) (core.Identity, error) {
	if id, ok := db.Contacts[nameOrID]; ok {
		return id, nil
	}
	id := core.Identity(nameOrID)
	if _, err := crypto.ParseIdentity(id); err != nil {
		return "", fmt.Errorf("%q is neither a contact nor an identity: %w", nameOrID, err)
	}
	return id, nil
}

// name returns the contact name of id, or id itself.
func (db *LocalDB) name(id core.Identity) string {
	for n, c := range db.Contacts {
		if c == id {
			return n
		}
	}
	return string(id)
}

func (db *LocalDB) names() []string {
	names := make([]string, 0, len(db.Contacts))
	for n := range db.Contacts {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
