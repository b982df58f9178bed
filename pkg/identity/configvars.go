package identity

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrEmptyKey is returned for a configuration variable without key
var ErrEmptyKey = errors.New("configuration variable key is empty")

// ConfigVar is a named platform setting that can be changed at runtime
type ConfigVar struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

func checkKeys(vars []ConfigVar) (map[string]interface{}, error) {
	docs := make(map[string]interface{}, len(vars))
	for _, v := range vars {
		if strings.TrimSpace(v.Key) == "" {
			return nil, ErrEmptyKey
		}
		docs[v.Key] = v
	}
	return docs, nil
}

// ConfigVar returns the variable with the given key or ErrNotFound
func (store *Store) ConfigVar(key string) (*ConfigVar, error) {
	configVar := &ConfigVar{}
	found, err := store.ConfigVars.FindOne("key", key, configVar)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("configuration variable '%s': %w", key, ErrNotFound)
	}
	return configVar, nil
}

// ListConfigVars returns all configuration variables ordered by key
func (store *Store) ListConfigVars() ([]ConfigVar, error) {
	docs, err := store.ConfigVars.All()
	if err != nil {
		return nil, err
	}
	vars := make([]ConfigVar, 0, len(docs))
	for _, doc := range docs {
		configVar := ConfigVar{}
		if err = json.Unmarshal(doc, &configVar); err != nil {
			return nil, err
		}
		vars = append(vars, configVar)
	}
	return vars, nil
}

// SetConfigVar inserts or replaces a single variable
func (store *Store) SetConfigVar(key string, value string) error {
	return store.UpdateConfigVars([]ConfigVar{{Key: key, Value: value}})
}

// UpdateConfigVars inserts or replaces the given variables and keeps the others
func (store *Store) UpdateConfigVars(vars []ConfigVar) error {
	docs, err := checkKeys(vars)
	if err != nil {
		return err
	}
	return store.ConfigVars.UpsertAll(docs, false)
}

// ReplaceConfigVars replaces all variables with the given list.
// Variables that are not in the list are removed.
func (store *Store) ReplaceConfigVars(vars []ConfigVar) error {
	docs, err := checkKeys(vars)
	if err != nil {
		return err
	}
	return store.ConfigVars.UpsertAll(docs, true)
}

// DeleteConfigVar removes a variable. Returns ErrNotFound if it didn't exist.
func (store *Store) DeleteConfigVar(key string) error {
	n, err := store.ConfigVars.DeleteIDs([]string{key})
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("configuration variable '%s': %w", key, ErrNotFound)
	}
	return nil
}
