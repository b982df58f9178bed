package identity

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
)

// field names are interpolated into the json path of the query
var fieldPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Collection is a table of JSON documents keyed by their natural ID
// It provides the find-by-field queries of a document store on top of SQLite json_extract.
type Collection struct {
	db    *sql.DB
	table string
}

func (col *Collection) fieldPath(field string) (string, error) {
	if !fieldPattern.MatchString(field) {
		return "", fmt.Errorf("invalid field name '%s'", field)
	}
	return "$." + field, nil
}

func (col *Collection) query(where string, args ...interface{}) ([][]byte, error) {
	rows, err := col.db.Query(
		fmt.Sprintf("SELECT doc FROM %s %s ORDER BY id", col.table, where), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	docs := make([][]byte, 0)
	for rows.Next() {
		var doc string
		if err = rows.Scan(&doc); err != nil {
			return nil, err
		}
		docs = append(docs, []byte(doc))
	}
	return docs, rows.Err()
}

// FindOne decodes the first document whose field equals value into out.
// Returns false if no document matches.
func (col *Collection) FindOne(field string, value string, out interface{}) (bool, error) {
	jsonPath, err := col.fieldPath(field)
	if err != nil {
		return false, err
	}
	docs, err := col.query("WHERE json_extract(doc, ?) = ?", jsonPath, value)
	if err != nil || len(docs) == 0 {
		return false, err
	}
	return true, json.Unmarshal(docs[0], out)
}

// FindAll returns the raw documents whose field equals value
func (col *Collection) FindAll(field string, value string) ([][]byte, error) {
	jsonPath, err := col.fieldPath(field)
	if err != nil {
		return nil, err
	}
	return col.query("WHERE json_extract(doc, ?) = ?", jsonPath, value)
}

// All returns all raw documents ordered by ID
func (col *Collection) All() ([][]byte, error) {
	return col.query("")
}

// Upsert inserts or replaces the document with the given ID
func (col *Collection) Upsert(id string, doc interface{}) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	_, err = col.db.Exec(fmt.Sprintf(
		"INSERT INTO %s (id, doc) VALUES (?, ?) ON CONFLICT(id) DO UPDATE SET doc = excluded.doc",
		col.table), id, string(raw))
	return err
}

// Delete removes the documents whose field equals value and returns their IDs
func (col *Collection) Delete(field string, value string) ([]string, error) {
	jsonPath, err := col.fieldPath(field)
	if err != nil {
		return nil, err
	}
	tx, err := col.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.Query(fmt.Sprintf("SELECT id FROM %s WHERE json_extract(doc, ?) = ?", col.table),
		jsonPath, value)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err = rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err = rows.Err(); err != nil {
		return nil, err
	}
	for _, id := range ids {
		if _, err = tx.Exec(fmt.Sprintf("DELETE FROM %s WHERE id = ?", col.table), id); err != nil {
			return nil, err
		}
	}
	return ids, tx.Commit()
}

// DeleteIDs removes the documents with the given IDs in a single transaction.
// Returns the number of documents removed.
func (col *Collection) DeleteIDs(ids []string) (int, error) {
	tx, err := col.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	removed := 0
	for _, id := range ids {
		result, err := tx.Exec(fmt.Sprintf("DELETE FROM %s WHERE id = ?", col.table), id)
		if err != nil {
			return 0, err
		}
		n, err := result.RowsAffected()
		if err != nil {
			return 0, err
		}
		removed += int(n)
	}
	return removed, tx.Commit()
}

// UpsertAll inserts or replaces the documents keyed by ID in a single transaction.
// With clear set, all other documents are removed.
func (col *Collection) UpsertAll(docs map[string]interface{}, clear bool) error {
	tx, err := col.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if clear {
		if _, err = tx.Exec(fmt.Sprintf("DELETE FROM %s", col.table)); err != nil {
			return err
		}
	}
	for id, doc := range docs {
		raw, err := json.Marshal(doc)
		if err != nil {
			return err
		}
		_, err = tx.Exec(fmt.Sprintf(
			"INSERT INTO %s (id, doc) VALUES (?, ?) ON CONFLICT(id) DO UPDATE SET doc = excluded.doc",
			col.table), id, string(raw))
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}
