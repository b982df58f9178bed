// Package shadow with the latest event and numeric history of devices
//
// Each recorded event replaces the device's shadow, stamped with the receive time in field 't'.
// For monitored devices the numeric values of the monitored fieldsets in the event's 'd'
// object are appended to the metrics table.
package shadow

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/io7lab/io7sync/pkg/identity"
)

// AllDevices monitors every device
const AllDevices = "*"

// Configuration variables that keep the monitoring settings across restarts
const (
	MonitoredDevicesKey   = "monitored_devices"
	MonitoredFieldsetsKey = "monitored_fieldsets"
)

// ErrNoShadow is returned for a device without recorded event
var ErrNoShadow = errors.New("no event recorded for device")

const schema = `
CREATE TABLE IF NOT EXISTS shadows (
	dev_id TEXT PRIMARY KEY,
	doc    TEXT NOT NULL,
	t      INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS metrics (
	dev_id TEXT NOT NULL,
	field  TEXT NOT NULL,
	value  REAL NOT NULL,
	t      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS metrics_dev_field ON metrics (dev_id, field, t);
`

// Metric is one numeric sample of a device field
type Metric struct {
	DevID string  `json:"devId"`
	Field string  `json:"field"`
	Value float64 `json:"value"`
	T     int64   `json:"t"`
}

// SettingsStore persists the monitoring settings
type SettingsStore interface {
	ConfigVar(key string) (*identity.ConfigVar, error)
	SetConfigVar(key string, value string) error
}

// Shadow records device events
type Shadow struct {
	db       *sql.DB
	settings SettingsStore

	mutex     sync.RWMutex
	monitored []string // device IDs or AllDevices
	fieldsets []string
	now       func() time.Time
}

// ParseList splits a comma separated list. Empty entries and entries containing
// a blank are ignored. Duplicates are removed and the result is sorted.
func ParseList(list string) []string {
	unique := make(map[string]bool)
	for _, item := range strings.Split(list, ",") {
		item = strings.TrimSpace(item)
		if item == "" || strings.Contains(item, " ") {
			continue
		}
		unique[item] = true
	}
	result := make([]string, 0, len(unique))
	for item := range unique {
		result = append(result, item)
	}
	sort.Strings(result)
	return result
}

func parseMonitored(devices string) []string {
	if strings.TrimSpace(devices) == AllDevices {
		return []string{AllDevices}
	}
	return ParseList(devices)
}

// persist saves a setting if a settings store is in use
func (shadow *Shadow) persist(key string, values []string) error {
	shadow.mutex.RLock()
	settings := shadow.settings
	shadow.mutex.RUnlock()
	if settings == nil {
		return nil
	}
	if err := settings.SetConfigVar(key, strings.Join(values, ", ")); err != nil {
		return fmt.Errorf("save setting '%s': %w", key, err)
	}
	return nil
}

// SetMonitored sets the monitored devices, '*' for all or a comma separated list of IDs.
// The setting is saved when a settings store is in use.
func (shadow *Shadow) SetMonitored(devices string) error {
	monitored := parseMonitored(devices)
	if err := shadow.persist(MonitoredDevicesKey, monitored); err != nil {
		return err
	}
	shadow.mutex.Lock()
	defer shadow.mutex.Unlock()
	shadow.monitored = monitored
	return nil
}

// Monitored returns the monitored devices
func (shadow *Shadow) Monitored() []string {
	shadow.mutex.RLock()
	defer shadow.mutex.RUnlock()
	return append([]string(nil), shadow.monitored...)
}

// SetFieldsets sets the comma separated list of event fields to keep as metrics
func (shadow *Shadow) SetFieldsets(fields string) error {
	fieldsets := ParseList(fields)
	if err := shadow.persist(MonitoredFieldsetsKey, fieldsets); err != nil {
		return err
	}
	shadow.mutex.Lock()
	defer shadow.mutex.Unlock()
	shadow.fieldsets = fieldsets
	return nil
}

// Reload applies the saved settings. A setting that isn't saved keeps its current value.
func (shadow *Shadow) Reload() error {
	shadow.mutex.RLock()
	settings := shadow.settings
	shadow.mutex.RUnlock()
	if settings == nil {
		return nil
	}
	saved := make(map[string]string)
	for _, key := range []string{MonitoredDevicesKey, MonitoredFieldsetsKey} {
		configVar, err := settings.ConfigVar(key)
		if errors.Is(err, identity.ErrNotFound) {
			continue
		} else if err != nil {
			return err
		}
		saved[key] = configVar.Value
	}
	shadow.mutex.Lock()
	defer shadow.mutex.Unlock()
	if devices, found := saved[MonitoredDevicesKey]; found {
		shadow.monitored = parseMonitored(devices)
	}
	if fields, found := saved[MonitoredFieldsetsKey]; found {
		shadow.fieldsets = ParseList(fields)
	}
	return nil
}

// UseSettings loads the saved settings and saves future changes in the store.
// Settings that were never saved are initialized with the current values.
func (shadow *Shadow) UseSettings(settings SettingsStore) error {
	shadow.mutex.Lock()
	shadow.settings = settings
	shadow.mutex.Unlock()
	if err := shadow.Reload(); err != nil {
		return err
	}
	for key, values := range map[string][]string{
		MonitoredDevicesKey:   shadow.Monitored(),
		MonitoredFieldsetsKey: shadow.Fieldsets(),
	} {
		_, err := settings.ConfigVar(key)
		if errors.Is(err, identity.ErrNotFound) {
			err = shadow.persist(key, values)
		}
		if err != nil {
			return err
		}
	}
	logrus.Infof("Shadow.UseSettings: monitored=%v fieldsets=%v", shadow.Monitored(), shadow.Fieldsets())
	return nil
}

// Fieldsets returns the monitored fields
func (shadow *Shadow) Fieldsets() []string {
	shadow.mutex.RLock()
	defer shadow.mutex.RUnlock()
	return append([]string(nil), shadow.fieldsets...)
}

// IsMonitored returns true if metrics are kept for the device
func (shadow *Shadow) IsMonitored(devID string) bool {
	shadow.mutex.RLock()
	defer shadow.mutex.RUnlock()
	for _, id := range shadow.monitored {
		if id == AllDevices || id == devID {
			return true
		}
	}
	return false
}

// number returns the value as float if it is numeric or a numeric string
func number(value interface{}) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return f, err == nil
	}
	return 0, false
}

// Record stores the event as the device shadow and appends its monitored metrics
func (shadow *Shadow) Record(ctx context.Context, devID string, payload []byte) error {
	event := make(map[string]interface{})
	if err := json.Unmarshal(payload, &event); err != nil {
		return fmt.Errorf("event of '%s' is not a json object: %w", devID, err)
	}
	t := shadow.now().Unix()
	event["t"] = t
	doc, err := json.Marshal(event)
	if err != nil {
		return err
	}
	_, err = shadow.db.ExecContext(ctx,
		`INSERT INTO shadows (dev_id, doc, t) VALUES (?, ?, ?)
		ON CONFLICT(dev_id) DO UPDATE SET doc = excluded.doc, t = excluded.t`,
		devID, string(doc), t)
	if err != nil {
		return fmt.Errorf("save shadow of '%s': %w", devID, err)
	}
	if !shadow.IsMonitored(devID) {
		return nil
	}
	data, isObject := event["d"].(map[string]interface{})
	if !isObject {
		return nil
	}
	for _, field := range shadow.Fieldsets() {
		value, isNumber := number(data[field])
		if !isNumber {
			continue
		}
		_, err = shadow.db.ExecContext(ctx,
			"INSERT INTO metrics (dev_id, field, value, t) VALUES (?, ?, ?, ?)", devID, field, value, t)
		if err != nil {
			return fmt.Errorf("save metric '%s' of '%s': %w", field, devID, err)
		}
	}
	logrus.Debugf("Shadow.Record: device '%s'", devID)
	return nil
}

// Latest returns the last recorded event of the device, including its 't' timestamp
func (shadow *Shadow) Latest(ctx context.Context, devID string) (map[string]interface{}, error) {
	var doc string
	err := shadow.db.QueryRowContext(ctx, "SELECT doc FROM shadows WHERE dev_id = ?", devID).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoShadow
	} else if err != nil {
		return nil, err
	}
	event := make(map[string]interface{})
	err = json.Unmarshal([]byte(doc), &event)
	return event, err
}

// Metrics returns the most recent samples of a device field, newest first.
//  limit is the max number of samples. 0 for all
func (shadow *Shadow) Metrics(ctx context.Context, devID string, field string, limit int) ([]Metric, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := shadow.db.QueryContext(ctx,
		`SELECT value, t FROM metrics WHERE dev_id = ? AND field = ?
		ORDER BY t DESC, rowid DESC LIMIT ?`, devID, field, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	metrics := make([]Metric, 0)
	for rows.Next() {
		metric := Metric{DevID: devID, Field: field}
		if err = rows.Scan(&metric.Value, &metric.T); err != nil {
			return nil, err
		}
		metrics = append(metrics, metric)
	}
	return metrics, rows.Err()
}

// NewShadow creates the shadow tables in db
//  monitored is '*' or a comma separated list of device IDs
//  fieldsets is a comma separated list of event fields
func NewShadow(db *sql.DB, monitored string, fieldsets string) (*Shadow, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("create shadow schema: %w", err)
	}
	shadow := &Shadow{
		db:        db,
		monitored: parseMonitored(monitored),
		fieldsets: ParseList(fieldsets),
		now:       time.Now,
	}
	return shadow, nil
}
