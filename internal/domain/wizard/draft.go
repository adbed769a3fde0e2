package wizard

import (
	"encoding/json"
	"maps"
	"time"
)

// Draft is the booking data accumulated across steps.
type Draft struct {
	values    map[FieldKey]string
	createdAt time.Time
	updatedAt time.Time
	expiresAt time.Time
}

// NewDraft creates an empty draft that expires ttl after now.
func NewDraft(now time.Time, ttl time.Duration) *Draft {
	return &Draft{
		values:    make(map[FieldKey]string),
		createdAt: now,
		updatedAt: now,
		expiresAt: now.Add(ttl),
	}
}

// Get returns the value stored for key.
func (d *Draft) Get(key FieldKey) (string, bool) {
	v, ok := d.values[key]
	return v, ok
}

// Values returns a copy of every stored field.
func (d *Draft) Values() map[FieldKey]string {
	return maps.Clone(d.values)
}

// Sections groups the values by section. Keys without a section land under "".
func (d *Draft) Sections() map[Section]map[string]string {
	out := make(map[Section]map[string]string)
	for k, v := range d.values {
		sec := k.Section()
		if out[sec] == nil {
			out[sec] = make(map[string]string)
		}
		out[sec][k.Name()] = v
	}
	return out
}

func (d *Draft) IsEmpty() bool { return len(d.values) == 0 }

// Expired reports whether the fixed window from creation has passed.
func (d *Draft) Expired(now time.Time) bool {
	return !now.Before(d.expiresAt)
}

func (d *Draft) CreatedAt() time.Time { return d.createdAt }
func (d *Draft) UpdatedAt() time.Time { return d.updatedAt }
func (d *Draft) ExpiresAt() time.Time { return d.expiresAt }

// merge reports whether any value changed.
func (d *Draft) merge(fields map[FieldKey]string, now time.Time) bool {
	changed := false
	for k, v := range fields {
		if old, ok := d.values[k]; ok && old == v {
			continue
		}
		d.values[k] = v
		changed = true
	}
	if changed {
		d.updatedAt = now
	}
	return changed
}

func (d *Draft) clone() *Draft {
	cp := *d
	cp.values = maps.Clone(d.values)
	return &cp
}

type draftJSON struct {
	Values    map[FieldKey]string `json:"values"`
	CreatedAt time.Time           `json:"created_at"`
	UpdatedAt time.Time           `json:"updated_at"`
	ExpiresAt time.Time           `json:"expires_at"`
}

func (d *Draft) MarshalJSON() ([]byte, error) {
	return json.Marshal(draftJSON{
		Values:    d.values,
		CreatedAt: d.createdAt,
		UpdatedAt: d.updatedAt,
		ExpiresAt: d.expiresAt,
	})
}

func (d *Draft) UnmarshalJSON(data []byte) error {
	var raw draftJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw.Values == nil {
		raw.Values = make(map[FieldKey]string)
	}
	d.values = raw.Values
	d.createdAt = raw.CreatedAt
	d.updatedAt = raw.UpdatedAt
	d.expiresAt = raw.ExpiresAt
	return nil
}
