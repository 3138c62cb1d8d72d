package types

import (
	"encoding/json"

	"github.com/juju/errors"
	"github.com/spf13/cast"
)

/**
 * Absent is the placeholder value recorded as the output of nodes that
 * were skipped by a false conditional. Downstream nodes always receive
 * a defined value for every dependency; reading an absent value as a
 * concrete type is a caller bug, not an engine fault.
 */
const Absent = "__absent__"

type Data map[string]any

/**
 * AbsentData returns the canonical output of a skipped node. It carries
 * the Absent marker so it survives serialization round trips.
 */
func AbsentData() Data {
	return Data{Absent: true}
}

func (d Data) IsAbsent() bool {
	if d == nil {
		return false
	}
	v, exists := d[Absent]
	return exists && cast.ToBool(v)
}

func (d *Data) Get(key string) (any, bool) {
	v, exists := (*d)[key]
	return v, exists
}

func (d *Data) GetString(key string) (string, bool) {
	v, exists := d.Get(key)
	return cast.ToString(v), exists
}

func (d *Data) GetInt(key string) (int, bool) {
	v, exists := d.Get(key)
	return cast.ToInt(v), exists
}

func (d *Data) GetInt64(key string) (int64, bool) {
	v, exists := d.Get(key)
	return cast.ToInt64(v), exists
}

func (d *Data) GetBool(key string) (bool, bool) {
	v, exists := d.Get(key)
	return cast.ToBool(v), exists
}

func (d *Data) GetFloat64(key string) (float64, bool) {
	v, exists := d.Get(key)
	return cast.ToFloat64(v), exists
}

/**
 * GetData resolves a nested Data value, typically the output of an
 * upstream node addressed by its node name, or the workflow input under
 * the "input" key.
 */
func (d *Data) GetData(key string) (Data, bool) {
	v, exists := d.Get(key)
	if !exists {
		return nil, false
	}
	switch m := v.(type) {
	case Data:
		return m, true
	case map[string]any:
		return Data(m), true
	}
	return nil, false
}

func (d *Data) GetStruct(key string, s any) error {
	v, exists := d.Get(key)
	if !exists {
		return errors.NotFoundf("key: %s", key)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return errors.Trace(err)
	}
	return json.Unmarshal(b, s)
}

func (d *Data) Set(key string, value any) {
	(*d)[key] = value
}

func (d Data) Clone() Data {
	if d == nil {
		return nil
	}
	c := make(Data, len(d))
	for k, v := range d {
		c[k] = v
	}
	return c
}
