package models

import (
	"bytes"
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// RawJSON holds an arbitrary json document. An empty value is stored and encoded as null.
type RawJSON []byte

func (j RawJSON) MarshalJSON() ([]byte, error) {
	if len(j) == 0 {
		return []byte("null"), nil
	}
	return j, nil
}

func (j *RawJSON) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*j = nil
		return nil
	}
	*j = append((*j)[0:0], data...)
	return nil
}

func (j RawJSON) Value() (driver.Value, error) {
	if len(j) == 0 {
		return nil, nil
	}
	return []byte(j), nil
}

func (j *RawJSON) Scan(src any) error {
	b, err := sourceBytes(src)
	if err != nil {
		return err
	}
	if b == nil {
		*j = nil
		return nil
	}
	return j.UnmarshalJSON(b)
}

func (j RawJSON) clone() RawJSON {
	if j == nil {
		return nil
	}
	return append(RawJSON(nil), j...)
}

func (p Progress) Value() (driver.Value, error) {
	return json.Marshal(p)
}

func (p *Progress) Scan(src any) error {
	return scanJSON(src, p)
}

func (t Todos) Value() (driver.Value, error) {
	if t == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(t)
}

func (t *Todos) Scan(src any) error {
	if err := scanJSON(src, t); err != nil {
		return err
	}
	if *t == nil {
		*t = Todos{}
	}
	return nil
}

func (o ToolOutputs) Value() (driver.Value, error) {
	if o == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(o)
}

func (o *ToolOutputs) Scan(src any) error {
	if err := scanJSON(src, o); err != nil {
		return err
	}
	if *o == nil {
		*o = ToolOutputs{}
	}
	return nil
}

func (d EmailDraft) Value() (driver.Value, error) {
	return json.Marshal(d)
}

func (d *EmailDraft) Scan(src any) error {
	return scanJSON(src, d)
}

// scanJSON decodes a json/jsonb column. NULL leaves dest untouched.
func scanJSON(src any, dest any) error {
	b, err := sourceBytes(src)
	if err != nil || b == nil {
		return err
	}
	return json.Unmarshal(b, dest)
}

func sourceBytes(src any) ([]byte, error) {
	switch v := src.(type) {
	case nil:
		return nil, nil
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		return nil, fmt.Errorf("cannot scan %T into a json column", src)
	}
}
