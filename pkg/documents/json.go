package documents

import "encoding/json"

// Start, stop, and descriptor documents carry arbitrary operator metadata
// beyond their fixed fields. The custom codecs below preserve those keys
// in Extra on decode and fold them back in on encode, so a document can
// be stored verbatim as node metadata.

func decodeExtra(b []byte, known ...string) (map[string]any, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, err
	}
	for _, k := range known {
		delete(raw, k)
	}
	if len(raw) == 0 {
		return nil, nil
	}
	extra := make(map[string]any, len(raw))
	for k, v := range raw {
		var val any
		if err := json.Unmarshal(v, &val); err != nil {
			return nil, err
		}
		extra[k] = val
	}
	return extra, nil
}

// UnmarshalJSON decodes the fixed fields and captures all other keys in Extra.
func (d *StartDocument) UnmarshalJSON(b []byte) error {
	type alias StartDocument
	var a alias
	if err := json.Unmarshal(b, &a); err != nil {
		return err
	}
	extra, err := decodeExtra(b, "uid", "time")
	if err != nil {
		return err
	}
	a.Extra = extra
	*d = StartDocument(a)
	return nil
}

// MarshalJSON encodes the document as a flat map including Extra keys.
func (d StartDocument) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.AsMap())
}

// AsMap flattens the document to a metadata map.
func (d *StartDocument) AsMap() map[string]any {
	m := make(map[string]any, len(d.Extra)+2)
	for k, v := range d.Extra {
		m[k] = v
	}
	m["uid"] = d.UID
	if d.Time != 0 {
		m["time"] = d.Time
	}
	return m
}

// UnmarshalJSON decodes the fixed fields and captures all other keys in Extra.
func (d *StopDocument) UnmarshalJSON(b []byte) error {
	type alias StopDocument
	var a alias
	if err := json.Unmarshal(b, &a); err != nil {
		return err
	}
	extra, err := decodeExtra(b, "uid", "run_start", "time", "exit_status", "reason")
	if err != nil {
		return err
	}
	a.Extra = extra
	*d = StopDocument(a)
	return nil
}

// MarshalJSON encodes the document as a flat map including Extra keys.
func (d StopDocument) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.AsMap())
}

// AsMap flattens the document to a metadata map.
func (d *StopDocument) AsMap() map[string]any {
	m := make(map[string]any, len(d.Extra)+5)
	for k, v := range d.Extra {
		m[k] = v
	}
	m["uid"] = d.UID
	m["run_start"] = d.RunStart
	if d.Time != 0 {
		m["time"] = d.Time
	}
	if d.ExitStatus != "" {
		m["exit_status"] = d.ExitStatus
	}
	if d.Reason != "" {
		m["reason"] = d.Reason
	}
	return m
}

// UnmarshalJSON decodes the fixed fields and captures all other keys in Extra.
func (d *DescriptorDocument) UnmarshalJSON(b []byte) error {
	type alias DescriptorDocument
	var a alias
	if err := json.Unmarshal(b, &a); err != nil {
		return err
	}
	extra, err := decodeExtra(b, "uid", "run_start", "name", "data_keys")
	if err != nil {
		return err
	}
	a.Extra = extra
	*d = DescriptorDocument(a)
	return nil
}

// MarshalJSON encodes the document as a flat map including Extra keys.
func (d DescriptorDocument) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.AsMap())
}

// AsMap flattens the full descriptor, including the data-key schema, to
// a metadata map suitable for storing on the descriptor's container.
func (d *DescriptorDocument) AsMap() map[string]any {
	m := make(map[string]any, len(d.Extra)+4)
	for k, v := range d.Extra {
		m[k] = v
	}
	m["uid"] = d.UID
	m["run_start"] = d.RunStart
	m["name"] = d.Name
	keys := make(map[string]any, len(d.DataKeys))
	for name, dk := range d.DataKeys {
		entry := map[string]any{"dtype": dk.Dtype}
		if dk.DtypeStr != "" {
			entry["dtype_str"] = dk.DtypeStr
		}
		if dk.Shape != nil {
			entry["shape"] = dk.Shape
		}
		if dk.Source != "" {
			entry["source"] = dk.Source
		}
		if dk.Units != "" {
			entry["units"] = dk.Units
		}
		if dk.External != "" {
			entry["external"] = dk.External
		}
		keys[name] = entry
	}
	m["data_keys"] = keys
	return m
}
