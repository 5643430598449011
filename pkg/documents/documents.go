// Package documents defines the closed set of acquisition-run documents
// emitted by a document source: run start/stop metadata, per-stream schema
// descriptors, timestamped readings, and references to externally stored
// growing datasets. Documents arrive strictly in run-lineage order; this
// package only models and decodes them, it does not validate ordering.
package documents

import (
	"encoding/json"
	"fmt"

	sdkerrors "github.com/wehubfusion/Mnemosyne/pkg/errors"
)

// Kind identifies one of the six document kinds.
type Kind string

const (
	KindStart          Kind = "start"
	KindStop           Kind = "stop"
	KindDescriptor     Kind = "descriptor"
	KindEvent          Kind = "event"
	KindStreamResource Kind = "stream_resource"
	KindStreamDatum    Kind = "stream_datum"
)

// ParseKind converts a wire string to a Kind, rejecting anything outside
// the closed set.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindStart, KindStop, KindDescriptor, KindEvent, KindStreamResource, KindStreamDatum:
		return Kind(s), nil
	default:
		return "", fmt.Errorf("%w: %q", sdkerrors.ErrUnknownKind, s)
	}
}

// Row is one tabular row keyed by field name.
type Row map[string]any

// DataKey declares the schema of one field within a stream descriptor.
type DataKey struct {
	// Dtype is the logical element type ("number", "array", "string", ...)
	Dtype string `json:"dtype"`

	// DtypeStr is the optional machine element type in numpy notation
	// (e.g. "<f8", ">i4"). Empty means unspecified.
	DtypeStr string `json:"dtype_str,omitempty"`

	// Shape is the per-element shape; empty for scalar fields
	Shape []int64 `json:"shape,omitempty"`

	// Source describes where the reading originates (hardware signal name)
	Source string `json:"source,omitempty"`

	// Units is the physical unit of the reading, if any
	Units string `json:"units,omitempty"`

	// External marks fields whose data lives outside the event stream
	External string `json:"external,omitempty"`
}

// StartDocument opens one acquisition run. Beyond the fixed fields it
// carries arbitrary operator metadata, preserved in Extra.
type StartDocument struct {
	UID   string         `json:"uid"`
	Time  float64        `json:"time,omitempty"`
	Extra map[string]any `json:"-"`
}

// StopDocument closes one acquisition run.
type StopDocument struct {
	UID        string         `json:"uid"`
	RunStart   string         `json:"run_start"`
	Time       float64        `json:"time,omitempty"`
	ExitStatus string         `json:"exit_status,omitempty"`
	Reason     string         `json:"reason,omitempty"`
	Extra      map[string]any `json:"-"`
}

// DescriptorDocument declares the schema of one logical data stream
// within a run.
type DescriptorDocument struct {
	UID      string             `json:"uid"`
	RunStart string             `json:"run_start"`
	Name     string             `json:"name"`
	DataKeys map[string]DataKey `json:"data_keys"`
	Extra    map[string]any     `json:"-"`
}

// EventDocument is one timestamped row of readings conforming to a
// descriptor. Data and Timestamps are parallel maps over the same fields.
type EventDocument struct {
	UID        string             `json:"uid"`
	Descriptor string             `json:"descriptor"`
	SeqNum     int64              `json:"seq_num,omitempty"`
	Time       float64            `json:"time,omitempty"`
	Data       Row                `json:"data"`
	Timestamps map[string]float64 `json:"timestamps"`
}

// StreamResourceDocument announces an externally stored, growable binary
// dataset. No storage node exists until a stream datum references it.
type StreamResourceDocument struct {
	UID          string         `json:"uid"`
	RunStart     string         `json:"run_start"`
	DataKey      string         `json:"data_key"`
	Spec         string         `json:"spec"`
	Root         string         `json:"root"`
	ResourcePath string         `json:"resource_path"`
	Parameters   map[string]any `json:"parameters,omitempty"`
}

// DataPath returns the declared path within the backing asset, or ""
// when the resource does not declare one.
func (d *StreamResourceDocument) DataPath() string {
	if d.Parameters == nil {
		return ""
	}
	if p, ok := d.Parameters["path"].(string); ok {
		return p
	}
	return ""
}

// Indices is a half-open row range [Start, Stop).
type Indices struct {
	Start int64 `json:"start"`
	Stop  int64 `json:"stop"`
}

// StreamDatumDocument notifies that a row range of a stream resource is
// now available.
type StreamDatumDocument struct {
	UID            string  `json:"uid"`
	Descriptor     string  `json:"descriptor"`
	StreamResource string  `json:"stream_resource"`
	Indices        Indices `json:"indices"`
}

// Document is the closed tagged union over all document kinds. Exactly
// one body pointer is non-nil, matching Kind.
type Document struct {
	Kind Kind

	Start          *StartDocument
	Stop           *StopDocument
	Descriptor     *DescriptorDocument
	Event          *EventDocument
	StreamResource *StreamResourceDocument
	StreamDatum    *StreamDatumDocument
}

// Parse decodes a document payload of the given kind into the tagged
// union. Unknown kinds fail with ErrUnknownKind.
func Parse(kind string, payload []byte) (*Document, error) {
	k, err := ParseKind(kind)
	if err != nil {
		return nil, err
	}

	doc := &Document{Kind: k}
	switch k {
	case KindStart:
		doc.Start = &StartDocument{}
		err = json.Unmarshal(payload, doc.Start)
	case KindStop:
		doc.Stop = &StopDocument{}
		err = json.Unmarshal(payload, doc.Stop)
	case KindDescriptor:
		doc.Descriptor = &DescriptorDocument{}
		err = json.Unmarshal(payload, doc.Descriptor)
	case KindEvent:
		doc.Event = &EventDocument{}
		err = json.Unmarshal(payload, doc.Event)
	case KindStreamResource:
		doc.StreamResource = &StreamResourceDocument{}
		err = json.Unmarshal(payload, doc.StreamResource)
	case KindStreamDatum:
		doc.StreamDatum = &StreamDatumDocument{}
		err = json.Unmarshal(payload, doc.StreamDatum)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s document: %w", k, err)
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return doc, nil
}

// Validate checks that the envelope is well-formed: the body matching
// Kind is present and carries its identifying fields.
func (d *Document) Validate() error {
	switch d.Kind {
	case KindStart:
		if d.Start == nil || d.Start.UID == "" {
			return fmt.Errorf("start document missing uid")
		}
	case KindStop:
		if d.Stop == nil || d.Stop.UID == "" {
			return fmt.Errorf("stop document missing uid")
		}
		if d.Stop.RunStart == "" {
			return fmt.Errorf("stop document missing run_start")
		}
	case KindDescriptor:
		if d.Descriptor == nil || d.Descriptor.UID == "" {
			return fmt.Errorf("descriptor document missing uid")
		}
		if d.Descriptor.RunStart == "" {
			return fmt.Errorf("descriptor document missing run_start")
		}
		if d.Descriptor.Name == "" {
			return fmt.Errorf("descriptor document missing name")
		}
	case KindEvent:
		if d.Event == nil || d.Event.Descriptor == "" {
			return fmt.Errorf("event document missing descriptor reference")
		}
	case KindStreamResource:
		if d.StreamResource == nil || d.StreamResource.UID == "" {
			return fmt.Errorf("stream_resource document missing uid")
		}
	case KindStreamDatum:
		if d.StreamDatum == nil || d.StreamDatum.Descriptor == "" {
			return fmt.Errorf("stream_datum document missing descriptor reference")
		}
		if d.StreamDatum.StreamResource == "" {
			return fmt.Errorf("stream_datum document missing stream_resource reference")
		}
	default:
		return fmt.Errorf("%w: %q", sdkerrors.ErrUnknownKind, d.Kind)
	}
	return nil
}

// UID returns the unique id of the wrapped document, or "" for kinds
// routed by reference rather than identity.
func (d *Document) UID() string {
	switch d.Kind {
	case KindStart:
		return d.Start.UID
	case KindStop:
		return d.Stop.UID
	case KindDescriptor:
		return d.Descriptor.UID
	case KindEvent:
		return d.Event.UID
	case KindStreamResource:
		return d.StreamResource.UID
	case KindStreamDatum:
		return d.StreamDatum.UID
	}
	return ""
}
