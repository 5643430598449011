// Package catalog provides the HTTP client for the hierarchical storage
// service. The service organizes data as a tree of container, table, and
// array nodes; tables are append-only sequences of partitions, arrays may
// be backed by externally written assets whose structure description is
// patched as the asset grows.
package catalog

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
)

// StructureFamily identifies the shape of a node.
type StructureFamily string

const (
	FamilyContainer StructureFamily = "container"
	FamilyTable     StructureFamily = "table"
	FamilyArray     StructureFamily = "array"
)

// Management declares who owns a data source's bytes.
type Management string

const (
	// ManagementWritable marks data written through the service itself
	ManagementWritable Management = "writable"

	// ManagementExternal marks data written by an external process; the
	// service only tracks its structure description
	ManagementExternal Management = "external"
)

// Spec tags a node with a named layout convention.
type Spec struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

// Asset references one externally stored file backing a data source.
type Asset struct {
	DataURI     string `json:"data_uri"`
	IsDirectory bool   `json:"is_directory"`
	Parameter   string `json:"parameter,omitempty"`
}

// BuiltinDtype describes a fixed-size machine element type in the
// numpy-compatible form the service expects.
type BuiltinDtype struct {
	Endianness string `json:"endianness"` // "little", "big", or "not_applicable"
	Kind       string `json:"kind"`       // "f", "i", "u", "b", "c", ...
	ItemSize   int    `json:"itemsize"`
}

// DefaultDtype is the element type assumed when a descriptor does not
// declare one: an 8-byte little-endian float.
var DefaultDtype = BuiltinDtype{Endianness: "little", Kind: "f", ItemSize: 8}

// DtypeFromNumpy parses a numpy dtype string such as "<f8", ">i4" or
// "|u1". An empty string yields DefaultDtype.
func DtypeFromNumpy(s string) (BuiltinDtype, error) {
	if s == "" {
		return DefaultDtype, nil
	}
	if len(s) < 2 {
		return BuiltinDtype{}, fmt.Errorf("malformed dtype string %q", s)
	}

	dt := BuiltinDtype{}
	rest := s
	switch s[0] {
	case '<', '=':
		dt.Endianness = "little"
		rest = s[1:]
	case '>':
		dt.Endianness = "big"
		rest = s[1:]
	case '|':
		dt.Endianness = "not_applicable"
		rest = s[1:]
	default:
		// No byte-order prefix, assume native little-endian
		dt.Endianness = "little"
	}

	if len(rest) < 2 {
		return BuiltinDtype{}, fmt.Errorf("malformed dtype string %q", s)
	}
	dt.Kind = string(rest[0])
	size, err := strconv.Atoi(rest[1:])
	if err != nil || size <= 0 {
		return BuiltinDtype{}, fmt.Errorf("malformed dtype string %q", s)
	}
	dt.ItemSize = size
	return dt, nil
}

// ArrayStructure describes an n-dimensional array node. Shape[0] is the
// leading, growable dimension; Chunks holds one chunk-size list per
// dimension.
type ArrayStructure struct {
	DataType BuiltinDtype `json:"data_type"`
	Shape    []int64      `json:"shape"`
	Chunks   [][]int64    `json:"chunks"`
}

// NewArrayStructure builds the structure for a freshly registered
// external array: leading extent zero with an empty-growth chunk, and
// one chunk spanning each trailing dimension.
func NewArrayStructure(dtype BuiltinDtype, trailing []int64) ArrayStructure {
	shape := make([]int64, 0, len(trailing)+1)
	shape = append(shape, 0)
	shape = append(shape, trailing...)

	chunks := make([][]int64, 0, len(trailing)+1)
	chunks = append(chunks, []int64{0})
	for _, d := range trailing {
		chunks = append(chunks, []int64{d})
	}
	return ArrayStructure{DataType: dtype, Shape: shape, Chunks: chunks}
}

// Grow extends the leading dimension by rows and rewrites the leading
// chunk list to one chunk per accumulated row.
func (s *ArrayStructure) Grow(rows int64) {
	s.Shape[0] += rows
	leading := make([]int64, s.Shape[0])
	for i := range leading {
		leading[i] = 1
	}
	s.Chunks[0] = leading
}

// TableStructure describes a partitioned tabular node.
type TableStructure struct {
	Columns     []string `json:"columns"`
	NPartitions int      `json:"npartitions"`
}

// TableStructureFromRow infers a single-partition table structure from
// one row. Column order is sorted for determinism since map iteration
// order is not stable.
func TableStructureFromRow(row map[string]any) TableStructure {
	cols := make([]string, 0, len(row))
	for col := range row {
		cols = append(cols, col)
	}
	sort.Strings(cols)
	return TableStructure{Columns: cols, NPartitions: 1}
}

// DataSource ties a node to the description of its bytes: structure,
// mimetype, backing assets, and opaque reader parameters. Structure is
// kept as raw JSON because its type depends on StructureFamily.
type DataSource struct {
	ID              int             `json:"id,omitempty"`
	StructureFamily StructureFamily `json:"structure_family"`
	Structure       json.RawMessage `json:"structure,omitempty"`
	Mimetype        string          `json:"mimetype,omitempty"`
	Parameters      map[string]any  `json:"parameters,omitempty"`
	Assets          []Asset         `json:"assets,omitempty"`
	Management      Management      `json:"management,omitempty"`
}

// ArrayStructure decodes the data source's structure as an array.
func (ds *DataSource) ArrayStructure() (ArrayStructure, error) {
	var s ArrayStructure
	if err := json.Unmarshal(ds.Structure, &s); err != nil {
		return ArrayStructure{}, fmt.Errorf("failed to decode array structure: %w", err)
	}
	return s, nil
}

// StructureInto decodes the data source's structure into v, which
// should match the data source's structure family.
func (ds *DataSource) StructureInto(v any) error {
	if err := json.Unmarshal(ds.Structure, v); err != nil {
		return fmt.Errorf("failed to decode structure: %w", err)
	}
	return nil
}

// SetStructure replaces the data source's structure description.
func (ds *DataSource) SetStructure(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode structure: %w", err)
	}
	ds.Structure = b
	return nil
}

// NewTableDataSource builds the data source for a service-managed table.
func NewTableDataSource(structure TableStructure, mimetype string) (DataSource, error) {
	ds := DataSource{
		StructureFamily: FamilyTable,
		Mimetype:        mimetype,
		Management:      ManagementWritable,
	}
	if err := ds.SetStructure(structure); err != nil {
		return DataSource{}, err
	}
	return ds, nil
}

// NewExternalArrayDataSource builds the data source for an array whose
// bytes live in an externally written asset.
func NewExternalArrayDataSource(structure ArrayStructure, mimetype string, assets []Asset, parameters map[string]any) (DataSource, error) {
	ds := DataSource{
		StructureFamily: FamilyArray,
		Mimetype:        mimetype,
		Parameters:      parameters,
		Assets:          assets,
		Management:      ManagementExternal,
	}
	if err := ds.SetStructure(structure); err != nil {
		return DataSource{}, err
	}
	return ds, nil
}
