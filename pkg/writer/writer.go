package writer

import (
	"context"
	"fmt"
	"path"
	"strings"

	"go.uber.org/zap"

	"github.com/wehubfusion/Mnemosyne/pkg/catalog"
	"github.com/wehubfusion/Mnemosyne/pkg/documents"
	sdkerrors "github.com/wehubfusion/Mnemosyne/pkg/errors"
)

// runSpec tags every run's root container so readers can recognize the
// layout convention.
var runSpec = catalog.Spec{Name: "BlueskyRun", Version: "1.0"}

// tableKeys are the two logical tables each event contributes one row to.
var tableKeys = [2]string{"data", "timestamps"}

// runState is the writer's lifecycle position.
type runState int

const (
	stateUnstarted runState = iota
	stateStarted
	stateStopped
)

func (s runState) String() string {
	switch s {
	case stateUnstarted:
		return "unstarted"
	case stateStarted:
		return "started"
	case stateStopped:
		return "stopped"
	}
	return "unknown"
}

// descriptorEntry holds everything registered when a descriptor arrives:
// its container node, the internal/external sub-namespaces, and the
// declaring document (consulted later for field schemas).
type descriptorEntry struct {
	doc      *documents.DescriptorDocument
	node     Node
	internal Node
	external Node
}

// tableEntry tracks one materialized table node and how many partitions
// it holds so far.
type tableEntry struct {
	node       Node
	partitions int
}

// resourceState is the explicit per-resource lifecycle: announced when
// the stream_resource document is cached, materialized once the first
// stream_datum creates the array node.
type resourceState struct {
	announced *documents.StreamResourceDocument
	node      Node
}

// RunWriter owns one run's mapping from logical entities (descriptors,
// tables, stream resources) to storage nodes. Documents must be applied
// strictly in run-lineage order; the writer fails fast on violations and
// never rolls back storage effects already issued.
//
// A RunWriter is not safe for concurrent use; the protocol assumes
// in-order, non-interleaved delivery per run.
type RunWriter struct {
	backend Backend
	logger  *zap.Logger

	state        runState
	runUID       string
	root         Node
	rootMetadata map[string]any

	descriptors map[string]*descriptorEntry
	tables      map[string]*tableEntry
	resources   map[string]*resourceState
	assets      []string
}

// NewRunWriter creates a writer for a single run.
func NewRunWriter(backend Backend, logger *zap.Logger) (*RunWriter, error) {
	if backend == nil {
		return nil, fmt.Errorf("backend cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	return &RunWriter{
		backend:     backend,
		logger:      logger,
		state:       stateUnstarted,
		descriptors: make(map[string]*descriptorEntry),
		tables:      make(map[string]*tableEntry),
		resources:   make(map[string]*resourceState),
	}, nil
}

// State returns the writer's lifecycle position as a string, for logging
// and inspection.
func (w *RunWriter) State() string {
	return w.state.String()
}

// RunUID returns the uid of the run this writer owns, or "" before start.
func (w *RunWriter) RunUID() string {
	return w.runUID
}

// Assets returns the local file paths of all stream-resource assets
// materialized so far. Consumed by post-run archival.
func (w *RunWriter) Assets() []string {
	out := make([]string, len(w.assets))
	copy(out, w.assets)
	return out
}

// Apply routes one document to its handler. The switch is exhaustive
// over the closed document union; new kinds are a compile-visible
// addition here.
func (w *RunWriter) Apply(ctx context.Context, doc *documents.Document) error {
	if err := doc.Validate(); err != nil {
		return err
	}
	switch doc.Kind {
	case documents.KindStart:
		return w.start(ctx, doc.Start)
	case documents.KindStop:
		return w.stop(ctx, doc.Stop)
	case documents.KindDescriptor:
		return w.descriptor(ctx, doc.Descriptor)
	case documents.KindEvent:
		return w.event(ctx, doc.Event)
	case documents.KindStreamResource:
		return w.streamResource(doc.StreamResource)
	case documents.KindStreamDatum:
		return w.streamDatum(ctx, doc.StreamDatum)
	default:
		return fmt.Errorf("%w: %q", sdkerrors.ErrUnknownKind, doc.Kind)
	}
}

// start creates the run's root container with the start document as
// metadata. Valid only from the unstarted state.
func (w *RunWriter) start(ctx context.Context, doc *documents.StartDocument) error {
	if w.state != stateUnstarted {
		return sdkerrors.NewDocumentError(string(documents.KindStart), doc.UID,
			fmt.Sprintf("run already %s", w.state), sdkerrors.ErrInvalidSequence)
	}

	metadata := map[string]any{"start": doc.AsMap()}
	root, err := w.backend.CreateContainer(ctx, doc.UID, metadata, []catalog.Spec{runSpec})
	if err != nil {
		return err
	}

	w.root = root
	w.rootMetadata = metadata
	w.runUID = doc.UID
	w.state = stateStarted
	w.logger.Info("Run started", zap.String("run_uid", doc.UID))
	return nil
}

// stop merges the stop document into the root metadata without
// discarding existing keys. Valid only from the started state; the
// writer is terminal afterwards.
func (w *RunWriter) stop(ctx context.Context, doc *documents.StopDocument) error {
	if w.state != stateStarted {
		return sdkerrors.NewDocumentError(string(documents.KindStop), doc.UID,
			fmt.Sprintf("run is %s", w.state), sdkerrors.ErrInvalidSequence)
	}

	merged := make(map[string]any, len(w.rootMetadata)+1)
	for k, v := range w.rootMetadata {
		merged[k] = v
	}
	merged["stop"] = doc.AsMap()

	if err := w.root.UpdateMetadata(ctx, merged); err != nil {
		return err
	}
	w.rootMetadata = merged
	w.state = stateStopped
	w.logger.Info("Run stopped",
		zap.String("run_uid", w.runUID),
		zap.String("exit_status", doc.ExitStatus))
	return nil
}

// descriptor creates the stream's container, stores the full descriptor
// document as its metadata, and creates the internal/external
// sub-namespaces. Duplicate descriptor uids are assumed unique upstream
// and not validated.
func (w *RunWriter) descriptor(ctx context.Context, doc *documents.DescriptorDocument) error {
	if w.state == stateUnstarted || w.root == nil {
		return sdkerrors.NewDocumentError(string(documents.KindDescriptor), doc.UID,
			"run root not yet created", sdkerrors.ErrUnknownRun)
	}
	if w.state == stateStopped {
		return sdkerrors.NewDocumentError(string(documents.KindDescriptor), doc.UID,
			"run already stopped", sdkerrors.ErrInvalidSequence)
	}

	node, err := w.root.CreateContainer(ctx, doc.Name, doc.AsMap(), nil)
	if err != nil {
		return err
	}
	external, err := node.CreateContainer(ctx, "external", nil, nil)
	if err != nil {
		return err
	}
	internal, err := node.CreateContainer(ctx, "internal", nil, nil)
	if err != nil {
		return err
	}

	w.descriptors[doc.UID] = &descriptorEntry{
		doc:      doc,
		node:     node,
		internal: internal,
		external: external,
	}
	w.logger.Debug("Descriptor registered",
		zap.String("run_uid", w.runUID),
		zap.String("descriptor_uid", doc.UID),
		zap.String("stream", doc.Name))
	return nil
}

// event appends one row to each of the stream's two tables, creating a
// table node on first reference with its structure inferred from that
// first row. Row order equals document arrival order.
func (w *RunWriter) event(ctx context.Context, doc *documents.EventDocument) error {
	entry, ok := w.descriptors[doc.Descriptor]
	if !ok {
		return sdkerrors.NewDocumentError(string(documents.KindEvent), doc.UID,
			fmt.Sprintf("descriptor %q not registered", doc.Descriptor), sdkerrors.ErrUnknownDescriptor)
	}

	for _, tableKey := range tableKeys {
		row := eventRow(doc, tableKey)
		if err := w.appendRow(ctx, entry, doc.Descriptor, tableKey, row); err != nil {
			return err
		}
	}
	return nil
}

// eventRow builds one table row from the event's field map.
func eventRow(doc *documents.EventDocument, tableKey string) map[string]any {
	if tableKey == "timestamps" {
		row := make(map[string]any, len(doc.Timestamps))
		for field, ts := range doc.Timestamps {
			row[field] = ts
		}
		return row
	}
	row := make(map[string]any, len(doc.Data))
	for field, value := range doc.Data {
		row[field] = value
	}
	return row
}

// appendRow writes the row as the table's next partition, creating the
// table node first if this is the first event referencing it.
func (w *RunWriter) appendRow(ctx context.Context, entry *descriptorEntry, descriptorUID, tableKey string, row map[string]any) error {
	cacheKey := descriptorUID + "/" + tableKey
	table, ok := w.tables[cacheKey]
	if !ok {
		// Consult the service before creating: the node may exist from a
		// previous writer over the same tree.
		existing, found, err := entry.internal.Child(ctx, tableKey)
		if err != nil {
			return err
		}
		if found {
			table = &tableEntry{node: existing, partitions: tablePartitions(existing)}
		} else {
			ds, err := catalog.NewTableDataSource(catalog.TableStructureFromRow(row), "text/csv")
			if err != nil {
				return err
			}
			node, err := entry.internal.NewNode(ctx, catalog.FamilyTable,
				[]catalog.DataSource{ds}, nil, nil, tableKey)
			if err != nil {
				return err
			}
			if err := node.WritePartition(ctx, []map[string]any{row}, 0); err != nil {
				return err
			}
			w.tables[cacheKey] = &tableEntry{node: node, partitions: 1}
			return nil
		}
		w.tables[cacheKey] = table
	}

	if err := table.node.AppendPartition(ctx, []map[string]any{row}, table.partitions); err != nil {
		return err
	}
	table.partitions++
	return nil
}

// tablePartitions recovers the partition count from a table node's
// structure description.
func tablePartitions(node Node) int {
	for _, ds := range node.DataSources() {
		if ds.StructureFamily != catalog.FamilyTable {
			continue
		}
		var s catalog.TableStructure
		if err := ds.StructureInto(&s); err == nil {
			return s.NPartitions
		}
	}
	return 0
}

// streamResource caches the announcement. No storage node is created:
// many announced resources never receive data, and the array node is
// materialized lazily by the first referencing stream datum.
func (w *RunWriter) streamResource(doc *documents.StreamResourceDocument) error {
	w.resources[doc.UID] = &resourceState{announced: doc}
	w.logger.Debug("Stream resource announced",
		zap.String("run_uid", w.runUID),
		zap.String("resource_uid", doc.UID),
		zap.String("data_key", doc.DataKey))
	return nil
}

// streamDatum grows the resource's array node by the datum's row range,
// materializing the node first if this is the first datum referencing
// the resource. The growth is a read-modify-write of the node's
// structure description and is not guarded against concurrent growth of
// the same node by another writer.
func (w *RunWriter) streamDatum(ctx context.Context, doc *documents.StreamDatumDocument) error {
	entry, ok := w.descriptors[doc.Descriptor]
	if !ok {
		return sdkerrors.NewDocumentError(string(documents.KindStreamDatum), doc.UID,
			fmt.Sprintf("descriptor %q not registered", doc.Descriptor), sdkerrors.ErrUnknownDescriptor)
	}

	rowsAdded := doc.Indices.Stop - doc.Indices.Start
	if rowsAdded < 0 {
		return sdkerrors.NewDocumentError(string(documents.KindStreamDatum), doc.UID,
			fmt.Sprintf("indices [%d, %d)", doc.Indices.Start, doc.Indices.Stop), sdkerrors.ErrInvalidRange)
	}

	rs, ok := w.resources[doc.StreamResource]
	if !ok {
		return sdkerrors.NewDocumentError(string(documents.KindStreamDatum), doc.UID,
			fmt.Sprintf("stream resource %q not announced", doc.StreamResource), sdkerrors.ErrUnknownStreamResource)
	}

	if rs.node == nil {
		node, err := w.materializeResource(ctx, entry, rs.announced)
		if err != nil {
			return err
		}
		rs.node = node
	}

	node := rs.node
	if err := node.Refresh(ctx); err != nil {
		return err
	}
	sources := node.DataSources()
	if len(sources) == 0 {
		return sdkerrors.NewDocumentError(string(documents.KindStreamDatum), doc.UID,
			fmt.Sprintf("array node %q has no data source", node.Path()), nil)
	}

	ds := sources[0]
	structure, err := ds.ArrayStructure()
	if err != nil {
		return err
	}
	structure.Grow(rowsAdded)
	if err := ds.SetStructure(structure); err != nil {
		return err
	}
	if err := node.PatchDataSource(ctx, ds); err != nil {
		return err
	}

	w.logger.Debug("Stream resource grown",
		zap.String("run_uid", w.runUID),
		zap.String("resource_uid", doc.StreamResource),
		zap.Int64("rows_added", rowsAdded),
		zap.Int64("extent", structure.Shape[0]))
	return nil
}

// materializeResource creates the array node for an announced resource:
// one non-directory asset, element shape and machine type taken from the
// descriptor's field schema, mimetype from the spec-tag table, and a
// leading-dimension extent of zero.
func (w *RunWriter) materializeResource(ctx context.Context, entry *descriptorEntry, srDoc *documents.StreamResourceDocument) (Node, error) {
	dataKey, ok := entry.doc.DataKeys[srDoc.DataKey]
	if !ok {
		return nil, sdkerrors.NewDocumentError(string(documents.KindStreamResource), srDoc.UID,
			fmt.Sprintf("data key %q not declared by descriptor %q", srDoc.DataKey, entry.doc.UID),
			sdkerrors.ErrUnknownDescriptor)
	}

	mimetype, err := MimetypeForSpec(srDoc.Spec)
	if err != nil {
		return nil, sdkerrors.NewDocumentError(string(documents.KindStreamResource), srDoc.UID, "", err)
	}

	dtype, err := catalog.DtypeFromNumpy(dataKey.DtypeStr)
	if err != nil {
		return nil, sdkerrors.NewDocumentError(string(documents.KindStreamResource), srDoc.UID, "", err)
	}

	var trailing []int64
	if dataKey.Dtype == "array" {
		trailing = dataKey.Shape
	}

	filePath := assetFilePath(srDoc.Root, srDoc.ResourcePath)
	asset := catalog.Asset{
		DataURI:     "file://localhost" + filePath,
		IsDirectory: false,
		Parameter:   "data_uri",
	}

	dataPath := strings.Trim(srDoc.DataPath(), "/")
	parameters := map[string]any{"path": splitDataPath(dataPath)}

	ds, err := catalog.NewExternalArrayDataSource(
		catalog.NewArrayStructure(dtype, trailing), mimetype, []catalog.Asset{asset}, parameters)
	if err != nil {
		return nil, err
	}

	node, err := entry.external.NewNode(ctx, catalog.FamilyArray,
		[]catalog.DataSource{ds}, nil, nil, srDoc.DataKey)
	if err != nil {
		return nil, err
	}

	w.assets = append(w.assets, filePath)
	w.logger.Debug("Stream resource materialized",
		zap.String("run_uid", w.runUID),
		zap.String("resource_uid", srDoc.UID),
		zap.String("asset", asset.DataURI))
	return node, nil
}

// assetFilePath derives the single asset's local path from the
// resource's root and relative path.
func assetFilePath(root, resourcePath string) string {
	return path.Clean("/" + strings.Trim(root, "/") + "/" + strings.Trim(resourcePath, "/"))
}

// splitDataPath splits the path within the asset into segments; an empty
// declared path yields no segments.
func splitDataPath(dataPath string) []string {
	if dataPath == "" {
		return []string{}
	}
	return strings.Split(dataPath, "/")
}
