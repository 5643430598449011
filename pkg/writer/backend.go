// Package writer contains the per-run document state machine and the
// dispatcher that routes an ordered document stream to per-run writers.
// It is the only component with state, ordering, and failure semantics;
// the storage service and document source are collaborators behind
// interfaces.
package writer

import (
	"context"

	"github.com/wehubfusion/Mnemosyne/pkg/catalog"
)

// Backend is the storage service surface the writer consumes. It is
// satisfied by the catalog HTTP client (via NewCatalogBackend) and by
// in-memory fakes in tests.
type Backend interface {
	// CreateContainer creates a container node at the tree root
	CreateContainer(ctx context.Context, key string, metadata map[string]any, specs []catalog.Spec) (Node, error)
}

// Node is one node in the storage tree as seen by the writer.
type Node interface {
	// Path is the node's slash-joined location in the tree
	Path() string

	// Metadata returns the metadata from the last creation or refresh
	Metadata() map[string]any

	// DataSources returns the data sources from the last creation or refresh
	DataSources() []catalog.DataSource

	// CreateContainer creates a child container
	CreateContainer(ctx context.Context, key string, metadata map[string]any, specs []catalog.Spec) (Node, error)

	// NewNode creates a child table or array node
	NewNode(ctx context.Context, family catalog.StructureFamily, dataSources []catalog.DataSource, metadata map[string]any, specs []catalog.Spec, key string) (Node, error)

	// Child looks up a direct child by key; the bool is false on a miss
	Child(ctx context.Context, key string) (Node, bool, error)

	// UpdateMetadata replaces the node's metadata map in full
	UpdateMetadata(ctx context.Context, metadata map[string]any) error

	// WritePartition writes partition i of a table node
	WritePartition(ctx context.Context, rows []map[string]any, partition int) error

	// AppendPartition appends rows as partition i of a table node
	AppendPartition(ctx context.Context, rows []map[string]any, partition int) error

	// Refresh re-reads metadata and data sources from the service
	Refresh(ctx context.Context) error

	// PatchDataSource pushes an updated structure for one data source
	PatchDataSource(ctx context.Context, ds catalog.DataSource) error
}

// catalogBackend adapts *catalog.Client to the Backend interface.
type catalogBackend struct {
	client *catalog.Client
}

// NewCatalogBackend wraps a catalog client as a writer Backend.
func NewCatalogBackend(client *catalog.Client) Backend {
	return &catalogBackend{client: client}
}

func (b *catalogBackend) CreateContainer(ctx context.Context, key string, metadata map[string]any, specs []catalog.Spec) (Node, error) {
	n, err := b.client.CreateContainer(ctx, key, metadata, specs)
	if err != nil {
		return nil, err
	}
	return &catalogNode{n}, nil
}

// catalogNode adapts *catalog.Node, re-wrapping child handles so they
// also satisfy the Node interface.
type catalogNode struct {
	*catalog.Node
}

func (n *catalogNode) CreateContainer(ctx context.Context, key string, metadata map[string]any, specs []catalog.Spec) (Node, error) {
	child, err := n.Node.CreateContainer(ctx, key, metadata, specs)
	if err != nil {
		return nil, err
	}
	return &catalogNode{child}, nil
}

func (n *catalogNode) NewNode(ctx context.Context, family catalog.StructureFamily, dataSources []catalog.DataSource, metadata map[string]any, specs []catalog.Spec, key string) (Node, error) {
	child, err := n.Node.NewNode(ctx, family, dataSources, metadata, specs, key)
	if err != nil {
		return nil, err
	}
	return &catalogNode{child}, nil
}

func (n *catalogNode) Child(ctx context.Context, key string) (Node, bool, error) {
	child, found, err := n.Node.Child(ctx, key)
	if err != nil || !found {
		return nil, found, err
	}
	return &catalogNode{child}, true, nil
}
