package catalog

import (
	"context"
	"fmt"
	"net/http"

	"go.uber.org/zap"
)

// Node is a handle on one node in the storage tree. A Node caches the
// metadata and data sources from its last creation or refresh; Refresh
// re-reads them from the service.
type Node struct {
	client      *Client
	path        string
	metadata    map[string]any
	dataSources []DataSource
}

// Path returns the node's slash-joined location in the tree.
func (n *Node) Path() string {
	return n.path
}

// Metadata returns the node's metadata as of the last creation or
// refresh. Callers must not mutate the returned map.
func (n *Node) Metadata() map[string]any {
	return n.metadata
}

// DataSources returns the node's data sources as of the last creation
// or refresh.
func (n *Node) DataSources() []DataSource {
	return n.dataSources
}

// CreateContainer creates a child container under this node.
func (n *Node) CreateContainer(ctx context.Context, key string, metadata map[string]any, specs []Spec) (*Node, error) {
	return n.client.createNode(ctx, n.path, key, FamilyContainer, nil, metadata, specs)
}

// NewNode creates a child table or array node with the given data sources.
func (n *Node) NewNode(ctx context.Context, family StructureFamily, dataSources []DataSource, metadata map[string]any, specs []Spec, key string) (*Node, error) {
	return n.client.createNode(ctx, n.path, key, family, dataSources, metadata, specs)
}

// Child looks up a direct child by key. The second return is false when
// no such child exists.
func (n *Node) Child(ctx context.Context, key string) (*Node, bool, error) {
	key = NormalizeKey(key)
	childPath := joinPath(n.path, key)

	var payload nodePayload
	found, err := n.client.get(ctx, n.client.metadataURL(childPath), &payload)
	if err != nil {
		return nil, false, err
	}
	if !found {
		return nil, false, nil
	}
	return &Node{
		client:      n.client,
		path:        childPath,
		metadata:    payload.Metadata,
		dataSources: payload.DataSources,
	}, true, nil
}

// UpdateMetadata replaces the node's metadata map in full.
func (n *Node) UpdateMetadata(ctx context.Context, metadata map[string]any) error {
	body := map[string]any{"metadata": metadata}
	if err := n.client.do(ctx, http.MethodPut, n.client.metadataURL(n.path), body, nil); err != nil {
		return err
	}
	n.metadata = metadata
	return nil
}

// WritePartition writes partition i of a table node. Partitions are
// written once each, in arrival order.
func (n *Node) WritePartition(ctx context.Context, rows []map[string]any, partition int) error {
	url := n.partitionURL(partition)
	if err := n.client.do(ctx, http.MethodPut, url, rows, nil); err != nil {
		return err
	}
	n.client.logger.Debug("Wrote table partition",
		zap.String("path", n.path),
		zap.Int("partition", partition),
		zap.Int("rows", len(rows)))
	return nil
}

// AppendPartition appends rows as partition i of a table node.
func (n *Node) AppendPartition(ctx context.Context, rows []map[string]any, partition int) error {
	url := n.partitionURL(partition)
	if err := n.client.do(ctx, http.MethodPatch, url, rows, nil); err != nil {
		return err
	}
	n.client.logger.Debug("Appended table partition",
		zap.String("path", n.path),
		zap.Int("partition", partition),
		zap.Int("rows", len(rows)))
	return nil
}

func (n *Node) partitionURL(partition int) string {
	return fmt.Sprintf("%s?partition=%d", n.client.endpoint("table/partition", n.path), partition)
}

// Refresh re-reads the node's metadata and data sources from the service.
func (n *Node) Refresh(ctx context.Context) error {
	var payload nodePayload
	found, err := n.client.get(ctx, n.client.metadataURL(n.path), &payload)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("node %q no longer exists", n.path)
	}
	n.metadata = payload.Metadata
	n.dataSources = payload.DataSources
	return nil
}

// PatchDataSource pushes an updated structure description for one of the
// node's data sources. This is the write half of the read-modify-write
// used to grow external arrays; it is not guarded against concurrent
// growth of the same node.
func (n *Node) PatchDataSource(ctx context.Context, ds DataSource) error {
	url := fmt.Sprintf("%s?data_source=%d", n.client.endpoint("data_source", n.path), ds.ID)
	body := map[string]any{"data_source": ds}
	if err := n.client.do(ctx, http.MethodPut, url, body, nil); err != nil {
		return err
	}
	n.client.logger.Debug("Patched data source",
		zap.String("path", n.path),
		zap.Int("data_source", ds.ID))
	return nil
}
