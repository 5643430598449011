package writer

import (
	"context"
	"fmt"
	"sync"

	"github.com/wehubfusion/Mnemosyne/pkg/catalog"
)

// fakeBackend is an in-memory storage tree used by the writer and
// dispatcher tests. It records every node, partition, and data-source
// patch so tests can assert on the resulting tree.
type fakeBackend struct {
	mu    sync.Mutex
	roots map[string]*fakeNode
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{roots: make(map[string]*fakeNode)}
}

func (b *fakeBackend) CreateContainer(ctx context.Context, key string, metadata map[string]any, specs []catalog.Spec) (Node, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.roots[key]; exists {
		return nil, fmt.Errorf("node %q already exists", key)
	}
	n := newFakeNode(key, catalog.FamilyContainer, metadata, specs, nil)
	b.roots[key] = n
	return n, nil
}

func (b *fakeBackend) root(key string) *fakeNode {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.roots[key]
}

type fakeNode struct {
	mu          sync.Mutex
	path        string
	family      catalog.StructureFamily
	metadata    map[string]any
	specs       []catalog.Spec
	dataSources []catalog.DataSource
	children    map[string]*fakeNode
	partitions  [][]map[string]any
}

func newFakeNode(path string, family catalog.StructureFamily, metadata map[string]any, specs []catalog.Spec, dataSources []catalog.DataSource) *fakeNode {
	if metadata == nil {
		metadata = map[string]any{}
	}
	return &fakeNode{
		path:        path,
		family:      family,
		metadata:    metadata,
		specs:       specs,
		dataSources: dataSources,
		children:    make(map[string]*fakeNode),
	}
}

func (n *fakeNode) Path() string             { return n.path }
func (n *fakeNode) Metadata() map[string]any { return n.metadata }

func (n *fakeNode) DataSources() []catalog.DataSource {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]catalog.DataSource, len(n.dataSources))
	copy(out, n.dataSources)
	return out
}

func (n *fakeNode) CreateContainer(ctx context.Context, key string, metadata map[string]any, specs []catalog.Spec) (Node, error) {
	return n.addChild(key, catalog.FamilyContainer, metadata, specs, nil)
}

func (n *fakeNode) NewNode(ctx context.Context, family catalog.StructureFamily, dataSources []catalog.DataSource, metadata map[string]any, specs []catalog.Spec, key string) (Node, error) {
	// The service assigns data source ids on creation
	for i := range dataSources {
		dataSources[i].ID = i + 1
	}
	return n.addChild(key, family, metadata, specs, dataSources)
}

func (n *fakeNode) addChild(key string, family catalog.StructureFamily, metadata map[string]any, specs []catalog.Spec, dataSources []catalog.DataSource) (*fakeNode, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, exists := n.children[key]; exists {
		return nil, fmt.Errorf("node %q already has child %q", n.path, key)
	}
	child := newFakeNode(n.path+"/"+key, family, metadata, specs, dataSources)
	n.children[key] = child
	return child, nil
}

func (n *fakeNode) Child(ctx context.Context, key string) (Node, bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	child, ok := n.children[key]
	if !ok {
		return nil, false, nil
	}
	return child, true, nil
}

func (n *fakeNode) child(key string) *fakeNode {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.children[key]
}

func (n *fakeNode) UpdateMetadata(ctx context.Context, metadata map[string]any) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.metadata = metadata
	return nil
}

func (n *fakeNode) WritePartition(ctx context.Context, rows []map[string]any, partition int) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if partition != len(n.partitions) {
		return fmt.Errorf("partition %d written out of order (have %d)", partition, len(n.partitions))
	}
	n.partitions = append(n.partitions, rows)
	return nil
}

func (n *fakeNode) AppendPartition(ctx context.Context, rows []map[string]any, partition int) error {
	return n.WritePartition(ctx, rows, partition)
}

func (n *fakeNode) Refresh(ctx context.Context) error {
	return nil
}

func (n *fakeNode) PatchDataSource(ctx context.Context, ds catalog.DataSource) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i := range n.dataSources {
		if n.dataSources[i].ID == ds.ID {
			n.dataSources[i] = ds
			return nil
		}
	}
	return fmt.Errorf("node %q has no data source %d", n.path, ds.ID)
}
