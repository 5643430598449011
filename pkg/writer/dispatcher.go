package writer

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/wehubfusion/Mnemosyne/pkg/documents"
	sdkerrors "github.com/wehubfusion/Mnemosyne/pkg/errors"
)

// StopHook is invoked after a run's stop document is applied, with the
// run uid and the local paths of all assets its stream resources
// materialized. It runs before the run's writer is evicted.
type StopHook func(runUID string, assets []string)

// Dispatcher routes an ordered document stream to per-run writers. One
// writer is created per start document; subsequent documents are routed
// by run identity (start/stop/descriptor/stream_resource via run_start,
// event/stream_datum via their descriptor reference). Stopped runs are
// evicted so long-lived processes do not grow without bound.
//
// Distinct runs share no mutable state beyond the routing tables, which
// are mutex-guarded; independent sources may therefore feed different
// runs concurrently. Documents of a single run must still arrive in
// order from a single goroutine.
type Dispatcher struct {
	backend  Backend
	logger   *zap.Logger
	stopHook StopHook

	mu             sync.Mutex
	writers        map[string]*RunWriter
	descriptorRun  map[string]string
	runDescriptors map[string][]string
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithStopHook registers a callback fired after each successful stop.
func WithStopHook(hook StopHook) DispatcherOption {
	return func(d *Dispatcher) {
		d.stopHook = hook
	}
}

// NewDispatcher creates a dispatcher writing runs through the given
// backend.
func NewDispatcher(backend Backend, logger *zap.Logger, opts ...DispatcherOption) (*Dispatcher, error) {
	if backend == nil {
		return nil, fmt.Errorf("backend cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	d := &Dispatcher{
		backend:        backend,
		logger:         logger,
		writers:        make(map[string]*RunWriter),
		descriptorRun:  make(map[string]string),
		runDescriptors: make(map[string][]string),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// ActiveRuns returns the number of runs currently being written.
func (d *Dispatcher) ActiveRuns() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.writers)
}

// Dispatch decodes and routes one wire document. Routing failures
// (dangling references, duplicate starts) and writer failures both
// propagate to the caller; nothing is retried or rolled back.
func (d *Dispatcher) Dispatch(ctx context.Context, kind string, payload []byte) error {
	doc, err := documents.Parse(kind, payload)
	if err != nil {
		return err
	}
	return d.DispatchDocument(ctx, doc)
}

// DispatchDocument routes an already decoded document.
func (d *Dispatcher) DispatchDocument(ctx context.Context, doc *documents.Document) error {
	if err := doc.Validate(); err != nil {
		return err
	}

	switch doc.Kind {
	case documents.KindStart:
		return d.dispatchStart(ctx, doc)
	case documents.KindStop:
		return d.dispatchStop(ctx, doc)
	case documents.KindDescriptor:
		return d.dispatchDescriptor(ctx, doc)
	case documents.KindStreamResource:
		w, err := d.writerForRun(doc.Kind, doc.UID(), doc.StreamResource.RunStart)
		if err != nil {
			return err
		}
		return w.Apply(ctx, doc)
	case documents.KindEvent:
		w, err := d.writerForDescriptor(doc.Kind, doc.UID(), doc.Event.Descriptor)
		if err != nil {
			return err
		}
		return w.Apply(ctx, doc)
	case documents.KindStreamDatum:
		w, err := d.writerForDescriptor(doc.Kind, doc.UID(), doc.StreamDatum.Descriptor)
		if err != nil {
			return err
		}
		return w.Apply(ctx, doc)
	default:
		return fmt.Errorf("%w: %q", sdkerrors.ErrUnknownKind, doc.Kind)
	}
}

func (d *Dispatcher) dispatchStart(ctx context.Context, doc *documents.Document) error {
	runUID := doc.Start.UID

	d.mu.Lock()
	if _, exists := d.writers[runUID]; exists {
		d.mu.Unlock()
		return sdkerrors.NewDocumentError(string(doc.Kind), runUID,
			"run already started", sdkerrors.ErrInvalidSequence)
	}
	w, err := NewRunWriter(d.backend, d.logger)
	if err != nil {
		d.mu.Unlock()
		return err
	}
	d.writers[runUID] = w
	d.mu.Unlock()

	if err := w.Apply(ctx, doc); err != nil {
		// The writer never materialized a root; drop the registration so
		// a corrected start can be replayed.
		d.mu.Lock()
		delete(d.writers, runUID)
		d.mu.Unlock()
		return err
	}
	d.logger.Debug("Run registered", zap.String("run_uid", runUID))
	return nil
}

func (d *Dispatcher) dispatchDescriptor(ctx context.Context, doc *documents.Document) error {
	runUID := doc.Descriptor.RunStart
	w, err := d.writerForRun(doc.Kind, doc.UID(), runUID)
	if err != nil {
		return err
	}
	if err := w.Apply(ctx, doc); err != nil {
		return err
	}

	d.mu.Lock()
	d.descriptorRun[doc.Descriptor.UID] = runUID
	d.runDescriptors[runUID] = append(d.runDescriptors[runUID], doc.Descriptor.UID)
	d.mu.Unlock()
	return nil
}

func (d *Dispatcher) dispatchStop(ctx context.Context, doc *documents.Document) error {
	runUID := doc.Stop.RunStart
	w, err := d.writerForRun(doc.Kind, doc.UID(), runUID)
	if err != nil {
		return err
	}
	if err := w.Apply(ctx, doc); err != nil {
		return err
	}

	if d.stopHook != nil {
		d.stopHook(runUID, w.Assets())
	}

	// Evict the terminal run so the routing tables stay bounded.
	d.mu.Lock()
	for _, descUID := range d.runDescriptors[runUID] {
		delete(d.descriptorRun, descUID)
	}
	delete(d.runDescriptors, runUID)
	delete(d.writers, runUID)
	d.mu.Unlock()

	d.logger.Debug("Run evicted", zap.String("run_uid", runUID))
	return nil
}

// writerForRun resolves the writer registered for a run uid.
func (d *Dispatcher) writerForRun(kind documents.Kind, uid, runUID string) (*RunWriter, error) {
	d.mu.Lock()
	w, ok := d.writers[runUID]
	d.mu.Unlock()
	if !ok {
		return nil, sdkerrors.NewDocumentError(string(kind), uid,
			fmt.Sprintf("run %q not registered", runUID), sdkerrors.ErrUnknownRun)
	}
	return w, nil
}

// writerForDescriptor resolves the writer owning a descriptor uid.
func (d *Dispatcher) writerForDescriptor(kind documents.Kind, uid, descriptorUID string) (*RunWriter, error) {
	d.mu.Lock()
	runUID, ok := d.descriptorRun[descriptorUID]
	var w *RunWriter
	if ok {
		w = d.writers[runUID]
	}
	d.mu.Unlock()
	if !ok || w == nil {
		return nil, sdkerrors.NewDocumentError(string(kind), uid,
			fmt.Sprintf("descriptor %q not registered", descriptorUID), sdkerrors.ErrUnknownDescriptor)
	}
	return w, nil
}
