package brush

import (
	"net/url"
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// Constructor builds a Brush from a parsed URI's query parameters.
type Constructor func(params url.Values) (Brush, error)

type brushKey struct {
	scheme, name string
}

// Factory is the process-wide (or, per the spec's singleton note, an
// explicit per-session) registry mapping (scheme, name) to a brush
// constructor. It also hosts the batch serialize/transfer helpers used to
// move a whole brush list across the worker boundary.
type Factory struct {
	mu    sync.RWMutex
	ctors map[brushKey]Constructor
}

// NewFactory returns an empty brush factory.
func NewFactory() *Factory {
	return &Factory{ctors: make(map[brushKey]Constructor)}
}

// DefaultFactory is the package-level factory stock brush variants
// register themselves with at init time, mirroring the teacher's
// resource-registry convention of a process-wide default registry that
// individual resource packages populate via init().
var DefaultFactory = NewFactory()

// RegisterBrush adds a constructor for (scheme, name), overwriting any
// existing registration.
func (f *Factory) RegisterBrush(scheme, name string, ctor Constructor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ctors[brushKey{scheme, name}] = ctor
}

// DeregisterBrush removes the constructor for (scheme, name), if any.
func (f *Factory) DeregisterBrush(scheme, name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.ctors, brushKey{scheme, name})
}

// Available returns the registered brush URI prefixes ("scheme://name"),
// sorted for deterministic output.
func (f *Factory) Available() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]string, 0, len(f.ctors))
	for k := range f.ctors {
		out = append(out, k.scheme+"://"+k.name)
	}
	sort.Strings(out)
	return out
}

// CreateBrush parses uri and instantiates the registered brush, or
// returns an UnknownBrushError if no constructor is registered for it.
func (f *Factory) CreateBrush(uri string) (Brush, error) {
	parsed, err := parseBrushURI(uri)
	if err != nil {
		return nil, err
	}
	f.mu.RLock()
	ctor, ok := f.ctors[brushKey{parsed.Scheme, parsed.Name}]
	f.mu.RUnlock()
	if !ok {
		return nil, errors.WithStack(&UnknownBrushError{URI: uri})
	}
	return ctor(parsed.Params)
}

// SerializeBrushes captures each brush's configuration by value,
// preserving nil slots (empty brush-list entries) and ordering.
func (f *Factory) SerializeBrushes(bs []Brush) ([]any, error) {
	out := make([]any, len(bs))
	for i, b := range bs {
		if b == nil {
			continue
		}
		payload, err := b.Serialize()
		if err != nil {
			return nil, errors.Wrapf(err, "serializing brush at slot %d", i)
		}
		out[i] = payload
	}
	return out, nil
}

// DeserializeBrushes reconstructs a brush list from the URIs used to
// create it and the payloads SerializeBrushes produced, preserving null
// slots (an empty uri) and ordering.
func (f *Factory) DeserializeBrushes(uris []string, payloads []any) ([]Brush, error) {
	if len(uris) != len(payloads) {
		return nil, errors.Errorf("brush uri/payload length mismatch: %d vs %d", len(uris), len(payloads))
	}
	out := make([]Brush, len(uris))
	for i, uri := range uris {
		if uri == "" {
			continue
		}
		b, err := f.CreateBrush(uri)
		if err != nil {
			return nil, errors.Wrapf(err, "deserializing brush at slot %d", i)
		}
		if payloads[i] != nil {
			if err := b.Deserialize(payloads[i]); err != nil {
				return nil, errors.Wrapf(err, "deserializing brush at slot %d", i)
			}
		}
		out[i] = b
	}
	return out, nil
}

// BrushesTransferParams is the packaged {params, transferList} record for
// an entire brush list's cross-thread hop, with per-slot alignment
// preserved in Params (nil for an empty slot).
type BrushesTransferParams struct {
	Params       []any
	TransferList []TransferableBuffer
}

// BeginTransferForBrushes packages bs for dispatch across the worker
// boundary, preserving per-slot alignment. It does not depend on factory
// registration state; it is a method only for call-site symmetry with
// the rest of the batch helpers.
func (f *Factory) BeginTransferForBrushes(bs []Brush, dir TransferDirection) (BrushesTransferParams, error) {
	return BeginTransferForBrushes(bs, dir)
}

// EndTransferOntoBrushes adopts a BrushesTransferParams produced by a
// matching BeginTransferForBrushes call onto bs, in slot order.
func (f *Factory) EndTransferOntoBrushes(bs []Brush, dir TransferDirection, tp BrushesTransferParams) error {
	return EndTransferOntoBrushes(bs, dir, tp)
}

// BeginTransferForBrushes is the free-function form of
// Factory.BeginTransferForBrushes, usable by callers (such as the color
// worker pool) that only move brush values across the worker boundary
// and never need the registry itself.
func BeginTransferForBrushes(bs []Brush, dir TransferDirection) (BrushesTransferParams, error) {
	params := make([]any, len(bs))
	var transferList []TransferableBuffer
	for i, b := range bs {
		if b == nil {
			continue
		}
		p, tl, err := b.BeginTransfer(dir)
		if err != nil {
			return BrushesTransferParams{}, errors.Wrapf(err, "beginning transfer for brush at slot %d", i)
		}
		params[i] = p
		transferList = append(transferList, tl...)
	}
	return BrushesTransferParams{Params: params, TransferList: transferList}, nil
}

// EndTransferOntoBrushes is the free-function form of
// Factory.EndTransferOntoBrushes.
func EndTransferOntoBrushes(bs []Brush, dir TransferDirection, tp BrushesTransferParams) error {
	for i, b := range bs {
		if b == nil {
			continue
		}
		if i >= len(tp.Params) {
			return errors.Errorf("transfer params too short for brush slot %d", i)
		}
		if err := b.EndTransfer(dir, tp.Params[i]); err != nil {
			return errors.Wrapf(err, "ending transfer for brush at slot %d", i)
		}
	}
	return nil
}
