package artifacts

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"path"

	"github.com/notargets/freqtopo/logging"
)

// Writer stores the artifacts of one run below the run ID.
type Writer struct {
	store Store
	comp  Compression
	runID string
	log   *logging.Logger
}

// NewWriter returns a writer that namespaces blobs by runID.
func NewWriter(store Store, runID string, comp Compression, log *logging.Logger) *Writer {
	return &Writer{
		store: store,
		comp:  comp,
		runID: runID,
		log:   logging.OrNoop(log).WithComponent("artifacts"),
	}
}

func (w *Writer) RunID() string { return w.runID }

func (w *Writer) Store() Store { return w.store }

// Key returns the store name of an artifact of this run.
func (w *Writer) Key(name string) string { return path.Join(w.runID, name) }

func (w *Writer) put(ctx context.Context, name string, raw []byte) (string, error) {
	blob, err := Encode(w.comp, raw)
	if err != nil {
		return "", err
	}
	key := w.Key(name)
	if err := w.store.Put(ctx, key, blob); err != nil {
		return "", fmt.Errorf("failed to store artifact %s: %w", key, err)
	}
	w.log.DebugContext(ctx, "artifact stored", "key", key, "bytes", len(raw), "stored", len(blob),
		"compression", w.comp.String())
	return key, nil
}

// WriteJSON stores v as JSON and returns its key.
func (w *Writer) WriteJSON(ctx context.Context, name string, v any) (string, error) {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode artifact %s: %w", name, err)
	}
	return w.put(ctx, name, raw)
}

// ReadJSON loads the artifact stored under key into v.
func (w *Writer) ReadJSON(ctx context.Context, key string, v any) error {
	raw, err := w.read(ctx, key)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

// WriteVector stores v as little-endian float64 values and returns its key.
func (w *Writer) WriteVector(ctx context.Context, name string, v []float64) (string, error) {
	raw := make([]byte, 8*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint64(raw[8*i:], math.Float64bits(x))
	}
	return w.put(ctx, name, raw)
}

// ReadVector loads a vector written by WriteVector.
func (w *Writer) ReadVector(ctx context.Context, key string) ([]float64, error) {
	raw, err := w.read(ctx, key)
	if err != nil {
		return nil, err
	}
	if len(raw)%8 != 0 {
		return nil, fmt.Errorf("%w: vector of %d bytes", ErrCorrupt, len(raw))
	}
	v := make([]float64, len(raw)/8)
	for i := range v {
		v[i] = math.Float64frombits(binary.LittleEndian.Uint64(raw[8*i:]))
	}
	return v, nil
}

func (w *Writer) read(ctx context.Context, key string) ([]byte, error) {
	blob, err := w.store.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to load artifact %s: %w", key, err)
	}
	return Decode(blob)
}
