package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rendis/automata/internal/expressions"
	"github.com/rendis/automata/internal/store"
	"github.com/rendis/automata/pkg/schema"
)

// DefaultInlineCeiling is the largest serialized variables or output payload
// kept inline on the execution record.
const DefaultInlineCeiling = 900 * 1024

const storageRefKey = "_storageRef"

// offloader moves oversized payloads to blob storage and back.
type offloader struct {
	blobs   store.BlobStore
	ceiling int
}

// variablesPatch is the outcome of preparing a variables write.
type variablesPatch struct {
	variables  json.RawMessage
	storageRef string
	// superseded is a blob to delete once the new state is persisted.
	superseded string
	offloaded  bool
	size       int
}

// prepare serializes ns and decides whether it stays inline. previousRef is
// the blob currently referenced by the execution, if any.
func (o *offloader) prepare(ctx context.Context, ns expressions.Namespace, previousRef string) (*variablesPatch, error) {
	raw, err := json.Marshal(ns)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "serialize variables: %s", err).WithCause(err)
	}
	p := &variablesPatch{variables: raw, size: len(raw)}

	if len(raw) > o.ceiling && o.blobs != nil {
		ref, err := o.blobs.Store(ctx, raw)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeStorageOverflow, "offload variables (%d bytes): %s", len(raw), err).WithCause(err)
		}
		p.variables = placeholder(ref)
		p.storageRef = ref
		p.offloaded = true
	}
	if previousRef != "" && previousRef != p.storageRef {
		p.superseded = previousRef
	}
	return p, nil
}

// release deletes a superseded blob. Failures leave an orphan blob behind and
// are only reported.
func (o *offloader) release(ctx context.Context, ref string) error {
	if ref == "" || o.blobs == nil {
		return nil
	}
	if err := o.blobs.Delete(ctx, ref); err != nil && !schema.HasCode(err, schema.ErrCodeNotFound) {
		return fmt.Errorf("delete superseded blob %s: %w", ref, err)
	}
	return nil
}

// finalOutput serializes a completion or failure output. Above the ceiling the
// literal value is replaced by {_note, _size, _storageRef}.
func (o *offloader) finalOutput(ctx context.Context, output any) (json.RawMessage, error) {
	raw, err := json.Marshal(output)
	if err != nil {
		raw = SafeJSON(output, o.ceiling)
	}
	if len(raw) <= o.ceiling {
		return raw, nil
	}
	summary := map[string]any{
		"_note": fmt.Sprintf("output of %d bytes exceeds the inline ceiling of %d bytes", len(raw), o.ceiling),
		"_size": len(raw),
	}
	if o.blobs != nil {
		ref, err := o.blobs.Store(ctx, raw)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeStorageOverflow, "offload output: %s", err).WithCause(err)
		}
		summary[storageRefKey] = ref
	}
	return json.Marshal(summary)
}

func placeholder(ref string) json.RawMessage {
	raw, _ := json.Marshal(map[string]string{storageRefKey: ref})
	return raw
}

// StorageRef returns the blob ref of an offloaded payload placeholder.
func StorageRef(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 || raw[0] != '{' {
		return "", false
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return "", false
	}
	refRaw, ok := fields[storageRefKey]
	if !ok {
		return "", false
	}
	var ref string
	if err := json.Unmarshal(refRaw, &ref); err != nil || ref == "" {
		return "", false
	}
	return ref, true
}

// LoadVariables returns the execution namespace, following the storage ref of
// offloaded variables.
func LoadVariables(ctx context.Context, blobs store.BlobStore, exec *store.Execution) (expressions.Namespace, error) {
	raw := exec.Variables
	if exec.VariablesStorageRef != "" {
		if blobs == nil {
			return nil, schema.NewErrorf(schema.ErrCodeStore, "execution %s variables are offloaded but no blob store is configured", exec.ID)
		}
		data, err := blobs.Get(ctx, exec.VariablesStorageRef)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeStore, "load offloaded variables: %s", err).WithCause(err)
		}
		raw = data
	}
	ns, err := expressions.DecodeNamespace(raw)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "execution %s: %s", exec.ID, err).WithCause(err)
	}
	return ns, nil
}

// ExpandOutput replaces an offloaded output summary by the stored payload.
// Inline outputs are returned unchanged.
func ExpandOutput(ctx context.Context, blobs store.BlobStore, raw json.RawMessage) (json.RawMessage, error) {
	ref, ok := StorageRef(raw)
	if !ok || blobs == nil {
		return raw, nil
	}
	data, err := blobs.Get(ctx, ref)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "load offloaded output: %s", err).WithCause(err)
	}
	return data, nil
}
