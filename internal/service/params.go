package service

import (
	"encoding/json"
	"fmt"

	"github.com/user/smartroute-go/internal/config"
	"github.com/user/smartroute-go/internal/models"
)

// ParameterMerger overlays configured default parameters onto client
// request bodies. The client body is never mutated; every call works on
// a deep copy.
type ParameterMerger struct {
	params config.ParamsConfig
}

// NewParameterMerger creates a merger over one configuration snapshot.
func NewParameterMerger(params config.ParamsConfig) *ParameterMerger {
	return &ParameterMerger{params: params}
}

// Compose builds the upstream request body for one attempt. Global
// params fill keys the client left absent; model params overwrite
// unconditionally; the model field is rewritten to the bare name; and
// flavors that cannot stream get stream forced to false.
func (m *ParameterMerger) Compose(clientBody map[string]any, ref models.ModelRef, flavor models.ProtocolFlavor) ([]byte, error) {
	body := deepCopyMap(clientBody)

	for k, v := range m.params.Global {
		if _, ok := body[k]; !ok {
			body[k] = v
		}
	}

	// Model params are keyed by the canonical entry first, then the bare
	// model name.
	overrides, ok := m.params.Model[ref.String()]
	if !ok {
		overrides = m.params.Model[ref.Model]
	}
	for k, v := range overrides {
		body[k] = v
	}

	body["model"] = ref.Model
	if flavor.ForcesNonStreaming() {
		body["stream"] = false
	}

	out, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal upstream body: %w", err)
	}
	return out, nil
}

// deepCopyMap copies a JSON-shaped map. Values are restricted to what
// encoding/json produces: maps, slices and scalars.
func deepCopyMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		cp := make([]any, len(val))
		for i, e := range val {
			cp[i] = deepCopyValue(e)
		}
		return cp
	default:
		return val
	}
}
