package coordinator

import (
	"encoding/json"
	"fmt"
)

// graphEnvelopeVersion is the current on-disk/in-Redis schema version for a
// persisted DependencyGraph. Bump it whenever GraphEnvelope's shape changes
// in a way that isn't backward compatible for readers.
const graphEnvelopeVersion = 2

// GraphEnvelope wraps a DependencyGraph with the schema version it was
// written under, so a GraphBuilder reading a cache entry written by an older
// deploy can either migrate it or reject it instead of silently
// misinterpreting fields that changed meaning.
type GraphEnvelope struct {
	Version int              `json:"_v"`
	Graph   *DependencyGraph `json:"graph"`
}

// migrateGraphEnvelopeV1ToV2 adapts the version-1 envelope, which stored
// edges as a flat []Edge slice, to version 2's per-file adjacency map. It
// derives only the forward adjacency map; no reverse edge index is built.
func migrateGraphEnvelopeV1ToV2(data map[string]interface{}) (map[string]interface{}, error) {
	graphRaw, ok := data["graph"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("migrate graph envelope: missing graph field")
	}

	edgesRaw, ok := graphRaw["edges"].([]interface{})
	if ok {
		forward := make(map[string][]string)
		for _, e := range edgesRaw {
			edge, ok := e.(map[string]interface{})
			if !ok {
				continue
			}
			from, _ := edge["from"].(string)
			to, _ := edge["to"].(string)
			if from == "" || to == "" {
				continue
			}
			forward[from] = append(forward[from], to)
		}
		graphRaw["forward_edges"] = forward
		delete(graphRaw, "edges")
	}

	data["graph"] = graphRaw
	data["_v"] = graphEnvelopeVersion
	return data, nil
}

// MigrateGraphEnvelope brings a raw JSON-encoded GraphEnvelope up to
// graphEnvelopeVersion, if it isn't already there. GraphBuilder calls this
// before unmarshaling a cached graph read back from Redis or the content
// backend, so a rolling deploy that changes the envelope shape doesn't
// require flushing every cached graph.
func MigrateGraphEnvelope(data []byte) ([]byte, error) {
	var versioned struct {
		Version int `json:"_v"`
	}
	if err := json.Unmarshal(data, &versioned); err != nil {
		return nil, fmt.Errorf("migrate graph envelope: %w", err)
	}

	if versioned.Version >= graphEnvelopeVersion {
		return data, nil
	}
	if versioned.Version == 0 {
		versioned.Version = 1
	}

	var dataMap map[string]interface{}
	if err := json.Unmarshal(data, &dataMap); err != nil {
		return nil, fmt.Errorf("migrate graph envelope: %w", err)
	}

	switch versioned.Version {
	case 1:
		migrated, err := migrateGraphEnvelopeV1ToV2(dataMap)
		if err != nil {
			return nil, err
		}
		dataMap = migrated
	default:
		return nil, fmt.Errorf("migrate graph envelope: no migration path from version %d", versioned.Version)
	}

	return json.Marshal(dataMap)
}
