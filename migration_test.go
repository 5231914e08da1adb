package coordinator

import (
	"encoding/json"
	"testing"
)

func TestMigrateGraphEnvelope_CurrentVersionPassesThrough(t *testing.T) {
	graph := &DependencyGraph{Repo: "r", Branch: "main", HeadSHA: "abc"}
	envelope := GraphEnvelope{Version: graphEnvelopeVersion, Graph: graph}
	data, err := json.Marshal(envelope)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	migrated, err := MigrateGraphEnvelope(data)
	if err != nil {
		t.Fatalf("migrate failed: %v", err)
	}
	if string(migrated) != string(data) {
		t.Error("expected current-version envelope to pass through unchanged")
	}
}

func TestMigrateGraphEnvelope_V1ToV2(t *testing.T) {
	v1 := map[string]interface{}{
		"_v": 1,
		"graph": map[string]interface{}{
			"repo":     "r",
			"branch":   "main",
			"head_sha": "abc",
			"edges": []interface{}{
				map[string]interface{}{"from": "a.go", "to": "b.go"},
				map[string]interface{}{"from": "a.go", "to": "c.go"},
			},
		},
	}
	data, err := json.Marshal(v1)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	migrated, err := MigrateGraphEnvelope(data)
	if err != nil {
		t.Fatalf("migrate failed: %v", err)
	}

	var out map[string]interface{}
	if err := json.Unmarshal(migrated, &out); err != nil {
		t.Fatalf("unmarshal migrated failed: %v", err)
	}

	if int(out["_v"].(float64)) != graphEnvelopeVersion {
		t.Errorf("expected version %d, got %v", graphEnvelopeVersion, out["_v"])
	}

	graph := out["graph"].(map[string]interface{})
	if _, stillPresent := graph["edges"]; stillPresent {
		t.Error("expected legacy edges field to be removed")
	}

	forward := graph["forward_edges"].(map[string]interface{})
	tos := forward["a.go"].([]interface{})
	if len(tos) != 2 {
		t.Errorf("expected 2 forward edges from a.go, got %d", len(tos))
	}
}

func TestMigrateGraphEnvelope_UnknownVersion(t *testing.T) {
	data := []byte(`{"_v": 99, "graph": {}}`)
	if _, err := MigrateGraphEnvelope(data); err == nil {
		t.Error("expected error for unknown envelope version")
	}
}
