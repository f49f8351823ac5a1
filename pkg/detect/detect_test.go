package detect

import (
	"strings"
	"testing"
)

// TestFromBuildMetadata tests architecture blob extraction
func TestFromBuildMetadata(t *testing.T) {
	raw := []byte(`{
		"builder": "nixpacks",
		"architecture": {
			"services": [
				{"name": "api", "type": "http", "port": 3000},
				{"name": "worker", "type": "background"}
			],
			"databases": [
				{"name": "main", "engine": "postgresql", "version": "16"}
			]
		}
	}`)

	deps, err := FromBuildMetadata(raw)
	if err != nil {
		t.Fatalf("FromBuildMetadata() error = %v", err)
	}

	if len(deps.Services) != 2 {
		t.Fatalf("got %d services, want 2", len(deps.Services))
	}
	if deps.Services[0].Name != "api" || deps.Services[0].Port != 3000 {
		t.Errorf("unexpected first service: %+v", deps.Services[0])
	}
	if len(deps.Databases) != 1 || deps.Databases[0].Engine != "postgresql" {
		t.Errorf("unexpected databases: %+v", deps.Databases)
	}
}

// TestFromBuildMetadataMissingArchitecture tests the required blob
func TestFromBuildMetadataMissingArchitecture(t *testing.T) {
	_, err := FromBuildMetadata([]byte(`{"builder": "nixpacks"}`))
	if err == nil {
		t.Fatal("expected error for metadata without architecture")
	}
	if !strings.Contains(err.Error(), "architecture not found") {
		t.Errorf("unexpected error: %v", err)
	}
}

// TestFromBuildMetadataInvalidJSON tests decode failures
func TestFromBuildMetadataInvalidJSON(t *testing.T) {
	if _, err := FromBuildMetadata([]byte(`not json`)); err == nil {
		t.Fatal("expected error for invalid metadata")
	}
	if _, err := FromBuildMetadata([]byte(`{"architecture": 42}`)); err == nil {
		t.Fatal("expected error for malformed architecture blob")
	}
}

// TestEncode tests persistence encoding
func TestEncode(t *testing.T) {
	deps := &ServiceDependencies{
		Services:  []Service{{Name: "api", Type: "http", Port: 8080}},
		Databases: []Database{{Name: "main", Engine: "redis"}},
	}

	out, err := deps.Encode()
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	for _, want := range []string{`"api"`, `"redis"`, `"port":8080`} {
		if !strings.Contains(out, want) {
			t.Errorf("encoded dependencies missing %s: %s", want, out)
		}
	}
}
