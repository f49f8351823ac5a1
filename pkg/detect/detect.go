package detect

import (
	"encoding/json"
	"fmt"
)

// Service is one detected service dependency of a build
type Service struct {
	Name string `json:"name"`
	Type string `json:"type"`
	Port int    `json:"port,omitempty"`
}

// Database is one detected database dependency of a build
type Database struct {
	Name    string `json:"name"`
	Engine  string `json:"engine"`
	Version string `json:"version,omitempty"`
}

// ServiceDependencies is the architectural metadata attached to a build
type ServiceDependencies struct {
	Services  []Service  `json:"services"`
	Databases []Database `json:"databases"`
}

// FromBuildMetadata extracts the architecture blob from raw build
// metadata. A build without an architecture blob cannot be deployed.
func FromBuildMetadata(raw []byte) (*ServiceDependencies, error) {
	var metadata map[string]json.RawMessage
	if err := json.Unmarshal(raw, &metadata); err != nil {
		return nil, fmt.Errorf("failed to parse build metadata: %w", err)
	}

	arch, ok := metadata["architecture"]
	if !ok {
		return nil, fmt.Errorf("architecture not found in build metadata")
	}

	var deps ServiceDependencies
	if err := json.Unmarshal(arch, &deps); err != nil {
		return nil, fmt.Errorf("failed to parse architecture metadata: %w", err)
	}

	return &deps, nil
}

// Encode serializes the dependencies for persistence on the deployment row
func (d *ServiceDependencies) Encode() (string, error) {
	b, err := json.Marshal(d)
	if err != nil {
		return "", fmt.Errorf("failed to marshal dependencies: %w", err)
	}
	return string(b), nil
}
