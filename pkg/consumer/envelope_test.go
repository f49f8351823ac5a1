package consumer

import (
	"strings"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/obtura/deployd/pkg/types"
)

const validBody = `{
	"buildId": "b1",
	"deploymentId": "d1",
	"projectId": "p1",
	"project": {"id": "p1", "slug": "shop", "name": "Shop"},
	"build": {"id": "b1", "imageTags": ["registry/shop:abc123", "registry/shop:latest"], "branch": "main"},
	"deployment": {
		"id": "d1",
		"environment": "production",
		"strategy": "blue_green",
		"replicaCount": 2,
		"domain": "shop.example.com",
		"subdomain": "shop",
		"config": {"port": 3000, "env": {"NODE_ENV": "production"}}
	}
}`

// TestParseEnvelope tests decoding of a complete job message
func TestParseEnvelope(t *testing.T) {
	job, err := parseEnvelope([]byte(validBody))
	if err != nil {
		t.Fatalf("parseEnvelope() error = %v", err)
	}

	if job.DeploymentID != "d1" || job.ProjectID != "p1" || job.BuildID != "b1" {
		t.Errorf("identifiers = %q/%q/%q", job.DeploymentID, job.ProjectID, job.BuildID)
	}
	if job.ImageTag != "registry/shop:abc123" {
		t.Errorf("ImageTag = %q, want first tag", job.ImageTag)
	}
	if job.Environment != types.EnvProduction {
		t.Errorf("Environment = %q", job.Environment)
	}
	if job.Strategy != types.StrategyBlueGreen {
		t.Errorf("Strategy = %q", job.Strategy)
	}
	if job.ReplicaCount != 2 {
		t.Errorf("ReplicaCount = %d", job.ReplicaCount)
	}
	if job.Domain != "shop.example.com" {
		t.Errorf("Domain = %q", job.Domain)
	}
	if port, ok := job.Config["port"].(float64); !ok || port != 3000 {
		t.Errorf("Config port = %v", job.Config["port"])
	}
}

// TestParseEnvelopeRejects tests the required-field validation
func TestParseEnvelopeRejects(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(s string) string
		wantErr string
	}{
		{
			name:    "not json",
			mutate:  func(s string) string { return "{" },
			wantErr: "decode",
		},
		{
			name:    "missing buildId",
			mutate:  func(s string) string { return strings.Replace(s, `"buildId": "b1"`, `"buildId": ""`, 1) },
			wantErr: "buildId",
		},
		{
			name:    "missing deploymentId",
			mutate:  func(s string) string { return strings.Replace(s, `"deploymentId": "d1"`, `"deploymentId": ""`, 1) },
			wantErr: "deploymentId",
		},
		{
			name:    "missing projectId",
			mutate:  func(s string) string { return strings.Replace(s, `"projectId": "p1"`, `"projectId": ""`, 1) },
			wantErr: "projectId",
		},
		{
			name: "no image tags",
			mutate: func(s string) string {
				return strings.Replace(s, `["registry/shop:abc123", "registry/shop:latest"]`, `[]`, 1)
			},
			wantErr: "image tags",
		},
		{
			name:    "missing environment",
			mutate:  func(s string) string { return strings.Replace(s, `"environment": "production"`, `"environment": ""`, 1) },
			wantErr: "environment",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseEnvelope([]byte(tt.mutate(validBody)))
			if err == nil {
				t.Fatal("parseEnvelope() error = nil, want error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

// TestDeathCount tests dead-letter header parsing
func TestDeathCount(t *testing.T) {
	tests := []struct {
		name    string
		headers amqp.Table
		want    int64
	}{
		{"no headers", nil, 0},
		{"no x-death", amqp.Table{"other": "x"}, 0},
		{"empty list", amqp.Table{"x-death": []any{}}, 0},
		{"wrong entry type", amqp.Table{"x-death": []any{"bogus"}}, 0},
		{"missing count", amqp.Table{"x-death": []any{amqp.Table{"queue": "q"}}}, 0},
		{"counted", amqp.Table{"x-death": []any{amqp.Table{"count": int64(2)}}}, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := deathCount(tt.headers); got != tt.want {
				t.Errorf("deathCount() = %d, want %d", got, tt.want)
			}
		})
	}
}
