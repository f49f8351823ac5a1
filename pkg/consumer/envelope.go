package consumer

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/obtura/deployd/pkg/types"
)

// envelope is the JSON shape published by the build pipeline on the
// deploy exchange.
type envelope struct {
	BuildID      string `json:"buildId"`
	DeploymentID string `json:"deploymentId"`
	ProjectID    string `json:"projectId"`

	Project struct {
		ID   string `json:"id"`
		Slug string `json:"slug"`
		Name string `json:"name"`
	} `json:"project"`

	Build struct {
		ID         string         `json:"id"`
		ImageTags  []string       `json:"imageTags"`
		Branch     string         `json:"branch"`
		CommitHash string         `json:"commitHash"`
		Metadata   map[string]any `json:"metadata"`
	} `json:"build"`

	Deployment struct {
		ID           string         `json:"id"`
		Environment  string         `json:"environment"`
		Strategy     string         `json:"strategy"`
		ReplicaCount int            `json:"replicaCount"`
		Domain       string         `json:"domain"`
		Subdomain    string         `json:"subdomain"`
		Config       map[string]any `json:"config"`
	} `json:"deployment"`
}

// parseEnvelope decodes and validates one delivery body. A job missing
// any required identifier is permanently malformed; it is never worth
// redelivering.
func parseEnvelope(body []byte) (types.Job, error) {
	var e envelope
	if err := json.Unmarshal(body, &e); err != nil {
		return types.Job{}, fmt.Errorf("failed to decode job envelope: %w", err)
	}

	switch {
	case e.BuildID == "":
		return types.Job{}, errors.New("job envelope missing buildId")
	case e.DeploymentID == "":
		return types.Job{}, errors.New("job envelope missing deploymentId")
	case e.ProjectID == "":
		return types.Job{}, errors.New("job envelope missing projectId")
	case len(e.Build.ImageTags) == 0:
		return types.Job{}, errors.New("job envelope carries no image tags")
	case e.Deployment.Environment == "":
		return types.Job{}, errors.New("job envelope missing environment")
	}

	return types.Job{
		ProjectID:    e.ProjectID,
		BuildID:      e.BuildID,
		ImageTag:     e.Build.ImageTags[0],
		DeploymentID: e.DeploymentID,
		Environment:  types.Environment(e.Deployment.Environment),
		Strategy:     types.Strategy(e.Deployment.Strategy),
		ReplicaCount: e.Deployment.ReplicaCount,
		Domain:       e.Deployment.Domain,
		Subdomain:    e.Deployment.Subdomain,
		Config:       e.Deployment.Config,
	}, nil
}
