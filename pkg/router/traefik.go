package router

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/obtura/deployd/pkg/log"
)

// Programmer writes per-container rule files into the Traefik dynamic
// configuration directory. The contract is filesystem-only: the router
// process watches the directory and reloads on change. One file per
// container name keeps removal O(1).
type Programmer struct {
	dir    string
	logger zerolog.Logger
}

// NewProgrammer creates a programmer for the watched directory
func NewProgrammer(dir string) *Programmer {
	return &Programmer{dir: dir, logger: log.WithComponent("router")}
}

// Rule describes one container-backed HTTP route
type Rule struct {
	ContainerName string
	FQDN          string
	Host          string
	Port          int
	HealthPath    string
}

// dynamicConfig mirrors the Traefik dynamic file provider schema
type dynamicConfig struct {
	HTTP httpConfig `yaml:"http"`
}

type httpConfig struct {
	Routers  map[string]routerConfig  `yaml:"routers"`
	Services map[string]serviceConfig `yaml:"services"`
}

type routerConfig struct {
	Rule        string   `yaml:"rule"`
	Service     string   `yaml:"service"`
	EntryPoints []string `yaml:"entryPoints"`
}

type serviceConfig struct {
	LoadBalancer loadBalancerConfig `yaml:"loadBalancer"`
}

type loadBalancerConfig struct {
	Servers     []serverConfig     `yaml:"servers"`
	HealthCheck *healthCheckConfig `yaml:"healthCheck,omitempty"`
}

type serverConfig struct {
	URL string `yaml:"url"`
}

type healthCheckConfig struct {
	Path     string `yaml:"path"`
	Interval string `yaml:"interval"`
	Timeout  string `yaml:"timeout"`
}

// Apply writes (or replaces) the rule file for a container. The write is
// atomic (temp file + rename) so the watching router never reads a torn
// file.
func (p *Programmer) Apply(rule Rule) error {
	if rule.ContainerName == "" {
		return fmt.Errorf("container name is required")
	}
	if rule.Host == "" {
		rule.Host = "127.0.0.1"
	}
	if rule.HealthPath == "" {
		rule.HealthPath = "/"
	}

	cfg := dynamicConfig{
		HTTP: httpConfig{
			Routers: map[string]routerConfig{
				rule.ContainerName: {
					Rule:        fmt.Sprintf("Host(`%s`)", rule.FQDN),
					Service:     rule.ContainerName,
					EntryPoints: []string{"web"},
				},
			},
			Services: map[string]serviceConfig{
				rule.ContainerName: {
					LoadBalancer: loadBalancerConfig{
						Servers: []serverConfig{
							{URL: fmt.Sprintf("http://%s:%d", rule.Host, rule.Port)},
						},
						HealthCheck: &healthCheckConfig{
							Path:     rule.HealthPath,
							Interval: "10s",
							Timeout:  "5s",
						},
					},
				},
			},
		},
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal router rule: %w", err)
	}

	target := p.rulePath(rule.ContainerName)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write router rule: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to install router rule: %w", err)
	}

	p.logger.Debug().
		Str("container", rule.ContainerName).
		Str("fqdn", rule.FQDN).
		Int("port", rule.Port).
		Msg("router rule written")
	return nil
}

// Remove deletes the rule file for a container. Absence is not an error.
func (p *Programmer) Remove(containerName string) error {
	err := os.Remove(p.rulePath(containerName))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove router rule: %w", err)
	}
	return nil
}

// RulePath returns the file path a container's rule lives at
func (p *Programmer) RulePath(containerName string) string {
	return p.rulePath(containerName)
}

func (p *Programmer) rulePath(containerName string) string {
	return filepath.Join(p.dir, containerName+".yml")
}
