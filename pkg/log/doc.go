// Package log provides structured logging for deployd built on zerolog.
//
// A single global logger is initialized once at startup via Init. Packages
// derive child loggers with WithComponent and attach deployment-scoped fields
// (deployment_id, project_id, container_id) so every line of a deployment's
// pipeline can be correlated.
package log
