/*
Package runtime adapts the host Docker engine for the deployment
pipeline.

The adapter exposes the narrow surface the orchestrator needs: ensure
an image and a project network exist, create a container with its
sandbox profile applied, start it, observe its health, and tear it
down. Every container it creates carries the sh.obtura.managed label
so the platform can find its own containers later, plus deployment,
project and group labels for debugging.

Container health is delegated to the engine: each container gets an
HTTP health probe against its configured health path, and Inspect
translates the engine's view (running state, exit code, probe status)
into the platform's HealthStatus values. Containers without a probe
report healthy once running.

Engine failures are classified into a small taxonomy (transient,
not_found, invalid_config, denied) so callers can decide between
retrying, aborting and tolerating. A create rejected with
invalid_config is how a lost host-port race surfaces; the orchestrator
retries it with a fresh port allocation.

The engineAPI interface covers exactly the Docker client methods the
adapter calls. Production wires *client.Client; tests inject a fake.
*/
package runtime
