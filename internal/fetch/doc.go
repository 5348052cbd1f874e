// Package fetch holds the job model, collaborator interfaces and error
// taxonomy used by the registry, the orchestrator, the governors and the HTTP
// edge.
package fetch
