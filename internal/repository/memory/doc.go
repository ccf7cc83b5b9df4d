// Package memory provides in-process implementations of every repository.
// They back the pipeline when no database is configured and are the
// fixtures for service and worker tests.
package memory
