// Package memory provides in-process implementations of the engine's
// repositories. They back the server when no database is configured and
// serve as fakes in service tests.
package memory
