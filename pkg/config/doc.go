// Package config loads the windlass project file and per-run options.
//
// A project file (windlass.yaml) names the application, the default
// stage, and the state backend; WINDLASS_* environment variables
// override individual fields, and the secret password is accepted from
// the environment only. The package also provides the file watcher
// behind the dev re-run loop.
package config
