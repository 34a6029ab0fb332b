// Package stores provides the persistence layer of deployctl.
// It includes a SQLite-based store with WAL mode and embedded migrations that
// keeps targets, deployments with their tasks, and the deployment event log,
// plus YAML inventory import and export for targets.
package stores
