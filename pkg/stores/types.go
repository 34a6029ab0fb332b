package stores

import (
	"context"
	"database/sql"

	"github.com/cursiveterminal/deployctl/pkg/engine"
)

// DeploymentFilter narrows ListDeployments.
type DeploymentFilter struct {
	// Status keeps only deployments in this status when set.
	Status engine.Status

	// Limit caps the number of rows; zero means 50.
	Limit int

	// Offset skips rows for pagination.
	Offset int
}

// TargetUpdate carries the mutable parts of a target. Nil fields are left alone.
type TargetUpdate struct {
	Hostname *string
	Address  *string
	Auth     *engine.AuthRef
	Tags     []string
	Metadata map[string]interface{}
}

// Store is the persistence boundary of deployctl.
type Store interface {
	engine.Registry
	engine.EventSink

	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error
	HealthCheck(ctx context.Context) error

	// Transactions
	BeginTx(ctx context.Context) (*sql.Tx, error)

	// Targets
	AddTarget(ctx context.Context, target *engine.Target) error
	UpdateTarget(ctx context.Context, id string, update TargetUpdate) (*engine.Target, error)
	ListTargets(ctx context.Context) ([]*engine.Target, error)
	ListTargetsByTags(ctx context.Context, tags []string) ([]*engine.Target, error)
	RemoveTarget(ctx context.Context, id string) error

	// Deployments
	ListDeployments(ctx context.Context, filter DeploymentFilter) ([]*engine.Deployment, error)
	DeleteDeployment(ctx context.Context, id string) error

	// Events
	ListEvents(ctx context.Context, deploymentID string, limit, offset int) ([]*engine.Event, error)
}
