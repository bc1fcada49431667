package instance

import (
	"context"

	"github.com/pombredanne/novirt/internal/instancemodel"
)

// Store is the narrow slice of the InstanceStore capability (§6) the
// driver consumes: persisting observed runtime state and reading security
// group membership. Everything else an orchestrator needs (account model,
// scheduling, network allocation) lives above this interface.
type Store interface {
	// SetState persists an observed state transition for instance id.
	// Called on every poll tick, not just at completion, so the
	// orchestrator's view stays current during a long-running operation.
	SetState(ctx context.Context, id int, state instancemodel.State, description string) error

	// SecurityGroups returns the security groups instance id currently
	// belongs to, rules included.
	SecurityGroups(ctx context.Context, id int) ([]instancemodel.SecurityGroup, error)
}
