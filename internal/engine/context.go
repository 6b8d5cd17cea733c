package engine

import (
	"sync"
	"time"

	"github.com/tmx-org/tmx/internal/guest"
	"github.com/tmx-org/tmx/internal/metadata"
	"github.com/tmx-org/tmx/internal/plan"
	"github.com/tmx-org/tmx/internal/result"
	"github.com/tmx-org/tmx/internal/run"
)

// Options are the per-invocation engine switches.
type Options struct {
	// Force re-executes the named steps and discards downstream state.
	Force []plan.StepName
	// Again re-executes the named steps preserving their workdirs.
	Again []plan.StepName
	// FailedOnly restricts discover to tests whose prior result failed.
	FailedOnly bool
	// ExitFirst skips all remaining tests after the first fail/error.
	ExitFirst bool
	// IgnoreDuration runs every test without a timeout, whatever its
	// duration; duration 0 is accepted only when it is set.
	IgnoreDuration bool
	// RebootTimeout bounds waiting for a guest after reboot.
	RebootTimeout time.Duration
	// Debug is forwarded to tests via TMT_DEBUG.
	Debug bool
	// ArtifactsURL is forwarded via TMT_REPORT_ARTIFACTS_URL when set.
	ArtifactsURL string
	// Names filters plans by regular expression.
	Names []string
}

// ForcesStep reports whether the step is listed in --force.
func (o Options) ForcesStep(step plan.StepName) bool {
	return containsStep(o.Force, step)
}

// AgainStep reports whether the step is listed in --again.
func (o Options) AgainStep(step plan.StepName) bool {
	return containsStep(o.Again, step)
}

func containsStep(steps []plan.StepName, step plan.StepName) bool {
	for _, s := range steps {
		if s == step {
			return true
		}
	}
	return false
}

// SerialCounter hands out run-unique test serial numbers, persisting
// the high-water mark into run.yaml so a resumed run never reuses one.
type SerialCounter struct {
	mu sync.Mutex
	r  *run.Run
}

// NewSerialCounter wraps the run's persisted counter.
func NewSerialCounter(r *run.Run) *SerialCounter {
	return &SerialCounter{r: r}
}

// Next allocates the next serial number.
func (c *SerialCounter) Next() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.r.Info.LastSerial++
	if err := c.r.Save(); err != nil {
		return 0, err
	}
	return c.r.Info.LastSerial, nil
}

// StepContext is the shared state plugins receive for each phase.
type StepContext struct {
	Run     *run.Run
	Plan    *plan.Plan
	Tree    *metadata.Tree
	Options Options

	// PlanDir and StepDir are the workdirs of the current plan/step.
	PlanDir string
	StepDir string

	// Guests are the active guests of the plan (empty before
	// provision completes).
	Guests []guest.Guest

	// Store is the plan's result store.
	Store *result.Store

	// Serials allocates run-unique serial numbers.
	Serials *SerialCounter

	// Abort is the shared abort state of the run.
	Abort *AbortFlag

	// Topology is the current guest layout, written for tests.
	Topology guest.Topology
}

// SelectGuests resolves a phase's where clause against the active
// guests: empty selects all, otherwise guests whose name or role is
// listed. A where naming a role with no active guest selects nothing;
// the engine skips the phase with a warning (documented configuration
// point).
func SelectGuests(where []string, guests []guest.Guest) []guest.Guest {
	if len(where) == 0 {
		return guests
	}
	var selected []guest.Guest
	for _, g := range guests {
		if matchesWhere(where, g.Name(), g.Role()) {
			selected = append(selected, g)
		}
	}
	return selected
}

func matchesWhere(where []string, name, role string) bool {
	for _, w := range where {
		if w == name || (role != "" && w == role) {
			return true
		}
	}
	return false
}
