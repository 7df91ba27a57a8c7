package medication

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// MutateFunc derives commands from the current instances of a tracker. It
// may be called more than once when a backend retries after a conflict, so
// it must not have side effects.
type MutateFunc func(doses []DoseInstance) ([]Command, error)

// Repository persists medicines and dose instances per tracker.
type Repository interface {
	// SaveMedicine creates or fully replaces a medicine definition.
	SaveMedicine(ctx context.Context, med *Medicine) error
	// GetMedicine returns ErrNotFound for unknown ids or ids owned by another tracker.
	GetMedicine(ctx context.Context, trackerID, id string) (*Medicine, error)
	ListMedicines(ctx context.Context, trackerID string) ([]Medicine, error)
	// ListTrackers returns every tracker that owns at least one medicine.
	ListTrackers(ctx context.Context) ([]string, error)

	ListDoses(ctx context.Context, trackerID string, filter DoseFilter) ([]DoseInstance, error)

	// Mutate reads the tracker's instances matching filter, passes them to fn
	// and applies the returned commands as one atomic batch.
	Mutate(ctx context.Context, trackerID string, filter DoseFilter, fn MutateFunc) (Changeset, error)
}

// Recorder receives operational counters. metrics.Metrics implements it.
type Recorder interface {
	DosesMaterialized(n int)
	DosesMissed(n int)
	SweepCompleted(d time.Duration, err error)
	MutationConflict()
	ReportGenerated(risk RiskLevel)
}

// NopRecorder discards everything.
type NopRecorder struct{}

func (NopRecorder) DosesMaterialized(int)               {}
func (NopRecorder) DosesMissed(int)                     {}
func (NopRecorder) SweepCompleted(time.Duration, error) {}
func (NopRecorder) MutationConflict()                   {}
func (NopRecorder) ReportGenerated(RiskLevel)           {}

// AccessHook runs before any service operation that reads or writes the dose
// history of a tracker. The scheduler driver uses it for on-demand sweeps.
type AccessHook interface {
	BeforeAccess(ctx context.Context, trackerID string) error
}

// NewMedicineID returns a fresh medicine id.
func NewMedicineID() string {
	return "med_" + uuid.NewString()
}

func newDoseID() string {
	return "dose_" + uuid.NewString()
}
