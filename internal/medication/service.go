package medication

import (
	"context"
	"fmt"
	"strings"
	"time"

	apperrors "github.com/gmsas95/myrai-meds/internal/errors"
	"go.uber.org/zap"
)

// Service is the tracker-scoped entry point used by the API, CLI and skills
type Service struct {
	repo         Repository
	materializer *Materializer
	sweeper      *Sweeper
	hook         AccessHook
	logger       *zap.Logger
	recorder     Recorder
	clock        func() time.Time
	loc          *time.Location
}

// Option configures a Service
type Option func(*Service)

// WithClock overrides time.Now.
func WithClock(clock func() time.Time) Option {
	return func(s *Service) { s.clock = clock }
}

// WithLocation sets the zone schedule times are interpreted in.
func WithLocation(loc *time.Location) Option {
	return func(s *Service) { s.loc = loc }
}

func WithLogger(logger *zap.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

func WithRecorder(recorder Recorder) Option {
	return func(s *Service) { s.recorder = recorder }
}

// NewService creates a tracker service over repo
func NewService(repo Repository, opts ...Option) *Service {
	s := &Service{
		repo:     repo,
		logger:   zap.NewNop(),
		recorder: NopRecorder{},
		clock:    time.Now,
		loc:      time.Local,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.materializer = NewMaterializer(repo, s.logger, s.recorder)
	s.sweeper = NewSweeper(repo, s.logger, s.recorder)
	return s
}

// SetAccessHook installs the hook run before dose-history access.
func (s *Service) SetAccessHook(hook AccessHook) {
	s.hook = hook
}

// Now returns the service clock in the schedule location.
func (s *Service) Now() time.Time {
	return s.clock().In(s.loc)
}

// Location returns the zone schedule times are interpreted in.
func (s *Service) Location() *time.Location {
	return s.loc
}

// Materializer exposes the dose materializer.
func (s *Service) Materializer() *Materializer {
	return s.materializer
}

// beforeAccess runs the access hook. Failures are logged, never returned, so
// a broken sweep cannot block reads or writes.
func (s *Service) beforeAccess(ctx context.Context, trackerID string) {
	if s.hook == nil {
		return
	}
	if err := s.hook.BeforeAccess(ctx, trackerID); err != nil {
		s.logger.Warn("On-demand sweep failed, continuing with existing data",
			zap.String("tracker_id", trackerID),
			zap.Error(err),
		)
	}
}

// MedicineInput carries the editable fields of a medicine
type MedicineInput struct {
	Name               string         `json:"name"`
	Type               string         `json:"type"`
	Purpose            string         `json:"purpose"`
	StartDate          string         `json:"start_date"`
	EndDate            string         `json:"end_date"`
	Schedule           []ScheduleSlot `json:"schedule"`
	IsActive           *bool          `json:"is_active,omitempty"`
	PrescribedBy       string         `json:"prescribed_by"`
	SideEffectsCatalog []string       `json:"side_effects_catalog"`
}

func (in MedicineInput) apply(med *Medicine) {
	med.Name = strings.TrimSpace(in.Name)
	med.Type = in.Type
	med.Purpose = in.Purpose
	med.StartDate = in.StartDate
	med.EndDate = in.EndDate
	med.Schedule = append([]ScheduleSlot(nil), in.Schedule...)
	med.IsActive = true
	if in.IsActive != nil {
		med.IsActive = *in.IsActive
	}
	med.PrescribedBy = in.PrescribedBy
	med.SideEffectsCatalog = append([]string(nil), in.SideEffectsCatalog...)
}

// CreateMedicine stores a new medicine and materializes its whole span.
func (s *Service) CreateMedicine(ctx context.Context, trackerID string, in MedicineInput) (*Medicine, []DoseInstance, error) {
	med := &Medicine{TrackerID: trackerID}
	in.apply(med)
	if err := med.Validate(); err != nil {
		return nil, nil, err
	}
	if err := s.repo.SaveMedicine(ctx, med); err != nil {
		return nil, nil, fmt.Errorf("save medicine: %w", err)
	}

	s.logger.Info("Medicine created",
		zap.String("tracker_id", trackerID),
		zap.String("medicine_id", med.ID),
		zap.String("name", med.Name),
	)

	created, err := s.materializer.GenerateForRange(ctx, med, med.StartDate, med.EndDate)
	if err != nil {
		return med, nil, err
	}
	return med, created, nil
}

// UpdateMedicine replaces a medicine definition and materializes any dates
// or slots the new definition adds.
func (s *Service) UpdateMedicine(ctx context.Context, trackerID, id string, in MedicineInput) (*Medicine, []DoseInstance, error) {
	med, err := s.repo.GetMedicine(ctx, trackerID, id)
	if err != nil {
		return nil, nil, err
	}
	in.apply(med)
	if err := med.Validate(); err != nil {
		return nil, nil, err
	}
	if err := s.repo.SaveMedicine(ctx, med); err != nil {
		return nil, nil, fmt.Errorf("save medicine: %w", err)
	}

	s.logger.Info("Medicine updated",
		zap.String("tracker_id", trackerID),
		zap.String("medicine_id", med.ID),
	)

	created, err := s.materializer.GenerateForRange(ctx, med, med.StartDate, med.EndDate)
	if err != nil {
		return med, nil, err
	}
	return med, created, nil
}

func (s *Service) GetMedicine(ctx context.Context, trackerID, id string) (*Medicine, error) {
	return s.repo.GetMedicine(ctx, trackerID, id)
}

func (s *Service) ListMedicines(ctx context.Context, trackerID string) ([]Medicine, error) {
	meds, err := s.repo.ListMedicines(ctx, trackerID)
	if err != nil {
		return nil, storeErr(trackerID, err)
	}
	if meds == nil {
		meds = []Medicine{}
	}
	return meds, nil
}

// Trackers lists every tracker with at least one medicine.
func (s *Service) Trackers(ctx context.Context) ([]string, error) {
	return s.repo.ListTrackers(ctx)
}

// ReconcileMedicine backfills dates up to today that have no instances.
func (s *Service) ReconcileMedicine(ctx context.Context, trackerID, id string) ([]DoseInstance, error) {
	med, err := s.repo.GetMedicine(ctx, trackerID, id)
	if err != nil {
		return nil, err
	}
	s.beforeAccess(ctx, trackerID)
	return s.materializer.Reconcile(ctx, med, DateOf(s.Now()))
}

// ListDoses returns the tracker's instances after an on-demand sweep.
func (s *Service) ListDoses(ctx context.Context, trackerID string, filter DoseFilter) ([]DoseInstance, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, apperrors.Errorf(apperrors.ErrBadRequest, "unknown status %q", filter.Status)
	}
	if filter.From != "" && filter.To != "" && filter.To < filter.From {
		return nil, apperrors.Errorf(apperrors.ErrInvalidRange, "from %s is after to %s", filter.From, filter.To)
	}
	s.beforeAccess(ctx, trackerID)
	doses, err := s.repo.ListDoses(ctx, trackerID, filter)
	if err != nil {
		return nil, storeErr(trackerID, err)
	}
	return nonNil(doses), nil
}

// TakeInput describes an intake
type TakeInput struct {
	TakenAt      *time.Time `json:"taken_at,omitempty"`
	ActualDosage string     `json:"actual_dosage,omitempty"`
	Notes        string     `json:"notes,omitempty"`
	SideEffects  []string   `json:"side_effects,omitempty"`
}

// MarkTaken records that a due dose was taken. Resolved doses are rejected.
func (s *Service) MarkTaken(ctx context.Context, trackerID, doseID string, in TakeInput) (*DoseInstance, error) {
	s.beforeAccess(ctx, trackerID)

	takenAt := s.Now()
	if in.TakenAt != nil {
		takenAt = in.TakenAt.In(s.loc)
	}
	return s.transition(ctx, trackerID, doseID, TransitionToTaken{
		InstanceID:   doseID,
		TakenAt:      takenAt,
		ActualDosage: in.ActualDosage,
		Notes:        in.Notes,
		SideEffects:  in.SideEffects,
	})
}

// MarkSkipped records a deliberate skip of a due dose.
func (s *Service) MarkSkipped(ctx context.Context, trackerID, doseID, reason string) (*DoseInstance, error) {
	s.beforeAccess(ctx, trackerID)
	return s.transition(ctx, trackerID, doseID, TransitionToSkipped{
		InstanceID: doseID,
		At:         s.Now(),
		Reason:     reason,
	})
}

// AddNote appends an audit note to a dose in any state.
func (s *Service) AddNote(ctx context.Context, trackerID, doseID, note string) (*DoseInstance, error) {
	note = strings.TrimSpace(note)
	if note == "" {
		return nil, apperrors.Errorf(apperrors.ErrBadRequest, "note is required")
	}
	s.beforeAccess(ctx, trackerID)
	now := s.Now()
	return s.transition(ctx, trackerID, doseID, AppendNote{
		InstanceID: doseID,
		At:         now,
		Note:       fmt.Sprintf("[%s] %s", now.Format(time.RFC3339), note),
	})
}

func (s *Service) transition(ctx context.Context, trackerID, doseID string, cmd Command) (*DoseInstance, error) {
	cs, err := s.repo.Mutate(ctx, trackerID, DoseFilter{DoseID: doseID}, func(doses []DoseInstance) ([]Command, error) {
		if len(doses) == 0 {
			return nil, apperrors.Errorf(apperrors.ErrDoseNotFound, "dose %s not found", doseID)
		}
		return []Command{cmd}, nil
	})
	if err != nil {
		return nil, err
	}
	if len(cs.Updated) == 0 {
		return nil, apperrors.Errorf(apperrors.ErrDoseNotFound, "dose %s not found", doseID)
	}

	dose := cs.Updated[0]
	s.logger.Info("Dose updated",
		zap.String("tracker_id", trackerID),
		zap.String("dose_id", dose.ID),
		zap.String("status", string(dose.Status)),
	)
	return &dose, nil
}

// Sweep runs the overdue sweep for one tracker at the service clock.
func (s *Service) Sweep(ctx context.Context, trackerID string) (int, error) {
	return s.SweepAt(ctx, trackerID, s.Now())
}

// SweepAt runs the overdue sweep for one tracker as of now.
func (s *Service) SweepAt(ctx context.Context, trackerID string, now time.Time) (int, error) {
	return s.sweeper.Sweep(ctx, trackerID, now.In(s.loc))
}

// Report runs an on-demand sweep, then analyzes whatever history exists.
func (s *Service) Report(ctx context.Context, trackerID string) (*AdherenceReport, error) {
	s.beforeAccess(ctx, trackerID)

	meds, err := s.repo.ListMedicines(ctx, trackerID)
	if err != nil {
		return nil, storeErr(trackerID, err)
	}
	var doses []DoseInstance
	if len(meds) > 0 {
		doses, err = s.repo.ListDoses(ctx, trackerID, DoseFilter{})
		if err != nil {
			return nil, storeErr(trackerID, err)
		}
	}

	report := Analyze(meds, doses, s.Now())
	s.recorder.ReportGenerated(report.RiskLevel)
	return &report, nil
}

// storeErr keeps classified repository errors and wraps anything else.
func storeErr(trackerID string, err error) error {
	if apperrors.IsAppError(err) {
		return err
	}
	return apperrors.Persistence(trackerID, err)
}
