package medication

import (
	"time"

	apperrors "github.com/gmsas95/myrai-meds/internal/errors"
)

// Command is a named transition applied to a tracker's dose instances.
// Repositories apply a batch of commands atomically.
type Command interface {
	isCommand()
}

// CreateDose materializes a new "due" instance unless its key exists.
type CreateDose struct {
	Dose DoseInstance
}

// TransitionToMissed moves a due instance to missed. It is a no-op on an
// instance that is no longer due.
type TransitionToMissed struct {
	InstanceID string
	At         time.Time
	Note       string
}

// TransitionToTaken records an explicit intake.
type TransitionToTaken struct {
	InstanceID   string
	TakenAt      time.Time
	ActualDosage string
	Notes        string
	SideEffects  []string
}

// TransitionToSkipped records a deliberate skip.
type TransitionToSkipped struct {
	InstanceID string
	At         time.Time
	Reason     string
}

// AppendNote adds an audit note, allowed in any state.
type AppendNote struct {
	InstanceID string
	At         time.Time
	Note       string
}

func (CreateDose) isCommand()          {}
func (TransitionToMissed) isCommand()  {}
func (TransitionToTaken) isCommand()   {}
func (TransitionToSkipped) isCommand() {}
func (AppendNote) isCommand()          {}

// Changeset is what a batch of commands did to a snapshot.
type Changeset struct {
	Created []DoseInstance
	Updated []DoseInstance
}

// Empty reports whether nothing needs persisting.
func (c Changeset) Empty() bool {
	return len(c.Created) == 0 && len(c.Updated) == 0
}

// Plan applies cmds to a copy of snapshot and returns the resulting
// changes. The snapshot itself is not modified. CreateDose commands whose key
// already exists in the snapshot, or earlier in the batch, are dropped.
func Plan(snapshot []DoseInstance, cmds []Command, now time.Time) (Changeset, error) {
	byID := make(map[string]*DoseInstance, len(snapshot))
	keys := make(map[DoseKey]bool, len(snapshot))
	for i := range snapshot {
		d := snapshot[i]
		d.SideEffectsExperienced = append([]string(nil), d.SideEffectsExperienced...)
		byID[d.ID] = &d
		keys[d.Key()] = true
	}

	var cs Changeset
	touched := make(map[string]bool)
	var order []string

	for _, cmd := range cmds {
		switch c := cmd.(type) {
		case CreateDose:
			key := c.Dose.Key()
			if keys[key] {
				continue
			}
			keys[key] = true
			dose := c.Dose
			dose.Status = StatusDue
			dose.TakenAt = nil
			if dose.CreatedAt.IsZero() {
				dose.CreatedAt = now
			}
			dose.UpdatedAt = dose.CreatedAt
			cs.Created = append(cs.Created, dose)

		case TransitionToMissed:
			d, ok := byID[c.InstanceID]
			if !ok {
				return Changeset{}, apperrors.Errorf(apperrors.ErrDoseNotFound, "dose %s not found", c.InstanceID)
			}
			if d.Status != StatusDue {
				continue
			}
			d.Status = StatusMissed
			d.Notes = appendNote(d.Notes, c.Note)
			d.UpdatedAt = c.At
			if !touched[d.ID] {
				touched[d.ID] = true
				order = append(order, d.ID)
			}

		case TransitionToTaken:
			d, ok := byID[c.InstanceID]
			if !ok {
				return Changeset{}, apperrors.Errorf(apperrors.ErrDoseNotFound, "dose %s not found", c.InstanceID)
			}
			if d.Status.IsTerminal() {
				return Changeset{}, apperrors.Errorf(apperrors.ErrTerminalState, "dose %s is already %s", d.ID, d.Status)
			}
			takenAt := c.TakenAt
			d.Status = StatusTaken
			d.TakenAt = &takenAt
			if c.ActualDosage != "" {
				d.ActualDosage = c.ActualDosage
			}
			if c.Notes != "" {
				d.Notes = appendNote(d.Notes, c.Notes)
			}
			d.SideEffectsExperienced = mergeSet(d.SideEffectsExperienced, c.SideEffects)
			d.UpdatedAt = now
			if !touched[d.ID] {
				touched[d.ID] = true
				order = append(order, d.ID)
			}

		case TransitionToSkipped:
			d, ok := byID[c.InstanceID]
			if !ok {
				return Changeset{}, apperrors.Errorf(apperrors.ErrDoseNotFound, "dose %s not found", c.InstanceID)
			}
			if d.Status.IsTerminal() {
				return Changeset{}, apperrors.Errorf(apperrors.ErrTerminalState, "dose %s is already %s", d.ID, d.Status)
			}
			d.Status = StatusSkipped
			if c.Reason != "" {
				d.Notes = appendNote(d.Notes, c.Reason)
			}
			d.UpdatedAt = c.At
			if !touched[d.ID] {
				touched[d.ID] = true
				order = append(order, d.ID)
			}

		case AppendNote:
			d, ok := byID[c.InstanceID]
			if !ok {
				return Changeset{}, apperrors.Errorf(apperrors.ErrDoseNotFound, "dose %s not found", c.InstanceID)
			}
			d.Notes = appendNote(d.Notes, c.Note)
			d.UpdatedAt = c.At
			if !touched[d.ID] {
				touched[d.ID] = true
				order = append(order, d.ID)
			}
		}
	}

	for _, id := range order {
		cs.Updated = append(cs.Updated, *byID[id])
	}
	return cs, nil
}

func mergeSet(existing, add []string) []string {
	if len(add) == 0 {
		return existing
	}
	seen := make(map[string]bool, len(existing)+len(add))
	out := make([]string, 0, len(existing)+len(add))
	for _, s := range append(append([]string(nil), existing...), add...) {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
