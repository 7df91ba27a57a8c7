package medication

import (
	"testing"
	"time"

	apperrors "github.com/gmsas95/myrai-meds/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dueDose(id, date, clock string) DoseInstance {
	return DoseInstance{
		ID:            id,
		MedicineID:    "med_1",
		ScheduledDate: date,
		ScheduledTime: clock,
		Status:        StatusDue,
	}
}

func TestPlan_CreateDoseDeduplicates(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	snapshot := []DoseInstance{dueDose("dose_1", "2026-03-01", "08:00")}

	cs, err := Plan(snapshot, []Command{
		CreateDose{Dose: dueDose("dose_2", "2026-03-01", "08:00")},
		CreateDose{Dose: dueDose("dose_3", "2026-03-01", "20:00")},
		CreateDose{Dose: dueDose("dose_4", "2026-03-01", "20:00")},
	}, now)
	require.NoError(t, err)

	require.Len(t, cs.Created, 1)
	assert.Equal(t, "dose_3", cs.Created[0].ID)
	assert.Equal(t, now, cs.Created[0].CreatedAt)
	assert.Empty(t, cs.Updated)
}

func TestPlan_DoesNotModifySnapshot(t *testing.T) {
	now := time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)
	snapshot := []DoseInstance{dueDose("dose_1", "2026-03-01", "08:00")}

	cs, err := Plan(snapshot, []Command{
		TransitionToMissed{InstanceID: "dose_1", At: now, Note: "missed"},
	}, now)
	require.NoError(t, err)

	require.Len(t, cs.Updated, 1)
	assert.Equal(t, StatusMissed, cs.Updated[0].Status)
	assert.Equal(t, StatusDue, snapshot[0].Status)
	assert.Empty(t, snapshot[0].Notes)
}

func TestPlan_MissedIsNoopOnResolvedDose(t *testing.T) {
	now := time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)
	taken := dueDose("dose_1", "2026-03-01", "08:00")
	taken.Status = StatusTaken

	cs, err := Plan([]DoseInstance{taken}, []Command{
		TransitionToMissed{InstanceID: "dose_1", At: now, Note: "missed"},
	}, now)
	require.NoError(t, err)
	assert.True(t, cs.Empty())
}

func TestPlan_TerminalStatesRejectTransitions(t *testing.T) {
	now := time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)
	for _, status := range []Status{StatusTaken, StatusMissed, StatusSkipped} {
		d := dueDose("dose_1", "2026-03-01", "08:00")
		d.Status = status

		_, err := Plan([]DoseInstance{d}, []Command{TransitionToTaken{InstanceID: d.ID, TakenAt: now}}, now)
		assert.Equal(t, "MED_005", apperrors.GetCode(err), status)

		_, err = Plan([]DoseInstance{d}, []Command{TransitionToSkipped{InstanceID: d.ID, At: now}}, now)
		assert.Equal(t, "MED_005", apperrors.GetCode(err), status)
	}
}

func TestPlan_TakenMergesSideEffects(t *testing.T) {
	now := time.Date(2026, 3, 1, 8, 10, 0, 0, time.UTC)
	d := dueDose("dose_1", "2026-03-01", "08:00")
	d.Notes = "with food"

	cs, err := Plan([]DoseInstance{d}, []Command{
		TransitionToTaken{
			InstanceID:   d.ID,
			TakenAt:      now,
			ActualDosage: "250mg",
			Notes:        "felt fine",
			SideEffects:  []string{"nausea", "nausea", ""},
		},
	}, now)
	require.NoError(t, err)
	require.Len(t, cs.Updated, 1)

	got := cs.Updated[0]
	assert.Equal(t, StatusTaken, got.Status)
	require.NotNil(t, got.TakenAt)
	assert.Equal(t, now, *got.TakenAt)
	assert.Equal(t, "250mg", got.ActualDosage)
	assert.Equal(t, "with food\nfelt fine", got.Notes)
	assert.Equal(t, []string{"nausea"}, got.SideEffectsExperienced)
}

func TestPlan_AppendNoteOnTerminalDose(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	d := dueDose("dose_1", "2026-03-01", "08:00")
	d.Status = StatusMissed
	d.Notes = "auto"

	cs, err := Plan([]DoseInstance{d}, []Command{
		AppendNote{InstanceID: d.ID, At: now, Note: "forgot at the office"},
		AppendNote{InstanceID: d.ID, At: now, Note: "will set an alarm"},
	}, now)
	require.NoError(t, err)
	require.Len(t, cs.Updated, 1)
	assert.Equal(t, StatusMissed, cs.Updated[0].Status)
	assert.Equal(t, "auto\nforgot at the office\nwill set an alarm", cs.Updated[0].Notes)
}

func TestPlan_UnknownInstance(t *testing.T) {
	_, err := Plan(nil, []Command{AppendNote{InstanceID: "dose_x", Note: "n"}}, time.Now())
	assert.ErrorIs(t, err, apperrors.ErrDoseNotFound)
}
