package store

import (
	"encoding/json"
	"time"

	"github.com/gmsas95/myrai-meds/internal/medication"
	"gorm.io/datatypes"
)

// MedicineRecord is the relational row of a medicine
type MedicineRecord struct {
	ID                 string         `gorm:"primaryKey"`
	TrackerID          string         `gorm:"index;not null"`
	Name               string         `gorm:"not null"`
	Type               string
	Purpose            string
	StartDate          string         `gorm:"size:10;not null"`
	EndDate            string         `gorm:"size:10;not null"`
	TotalDurationDays  int
	Schedule           datatypes.JSON `gorm:"type:text"`
	IsActive           bool           `gorm:"index"`
	PrescribedBy       string
	SideEffectsCatalog datatypes.JSON `gorm:"type:text"`
	CreatedAt          time.Time      `gorm:"autoCreateTime:false"`
	UpdatedAt          time.Time      `gorm:"autoUpdateTime:false"`
}

// TableName overrides the table name for MedicineRecord
func (MedicineRecord) TableName() string {
	return "medicines"
}

// DoseRecord is the relational row of a dose instance. The composite unique
// index enforces one instance per (medicine, date, slot).
type DoseRecord struct {
	ID            string         `gorm:"primaryKey"`
	TrackerID     string         `gorm:"index:idx_dose_tracker_status;not null"`
	MedicineID    string         `gorm:"uniqueIndex:idx_dose_slot;not null"`
	ScheduledDate string         `gorm:"uniqueIndex:idx_dose_slot;size:10;not null"`
	ScheduledTime string         `gorm:"uniqueIndex:idx_dose_slot;size:5;not null"`
	Status        string         `gorm:"index:idx_dose_tracker_status;size:16;not null"`
	TakenAt       *time.Time
	ActualDosage  string
	Notes         string         `gorm:"type:text"`
	SideEffects   datatypes.JSON `gorm:"type:text"`
	CreatedAt     time.Time      `gorm:"autoCreateTime:false"`
	UpdatedAt     time.Time      `gorm:"autoUpdateTime:false"`
}

// TableName overrides the table name for DoseRecord
func (DoseRecord) TableName() string {
	return "dose_instances"
}

func medicineToRecord(m *medication.Medicine) MedicineRecord {
	return MedicineRecord{
		ID:                 m.ID,
		TrackerID:          m.TrackerID,
		Name:               m.Name,
		Type:               m.Type,
		Purpose:            m.Purpose,
		StartDate:          m.StartDate,
		EndDate:            m.EndDate,
		TotalDurationDays:  m.TotalDurationDays,
		Schedule:           toJSON(m.Schedule),
		IsActive:           m.IsActive,
		PrescribedBy:       m.PrescribedBy,
		SideEffectsCatalog: toJSON(m.SideEffectsCatalog),
		CreatedAt:          m.CreatedAt,
		UpdatedAt:          m.UpdatedAt,
	}
}

func (r MedicineRecord) toMedicine() (medication.Medicine, error) {
	m := medication.Medicine{
		ID:                r.ID,
		TrackerID:         r.TrackerID,
		Name:              r.Name,
		Type:              r.Type,
		Purpose:           r.Purpose,
		StartDate:         r.StartDate,
		EndDate:           r.EndDate,
		TotalDurationDays: r.TotalDurationDays,
		IsActive:          r.IsActive,
		PrescribedBy:      r.PrescribedBy,
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
	}
	if err := fromJSON(r.Schedule, &m.Schedule); err != nil {
		return m, err
	}
	if err := fromJSON(r.SideEffectsCatalog, &m.SideEffectsCatalog); err != nil {
		return m, err
	}
	return m, nil
}

func doseToRecord(d medication.DoseInstance) DoseRecord {
	return DoseRecord{
		ID:            d.ID,
		TrackerID:     d.TrackerID,
		MedicineID:    d.MedicineID,
		ScheduledDate: d.ScheduledDate,
		ScheduledTime: d.ScheduledTime,
		Status:        string(d.Status),
		TakenAt:       d.TakenAt,
		ActualDosage:  d.ActualDosage,
		Notes:         d.Notes,
		SideEffects:   toJSON(d.SideEffectsExperienced),
		CreatedAt:     d.CreatedAt,
		UpdatedAt:     d.UpdatedAt,
	}
}

func (r DoseRecord) toDose() (medication.DoseInstance, error) {
	d := medication.DoseInstance{
		ID:            r.ID,
		TrackerID:     r.TrackerID,
		MedicineID:    r.MedicineID,
		ScheduledDate: r.ScheduledDate,
		ScheduledTime: r.ScheduledTime,
		Status:        medication.Status(r.Status),
		TakenAt:       r.TakenAt,
		ActualDosage:  r.ActualDosage,
		Notes:         r.Notes,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
	err := fromJSON(r.SideEffects, &d.SideEffectsExperienced)
	return d, err
}

// toJSON encodes slices as JSON columns; empty slices are stored as [].
func toJSON[T any](v []T) datatypes.JSON {
	if len(v) == 0 {
		return datatypes.JSON("[]")
	}
	b, _ := json.Marshal(v)
	return b
}

func fromJSON(data datatypes.JSON, v interface{}) error {
	if len(data) == 0 || string(data) == "null" || string(data) == "[]" {
		return nil
	}
	return json.Unmarshal(data, v)
}
