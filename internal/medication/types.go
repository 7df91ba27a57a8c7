// Package medication implements recurring medication schedules: dose
// materialization, overdue sweeping and adherence analysis.
package medication

import (
	"fmt"
	"sort"
	"strings"
	"time"

	apperrors "github.com/gmsas95/myrai-meds/internal/errors"
)

const (
	DateLayout = "2006-01-02"
	TimeLayout = "15:04"

	// GracePeriod is how long a due dose may still be taken before the
	// sweeper marks it missed.
	GracePeriod = 2 * time.Hour

	// AnalysisWindowDays bounds the adherence analysis to recent history.
	AnalysisWindowDays = 30

	// OnTimeTolerance is the maximum distance between takenAt and the
	// scheduled moment for a dose to count as on time.
	OnTimeTolerance = 60 * time.Minute

	// ExpiringSoonDays flags active medicines ending within this many days.
	ExpiringSoonDays = 3

	// MinDosesForRisk is the smallest sample the risk tier is judged on.
	MinDosesForRisk = 3

	// MaxCourseDays bounds a single course. Creating or extending one
	// materializes every instance in one batch.
	MaxCourseDays = 3 * 366
)

// Status is the lifecycle state of a dose instance
type Status string

const (
	StatusDue     Status = "due"
	StatusTaken   Status = "taken"
	StatusMissed  Status = "missed"
	StatusSkipped Status = "skipped"
)

// IsTerminal reports whether the status can no longer change.
func (s Status) IsTerminal() bool {
	return s == StatusTaken || s == StatusMissed || s == StatusSkipped
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s == StatusDue || s.IsTerminal()
}

// ScheduleSlot is one recurring time-of-day within a medicine's regimen
type ScheduleSlot struct {
	Time         string `json:"time"` // "HH:MM"
	Dosage       string `json:"dosage"`
	Instructions string `json:"instructions,omitempty"`
}

// Medicine is a medication definition owned by one tracker
type Medicine struct {
	ID        string `json:"id"`
	TrackerID string `json:"tracker_id"`

	Name    string `json:"name"`
	Type    string `json:"type,omitempty"` // tablet, capsule, syrup, injection
	Purpose string `json:"purpose,omitempty"`

	// Active date range, inclusive, "YYYY-MM-DD"
	StartDate         string `json:"start_date"`
	EndDate           string `json:"end_date"`
	TotalDurationDays int    `json:"total_duration_days"`

	Schedule []ScheduleSlot `json:"schedule"`
	IsActive bool           `json:"is_active"`

	PrescribedBy       string   `json:"prescribed_by,omitempty"`
	SideEffectsCatalog []string `json:"side_effects_catalog,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks required fields and date order, and fills derived fields.
func (m *Medicine) Validate() error {
	if strings.TrimSpace(m.Name) == "" {
		return apperrors.Errorf(apperrors.ErrInvalidMedicine, "medicine name is required")
	}
	start, err := ParseDate(m.StartDate)
	if err != nil {
		return apperrors.Errorf(apperrors.ErrInvalidMedicine, "invalid start date %q", m.StartDate)
	}
	end, err := ParseDate(m.EndDate)
	if err != nil {
		return apperrors.Errorf(apperrors.ErrInvalidMedicine, "invalid end date %q", m.EndDate)
	}
	if end.Before(start) {
		return apperrors.Errorf(apperrors.ErrInvalidRange, "start date %s is after end date %s", m.StartDate, m.EndDate)
	}
	if days := DaysBetween(m.StartDate, m.EndDate) + 1; days > MaxCourseDays {
		return apperrors.Errorf(apperrors.ErrInvalidRange, "course spans %d days, at most %d allowed", days, MaxCourseDays)
	}
	if m.IsActive && len(m.Schedule) == 0 {
		return apperrors.Errorf(apperrors.ErrInvalidMedicine, "an active medicine needs at least one schedule slot")
	}

	seen := make(map[string]bool, len(m.Schedule))
	for i, slot := range m.Schedule {
		normalized, err := NormalizeTime(slot.Time)
		if err != nil {
			return apperrors.Errorf(apperrors.ErrInvalidMedicine, "schedule slot %d: invalid time %q", i, slot.Time)
		}
		if seen[normalized] {
			return apperrors.Errorf(apperrors.ErrInvalidMedicine, "schedule slot %s listed twice", normalized)
		}
		seen[normalized] = true
		m.Schedule[i].Time = normalized
	}

	m.TotalDurationDays = DaysBetween(m.StartDate, m.EndDate) + 1
	return nil
}

// Schedules reports whether the current definition still has a slot at hhmm
// on date. Edits can drop slots or shorten the course after instances exist.
func (m Medicine) Schedules(date, hhmm string) bool {
	if date < m.StartDate || date > m.EndDate {
		return false
	}
	for _, slot := range m.Schedule {
		if slot.Time == hhmm {
			return true
		}
	}
	return false
}

// DoseInstance is one concrete occurrence of a schedule slot on a date
type DoseInstance struct {
	ID         string `json:"id"`
	TrackerID  string `json:"tracker_id"`
	MedicineID string `json:"medicine_id"`

	ScheduledDate string `json:"scheduled_date"` // "YYYY-MM-DD"
	ScheduledTime string `json:"scheduled_time"` // "HH:MM"

	Status  Status     `json:"status"`
	TakenAt *time.Time `json:"taken_at,omitempty"`

	ActualDosage           string   `json:"actual_dosage,omitempty"`
	Notes                  string   `json:"notes,omitempty"`
	SideEffectsExperienced []string `json:"side_effects_experienced,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DoseKey is the composite identity a dose instance is unique under
type DoseKey struct {
	MedicineID string
	Date       string
	Time       string
}

func (k DoseKey) String() string {
	return k.MedicineID + "/" + k.Date + "/" + k.Time
}

// Key returns the composite key of the instance.
func (d DoseInstance) Key() DoseKey {
	return DoseKey{MedicineID: d.MedicineID, Date: d.ScheduledDate, Time: d.ScheduledTime}
}

// ScheduledAt combines the scheduled date and time in loc.
func (d DoseInstance) ScheduledAt(loc *time.Location) time.Time {
	t, err := Combine(d.ScheduledDate, d.ScheduledTime, loc)
	if err != nil {
		return time.Time{}
	}
	return t
}

// DoseFilter narrows a dose listing. Zero fields match everything.
type DoseFilter struct {
	DoseID     string
	MedicineID string
	Status     Status
	From       string // inclusive "YYYY-MM-DD"
	To         string // inclusive "YYYY-MM-DD"
}

// Matches reports whether d passes the filter.
func (f DoseFilter) Matches(d DoseInstance) bool {
	if f.DoseID != "" && d.ID != f.DoseID {
		return false
	}
	if f.MedicineID != "" && d.MedicineID != f.MedicineID {
		return false
	}
	if f.Status != "" && d.Status != f.Status {
		return false
	}
	if f.From != "" && d.ScheduledDate < f.From {
		return false
	}
	if f.To != "" && d.ScheduledDate > f.To {
		return false
	}
	return true
}

// SortDoses orders instances chronologically, then by medicine.
func SortDoses(doses []DoseInstance) {
	sort.Slice(doses, func(i, j int) bool {
		a, b := doses[i], doses[j]
		if a.ScheduledDate != b.ScheduledDate {
			return a.ScheduledDate < b.ScheduledDate
		}
		if a.ScheduledTime != b.ScheduledTime {
			return a.ScheduledTime < b.ScheduledTime
		}
		return a.MedicineID < b.MedicineID
	})
}

// Date helpers. Calendar dates are plain "YYYY-MM-DD" strings; arithmetic
// happens on UTC midnights so DST never shifts a day.

// ParseDate parses a calendar date to UTC midnight.
func ParseDate(s string) (time.Time, error) {
	return time.Parse(DateLayout, s)
}

// DateOf returns the calendar date of t in its own location.
func DateOf(t time.Time) string {
	return t.Format(DateLayout)
}

// AddDays shifts a calendar date by n days.
func AddDays(date string, n int) string {
	t, err := ParseDate(date)
	if err != nil {
		return date
	}
	return t.AddDate(0, 0, n).Format(DateLayout)
}

// DaysBetween returns to - from in whole calendar days.
func DaysBetween(from, to string) int {
	a, err := ParseDate(from)
	if err != nil {
		return 0
	}
	b, err := ParseDate(to)
	if err != nil {
		return 0
	}
	return int(b.Sub(a).Hours() / 24)
}

// NormalizeTime validates "H:MM"/"HH:MM" and returns "HH:MM".
func NormalizeTime(s string) (string, error) {
	t, err := time.Parse(TimeLayout, strings.TrimSpace(s))
	if err != nil {
		return "", fmt.Errorf("invalid time of day %q: %w", s, err)
	}
	return t.Format(TimeLayout), nil
}

// Combine returns the wall-clock moment of date and "HH:MM" in loc.
func Combine(date, clock string, loc *time.Location) (time.Time, error) {
	d, err := ParseDate(date)
	if err != nil {
		return time.Time{}, err
	}
	c, err := time.Parse(TimeLayout, clock)
	if err != nil {
		return time.Time{}, err
	}
	if loc == nil {
		loc = time.Local
	}
	return time.Date(d.Year(), d.Month(), d.Day(), c.Hour(), c.Minute(), 0, 0, loc), nil
}

func maxDate(a, b string) string {
	if a > b {
		return a
	}
	return b
}

func minDate(a, b string) string {
	if a < b {
		return a
	}
	return b
}

func appendNote(existing, note string) string {
	if existing == "" {
		return note
	}
	return existing + "\n" + note
}
