package medication

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

// RiskLevel is the adherence risk tier
type RiskLevel string

const (
	RiskLow      RiskLevel = "Low"
	RiskModerate RiskLevel = "Moderate"
	RiskHigh     RiskLevel = "High"
)

// AdherenceReport summarizes recent dose history. It is never persisted.
type AdherenceReport struct {
	RiskLevel     RiskLevel `json:"risk_level"`
	AdherenceRate int       `json:"adherence_rate"`
	OnTimeRate    int       `json:"on_time_rate"`

	TotalScheduled int `json:"total_scheduled"`
	Taken          int `json:"taken"`
	Missed         int `json:"missed"`
	Skipped        int `json:"skipped"`

	ActiveMedicineCount int `json:"active_medicine_count"`
	ExpiringSoonCount   int `json:"expiring_soon_count"`

	Recommendations  []string       `json:"recommendations"`
	Warnings         []string       `json:"warnings"`
	SideEffectCounts map[string]int `json:"side_effect_counts"`

	DaysAnalyzed  int                 `json:"days_analyzed"`
	AnalysisStart string              `json:"analysis_start,omitempty"`
	GeneratedAt   time.Time           `json:"generated_at"`
	Medicines     []MedicineAdherence `json:"medicines,omitempty"`
}

// MedicineAdherence is the per-medicine slice of a report
type MedicineAdherence struct {
	MedicineID     string `json:"medicine_id"`
	Name           string `json:"name"`
	TotalScheduled int    `json:"total_scheduled"`
	Taken          int    `json:"taken"`
	Missed         int    `json:"missed"`
	Skipped        int    `json:"skipped"`
	AdherenceRate  int    `json:"adherence_rate"`
}

const noMedicinesRecommendation = "You have no active medications. Add one to start tracking your doses."

var tierRecommendations = map[RiskLevel][]string{
	RiskHigh: {
		"Set a reminder for every scheduled dose.",
		"Keep your medications somewhere you will see them every day.",
		"Talk to your doctor about whether your regimen can be simplified.",
	},
	RiskModerate: {
		"Use a weekly pill organizer to keep track of doses.",
		"Tie each dose to a daily routine such as a meal or brushing your teeth.",
	},
	RiskLow: {
		"Great job! Keep up your consistent routine.",
	},
}

var tierWarnings = map[RiskLevel][]string{
	RiskHigh: {
		"Your adherence is below 50%. Missing doses can make your treatment less effective.",
	},
	RiskModerate: {
		"You have missed several doses recently.",
	},
}

// RiskFor maps an adherence rate to a tier. Fewer than MinDosesForRisk due
// doses is always Low.
func RiskFor(adherenceRate, totalScheduled int) RiskLevel {
	if totalScheduled < MinDosesForRisk {
		return RiskLow
	}
	switch {
	case adherenceRate < 50:
		return RiskHigh
	case adherenceRate < 80:
		return RiskModerate
	default:
		return RiskLow
	}
}

// IsOnTime reports whether a taken dose was recorded within OnTimeTolerance
// of its scheduled moment.
func IsOnTime(d DoseInstance, loc *time.Location) bool {
	if d.Status != StatusTaken || d.TakenAt == nil {
		return false
	}
	at, err := Combine(d.ScheduledDate, d.ScheduledTime, loc)
	if err != nil {
		return false
	}
	diff := d.TakenAt.Sub(at)
	if diff < 0 {
		diff = -diff
	}
	return diff <= OnTimeTolerance
}

// Analyze derives an adherence report from medicines and their instances as
// of now. Dates are interpreted in now's location.
func Analyze(medicines []Medicine, doses []DoseInstance, now time.Time) AdherenceReport {
	loc := now.Location()
	today := DateOf(now)

	var active []Medicine
	for _, m := range medicines {
		if m.IsActive {
			active = append(active, m)
		}
	}

	if len(active) == 0 {
		return AdherenceReport{
			RiskLevel:        RiskLow,
			AdherenceRate:    100,
			OnTimeRate:       100,
			Recommendations:  []string{noMedicinesRecommendation},
			Warnings:         []string{},
			SideEffectCounts: map[string]int{},
			DaysAnalyzed:     1,
			GeneratedAt:      now,
		}
	}

	earliest := active[0].StartDate
	for _, m := range active[1:] {
		if m.StartDate < earliest {
			earliest = m.StartDate
		}
	}
	analysisStart := maxDate(earliest, AddDays(today, -AnalysisWindowDays))

	report := AdherenceReport{
		ActiveMedicineCount: len(active),
		SideEffectCounts:    map[string]int{},
		Recommendations:     []string{},
		Warnings:            []string{},
		AnalysisStart:       analysisStart,
		GeneratedAt:         now,
	}

	byID := make(map[string]Medicine, len(medicines))
	for _, m := range medicines {
		byID[m.ID] = m
	}
	perMedicine := make(map[string]*MedicineAdherence)

	onTime := 0
	for _, d := range doses {
		if d.ScheduledDate < analysisStart {
			continue
		}
		for _, effect := range d.SideEffectsExperienced {
			if effect = strings.TrimSpace(effect); effect != "" {
				report.SideEffectCounts[effect]++
			}
		}

		if !isDueOrResolved(d, now, today, loc) {
			continue
		}
		// A due instance the current definition no longer schedules was
		// dropped by an edit, not missed.
		if m, ok := byID[d.MedicineID]; ok && d.Status == StatusDue && !m.Schedules(d.ScheduledDate, d.ScheduledTime) {
			continue
		}

		pm := perMedicine[d.MedicineID]
		if pm == nil {
			pm = &MedicineAdherence{MedicineID: d.MedicineID, Name: byID[d.MedicineID].Name}
			perMedicine[d.MedicineID] = pm
		}
		report.TotalScheduled++
		pm.TotalScheduled++

		switch d.Status {
		case StatusTaken:
			report.Taken++
			pm.Taken++
			if IsOnTime(d, loc) {
				onTime++
			}
		case StatusMissed:
			report.Missed++
			pm.Missed++
		case StatusSkipped:
			report.Skipped++
			pm.Skipped++
		}
	}

	report.AdherenceRate = percent(report.Taken, report.TotalScheduled)
	report.OnTimeRate = percent(onTime, report.Taken)
	report.RiskLevel = RiskFor(report.AdherenceRate, report.TotalScheduled)

	report.DaysAnalyzed = DaysBetween(analysisStart, today)
	if report.DaysAnalyzed < 1 {
		report.DaysAnalyzed = 1
	}

	for _, pm := range perMedicine {
		pm.AdherenceRate = percent(pm.Taken, pm.TotalScheduled)
		report.Medicines = append(report.Medicines, *pm)
	}
	sort.Slice(report.Medicines, func(i, j int) bool {
		if report.Medicines[i].Name != report.Medicines[j].Name {
			return report.Medicines[i].Name < report.Medicines[j].Name
		}
		return report.Medicines[i].MedicineID < report.Medicines[j].MedicineID
	})

	var expiring []string
	for _, m := range active {
		if m.EndDate < today {
			continue
		}
		if DaysBetween(today, m.EndDate) <= ExpiringSoonDays {
			expiring = append(expiring, m.Name)
		}
	}
	sort.Strings(expiring)
	report.ExpiringSoonCount = len(expiring)

	report.Recommendations = append(report.Recommendations, tierRecommendations[report.RiskLevel]...)
	report.Warnings = append(report.Warnings, tierWarnings[report.RiskLevel]...)

	if len(report.SideEffectCounts) > 0 {
		total := 0
		for _, n := range report.SideEffectCounts {
			total += n
		}
		report.Warnings = append(report.Warnings,
			fmt.Sprintf("You reported side effects %d time(s) in the last %d day(s).", total, report.DaysAnalyzed))
		report.Recommendations = append(report.Recommendations,
			"Discuss the side effects you reported with your doctor.")
	}

	if len(expiring) > 0 {
		report.Warnings = append(report.Warnings,
			fmt.Sprintf("%d medication(s) will run out within %d days: %s.", len(expiring), ExpiringSoonDays, strings.Join(expiring, ", ")))
		report.Recommendations = append(report.Recommendations,
			fmt.Sprintf("Request a refill or follow-up for %s before the course ends.", strings.Join(expiring, ", ")))
	}

	return report
}

// isDueOrResolved reports whether d counts toward the adherence denominator:
// its moment has passed, its date is before today, or it is terminal.
func isDueOrResolved(d DoseInstance, now time.Time, today string, loc *time.Location) bool {
	if d.Status.IsTerminal() {
		return true
	}
	if d.ScheduledDate < today {
		return true
	}
	at, err := Combine(d.ScheduledDate, d.ScheduledTime, loc)
	if err != nil {
		return false
	}
	return !at.After(now)
}

func percent(part, whole int) int {
	if whole == 0 {
		return 100
	}
	return int(math.Round(100 * float64(part) / float64(whole)))
}
