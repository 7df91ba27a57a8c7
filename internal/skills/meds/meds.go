// Package meds exposes the medication tracker as assistant tools.
package meds

import (
	"context"
	"fmt"
	"strings"
	"time"

	apperrors "github.com/gmsas95/myrai-meds/internal/errors"
	"github.com/gmsas95/myrai-meds/internal/medication"
	"github.com/gmsas95/myrai-meds/internal/skills"
	"go.uber.org/zap"
)

// DefaultCourseDays is used when add_medication gets no end date or duration
const DefaultCourseDays = 30

// MedsSkill provides medication scheduling and adherence tools
type MedsSkill struct {
	*skills.BaseSkill
	svc    *medication.Service
	logger *zap.Logger
}

// NewMedsSkill creates the skill over a tracker service
func NewMedsSkill(svc *medication.Service, logger *zap.Logger) *MedsSkill {
	if logger == nil {
		logger = zap.NewNop()
	}
	skill := &MedsSkill{
		BaseSkill: skills.NewBaseSkill("meds", "Medication Schedule & Adherence", "1.0.0"),
		svc:       svc,
		logger:    logger,
	}
	skill.registerTools()
	return skill
}

func (m *MedsSkill) registerTools() {
	tools := []skills.Tool{
		{
			Name:        "add_medication",
			Description: "Add a medication course and schedule its doses. Examples: 'Lisinopril 10mg daily at 8am', 'Metformin 500mg twice daily for 14 days'",
			Parameters: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"name": map[string]interface{}{
						"type":        "string",
						"description": "Medication name, optionally with dosage (e.g., 'Lisinopril 10mg')",
					},
					"schedule": map[string]interface{}{
						"type":        "string",
						"description": "When to take it (e.g., 'daily at 8am', 'twice daily', 'morning and night')",
					},
					"times": map[string]interface{}{
						"type":        "array",
						"items":       map[string]interface{}{"type": "string"},
						"description": "Explicit HH:MM times; overrides schedule",
					},
					"dosage": map[string]interface{}{
						"type":        "string",
						"description": "Dose per intake (e.g., '10mg')",
					},
					"start_date": map[string]interface{}{
						"type":        "string",
						"description": "First day, YYYY-MM-DD (default: today)",
					},
					"end_date": map[string]interface{}{
						"type":        "string",
						"description": "Last day, YYYY-MM-DD",
					},
					"duration_days": map[string]interface{}{
						"type":        "integer",
						"description": "Course length in days when end_date is not given (default: 30)",
					},
					"instructions": map[string]interface{}{
						"type":        "string",
						"description": "Instructions attached to every dose",
					},
					"prescribed_by": map[string]interface{}{
						"type":        "string",
						"description": "Prescribing doctor",
					},
					"side_effects": map[string]interface{}{
						"type":        "array",
						"items":       map[string]interface{}{"type": "string"},
						"description": "Known side effects to watch for",
					},
				},
				"required": []string{"name"},
			},
		},
		{
			Name:        "log_dose",
			Description: "Record that a scheduled dose was taken or skipped",
			Parameters: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"dose_id": map[string]interface{}{
						"type":        "string",
						"description": "ID of the dose instance",
					},
					"status": map[string]interface{}{
						"type":        "string",
						"enum":        []string{"taken", "skipped"},
						"description": "Whether it was taken or skipped",
					},
					"time": map[string]interface{}{
						"type":        "string",
						"description": "When it was taken, HH:MM today or RFC 3339 (default: now)",
					},
					"actual_dosage": map[string]interface{}{
						"type":        "string",
						"description": "Dose actually taken if different",
					},
					"notes": map[string]interface{}{
						"type":        "string",
						"description": "Notes, or the reason for skipping",
					},
					"side_effects": map[string]interface{}{
						"type":        "array",
						"items":       map[string]interface{}{"type": "string"},
						"description": "Side effects experienced",
					},
				},
				"required": []string{"dose_id", "status"},
			},
		},
		{
			Name:        "list_doses",
			Description: "List scheduled doses with their status. Defaults to today's doses.",
			Parameters: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"date": map[string]interface{}{
						"type":        "string",
						"description": "Single day, YYYY-MM-DD (default: today)",
					},
					"from": map[string]interface{}{
						"type":        "string",
						"description": "Range start, YYYY-MM-DD",
					},
					"to": map[string]interface{}{
						"type":        "string",
						"description": "Range end, YYYY-MM-DD",
					},
					"status": map[string]interface{}{
						"type":        "string",
						"enum":        []string{"due", "taken", "missed", "skipped"},
						"description": "Only doses in this state",
					},
					"medicine_id": map[string]interface{}{
						"type":        "string",
						"description": "Only doses of this medication",
					},
				},
			},
		},
		{
			Name:        "get_adherence_report",
			Description: "Summarize adherence over the last 30 days with risk level, warnings and recommendations",
			Parameters: map[string]interface{}{
				"type":       "object",
				"properties": map[string]interface{}{},
			},
		},
	}

	for _, tool := range tools {
		tool.Handler = m.handleTool(tool.Name)
		m.AddTool(tool)
	}
}

func (m *MedsSkill) handleTool(name string) skills.ToolHandler {
	return func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
		userID := skills.UserID(ctx)
		if userID == "" {
			return nil, apperrors.Errorf(apperrors.ErrUnauthorized, "no user in context")
		}

		switch name {
		case "add_medication":
			return m.handleAddMedication(ctx, userID, args)
		case "log_dose":
			return m.handleLogDose(ctx, userID, args)
		case "list_doses":
			return m.handleListDoses(ctx, userID, args)
		case "get_adherence_report":
			return m.handleGetReport(ctx, userID)
		default:
			return nil, fmt.Errorf("unknown tool: %s", name)
		}
	}
}

func getStringArg(args map[string]interface{}, key string, defaultVal string) string {
	if v, ok := args[key].(string); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return defaultVal
}

func getIntArg(args map[string]interface{}, key string, defaultVal int) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return defaultVal
}

func getStringSliceArg(args map[string]interface{}, key string) []string {
	raw, ok := args[key].([]interface{})
	if !ok {
		if s, ok := args[key].([]string); ok {
			return s
		}
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}

func (m *MedsSkill) handleAddMedication(ctx context.Context, userID string, args map[string]interface{}) (interface{}, error) {
	name := getStringArg(args, "name", "")
	if name == "" {
		return nil, apperrors.Errorf(apperrors.ErrBadRequest, "medication name is required")
	}

	parsed := ParseMedication(name)
	dosage := getStringArg(args, "dosage", parsed.Dosage)
	times := getStringSliceArg(args, "times")
	if len(times) == 0 {
		times = ParseTimes(name + " " + getStringArg(args, "schedule", ""))
	}

	instructions := getStringArg(args, "instructions", "")
	if instructions == "" && parsed.WithFood {
		instructions = "take with food"
	}

	today := medication.DateOf(m.svc.Now())
	start := getStringArg(args, "start_date", today)
	end := getStringArg(args, "end_date", "")
	if end == "" {
		days := getIntArg(args, "duration_days", DefaultCourseDays)
		if days < 1 {
			return nil, apperrors.Errorf(apperrors.ErrBadRequest, "duration_days must be at least 1")
		}
		if _, err := medication.ParseDate(start); err == nil {
			end = medication.AddDays(start, days-1)
		}
	}

	slots := make([]medication.ScheduleSlot, 0, len(times))
	for _, t := range times {
		slots = append(slots, medication.ScheduleSlot{Time: t, Dosage: dosage, Instructions: instructions})
	}

	med, created, err := m.svc.CreateMedicine(ctx, userID, medication.MedicineInput{
		Name:               parsed.Name,
		StartDate:          start,
		EndDate:            end,
		Schedule:           slots,
		PrescribedBy:       getStringArg(args, "prescribed_by", ""),
		SideEffectsCatalog: getStringSliceArg(args, "side_effects"),
	})
	if err != nil {
		return nil, err
	}

	m.logger.Info("Medication added",
		zap.String("medicine_id", med.ID),
		zap.String("name", med.Name),
		zap.Int("doses", len(created)),
	)

	scheduled := make([]string, 0, len(med.Schedule))
	for _, s := range med.Schedule {
		scheduled = append(scheduled, s.Time)
	}
	return map[string]interface{}{
		"id":            med.ID,
		"name":          med.Name,
		"dosage":        dosage,
		"times":         scheduled,
		"start_date":    med.StartDate,
		"end_date":      med.EndDate,
		"doses_created": len(created),
		"message": fmt.Sprintf("Added %s, %d doses scheduled from %s to %s",
			med.Name, len(created), med.StartDate, med.EndDate),
	}, nil
}

func (m *MedsSkill) handleLogDose(ctx context.Context, userID string, args map[string]interface{}) (interface{}, error) {
	doseID := getStringArg(args, "dose_id", "")
	status := getStringArg(args, "status", "")
	if doseID == "" || status == "" {
		return nil, apperrors.Errorf(apperrors.ErrBadRequest, "dose_id and status are required")
	}
	notes := getStringArg(args, "notes", "")

	var (
		dose *medication.DoseInstance
		err  error
	)
	switch medication.Status(status) {
	case medication.StatusTaken:
		in := medication.TakeInput{
			ActualDosage: getStringArg(args, "actual_dosage", ""),
			Notes:        notes,
			SideEffects:  getStringSliceArg(args, "side_effects"),
		}
		if ts := getStringArg(args, "time", ""); ts != "" {
			takenAt, perr := m.parseTakenAt(ts)
			if perr != nil {
				return nil, perr
			}
			in.TakenAt = &takenAt
		}
		dose, err = m.svc.MarkTaken(ctx, userID, doseID, in)
	case medication.StatusSkipped:
		dose, err = m.svc.MarkSkipped(ctx, userID, doseID, notes)
	default:
		return nil, apperrors.Errorf(apperrors.ErrBadRequest, "status must be taken or skipped, got %q", status)
	}
	if err != nil {
		return nil, err
	}

	result := map[string]interface{}{
		"success":        true,
		"dose_id":        dose.ID,
		"status":         string(dose.Status),
		"scheduled_date": dose.ScheduledDate,
		"scheduled_time": dose.ScheduledTime,
		"message":        fmt.Sprintf("Logged %s %s dose as %s", dose.ScheduledDate, dose.ScheduledTime, dose.Status),
	}
	if dose.TakenAt != nil {
		result["taken_at"] = dose.TakenAt.Format(time.RFC3339)
	}
	return result, nil
}

func (m *MedsSkill) parseTakenAt(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	clock, err := medication.NormalizeTime(s)
	if err != nil {
		return time.Time{}, apperrors.Errorf(apperrors.ErrBadRequest, "invalid time %q", s)
	}
	return medication.Combine(medication.DateOf(m.svc.Now()), clock, m.svc.Location())
}

func (m *MedsSkill) handleListDoses(ctx context.Context, userID string, args map[string]interface{}) (interface{}, error) {
	filter := medication.DoseFilter{
		MedicineID: getStringArg(args, "medicine_id", ""),
		Status:     medication.Status(getStringArg(args, "status", "")),
		From:       getStringArg(args, "from", ""),
		To:         getStringArg(args, "to", ""),
	}
	if filter.From == "" && filter.To == "" {
		day := getStringArg(args, "date", medication.DateOf(m.svc.Now()))
		filter.From, filter.To = day, day
	}

	doses, err := m.svc.ListDoses(ctx, userID, filter)
	if err != nil {
		return nil, err
	}

	names := map[string]string{}
	if meds, err := m.svc.ListMedicines(ctx, userID); err == nil {
		for _, med := range meds {
			names[med.ID] = med.Name
		}
	}

	result := make([]map[string]interface{}, 0, len(doses))
	for _, d := range doses {
		result = append(result, map[string]interface{}{
			"id":          d.ID,
			"medicine_id": d.MedicineID,
			"medicine":    names[d.MedicineID],
			"date":        d.ScheduledDate,
			"time":        d.ScheduledTime,
			"dosage":      d.ActualDosage,
			"status":      string(d.Status),
		})
	}
	return map[string]interface{}{
		"count": len(result),
		"from":  filter.From,
		"to":    filter.To,
		"doses": result,
	}, nil
}

func (m *MedsSkill) handleGetReport(ctx context.Context, userID string) (interface{}, error) {
	report, err := m.svc.Report(ctx, userID)
	if err != nil {
		return nil, err
	}
	return report, nil
}
