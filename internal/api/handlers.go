package api

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"time"

	apperrors "github.com/gmsas95/myrai-meds/internal/errors"
	"github.com/gmsas95/myrai-meds/internal/medication"
	"github.com/gmsas95/myrai-meds/internal/security"
	"github.com/gmsas95/myrai-meds/internal/skills"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

func (s *Server) handleHealth(c *fiber.Ctx) error {
	status := "healthy"
	code := fiber.StatusOK
	storage := "ok"
	if s.deps.Ping != nil {
		if err := s.deps.Ping(c.UserContext()); err != nil {
			status, storage = "degraded", err.Error()
			code = fiber.StatusServiceUnavailable
		}
	}

	body := fiber.Map{
		"status":    status,
		"version":   s.deps.Version,
		"storage":   storage,
		"timestamp": s.now().Unix(),
	}
	if d := s.deps.Driver; d != nil {
		body["scheduler"] = fiber.Map{
			"mode":         d.Mode(),
			"running":      d.IsRunning(),
			"breaker_open": d.BreakerOpen(),
		}
	}
	if m := s.deps.Metrics; m != nil {
		body["uptime_seconds"] = int64(m.Uptime().Seconds())
	}
	return c.Status(code).JSON(body)
}

func (s *Server) handleLogin(c *fiber.Ctx) error {
	var req struct {
		UserID   string `json:"user_id"`
		Password string `json:"password"`
	}
	if err := c.BodyParser(&req); err != nil {
		return apperrors.Errorf(apperrors.ErrBadRequest, "invalid request")
	}
	if req.UserID == "" {
		return apperrors.Errorf(apperrors.ErrBadRequest, "user_id is required")
	}

	// Without an admin password the instance runs in self-hosted mode and
	// accepts any login.
	if want := s.config.Security.AdminPassword; want != "" {
		if subtle.ConstantTimeCompare([]byte(req.Password), []byte(want)) != 1 {
			return apperrors.Errorf(apperrors.ErrUnauthorized, "invalid credentials")
		}
	}

	tokenString, err := s.issueToken(req.UserID)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrInternal.Code, "failed to generate token")
	}
	return c.JSON(fiber.Map{"token": tokenString})
}

func (s *Server) handleListMedicines(c *fiber.Ctx) error {
	meds, err := s.deps.Service.ListMedicines(c.UserContext(), trackerID(c))
	if err != nil {
		return err
	}
	return c.JSON(meds)
}

func (s *Server) handleCreateMedicine(c *fiber.Ctx) error {
	var in medication.MedicineInput
	if err := c.BodyParser(&in); err != nil {
		return apperrors.Errorf(apperrors.ErrBadRequest, "invalid request")
	}

	if err := validateMedicineText(in); err != nil {
		return err
	}

	med, created, err := s.deps.Service.CreateMedicine(c.UserContext(), trackerID(c), in)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"medicine":      med,
		"doses_created": len(created),
	})
}

func (s *Server) handleGetMedicine(c *fiber.Ctx) error {
	med, err := s.deps.Service.GetMedicine(c.UserContext(), trackerID(c), c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(med)
}

func (s *Server) handleUpdateMedicine(c *fiber.Ctx) error {
	var in medication.MedicineInput
	if err := c.BodyParser(&in); err != nil {
		return apperrors.Errorf(apperrors.ErrBadRequest, "invalid request")
	}

	if err := validateMedicineText(in); err != nil {
		return err
	}

	med, created, err := s.deps.Service.UpdateMedicine(c.UserContext(), trackerID(c), c.Params("id"), in)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{
		"medicine":      med,
		"doses_created": len(created),
	})
}

func (s *Server) handleReconcileMedicine(c *fiber.Ctx) error {
	created, err := s.deps.Service.ReconcileMedicine(c.UserContext(), trackerID(c), c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{
		"doses_created": len(created),
		"doses":         created,
	})
}

func (s *Server) handleListDoses(c *fiber.Ctx) error {
	filter := medication.DoseFilter{
		MedicineID: c.Query("medicine_id"),
		Status:     medication.Status(c.Query("status")),
		From:       c.Query("from"),
		To:         c.Query("to"),
	}
	doses, err := s.deps.Service.ListDoses(c.UserContext(), trackerID(c), filter)
	if err != nil {
		return err
	}
	return c.JSON(doses)
}

func (s *Server) handleTakeDose(c *fiber.Ctx) error {
	var in medication.TakeInput
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&in); err != nil {
			return apperrors.Errorf(apperrors.ErrBadRequest, "invalid request")
		}
	}

	fields := map[string]string{
		"actual_dosage": in.ActualDosage,
		"notes":         in.Notes,
	}
	for i, effect := range in.SideEffects {
		fields[fmt.Sprintf("side_effects[%d]", i)] = effect
	}
	if err := security.ValidateFields(fields); err != nil {
		return err
	}

	dose, err := s.deps.Service.MarkTaken(c.UserContext(), trackerID(c), c.Params("id"), in)
	if err != nil {
		return err
	}
	return c.JSON(dose)
}

func (s *Server) handleSkipDose(c *fiber.Ctx) error {
	var req struct {
		Reason string `json:"reason"`
	}
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return apperrors.Errorf(apperrors.ErrBadRequest, "invalid request")
		}
	}

	if err := security.ValidateFields(map[string]string{"reason": req.Reason}); err != nil {
		return err
	}

	dose, err := s.deps.Service.MarkSkipped(c.UserContext(), trackerID(c), c.Params("id"), req.Reason)
	if err != nil {
		return err
	}
	return c.JSON(dose)
}

func (s *Server) handleAddNote(c *fiber.Ctx) error {
	var req struct {
		Note string `json:"note"`
	}
	if err := c.BodyParser(&req); err != nil {
		return apperrors.Errorf(apperrors.ErrBadRequest, "invalid request")
	}

	if err := security.ValidateFields(map[string]string{"note": req.Note}); err != nil {
		return err
	}

	dose, err := s.deps.Service.AddNote(c.UserContext(), trackerID(c), c.Params("id"), req.Note)
	if err != nil {
		return err
	}
	return c.JSON(dose)
}

func (s *Server) handleAdherence(c *fiber.Ctx) error {
	report, err := s.deps.Service.Report(c.UserContext(), trackerID(c))
	if err != nil {
		return err
	}
	return c.JSON(report)
}

func (s *Server) handleSweep(c *fiber.Ctx) error {
	start := time.Now()
	n, err := s.deps.Service.Sweep(c.UserContext(), trackerID(c))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{
		"missed":      n,
		"duration_ms": time.Since(start).Milliseconds(),
	})
}

func (s *Server) handleListTools(c *fiber.Ctx) error {
	return c.JSON(s.deps.Skills.GetToolDefinitions())
}

func (s *Server) handleExecuteTool(c *fiber.Ctx) error {
	var req struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := c.BodyParser(&req); err != nil || req.Name == "" {
		return apperrors.Errorf(apperrors.ErrBadRequest, "invalid request")
	}

	ctx := skills.WithUserID(c.UserContext(), trackerID(c))
	result, err := s.deps.Skills.ExecuteTool(ctx, req.Name, req.Arguments)
	if err != nil {
		s.logger.Debug("Tool execution failed", zap.String("tool", req.Name), zap.Error(err))
		return err
	}
	return c.JSON(fiber.Map{"result": result})
}

func validateMedicineText(in medication.MedicineInput) error {
	fields := map[string]string{
		"name":          in.Name,
		"type":          in.Type,
		"purpose":       in.Purpose,
		"prescribed_by": in.PrescribedBy,
	}
	for i, slot := range in.Schedule {
		fields[fmt.Sprintf("schedule[%d].dosage", i)] = slot.Dosage
		fields[fmt.Sprintf("schedule[%d].instructions", i)] = slot.Instructions
	}
	for i, effect := range in.SideEffectsCatalog {
		fields[fmt.Sprintf("side_effects_catalog[%d]", i)] = effect
	}
	return security.ValidateFields(fields)
}
