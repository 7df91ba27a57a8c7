package app

import (
	"github.com/gmsas95/myrai-meds/internal/medication"
	"github.com/gmsas95/myrai-meds/internal/skills"
	"github.com/gmsas95/myrai-meds/internal/skills/meds"
	"go.uber.org/zap"
)

// RegisterSkills registers the assistant skills backed by svc
func RegisterSkills(svc *medication.Service, registry *skills.Registry, logger *zap.Logger) {
	medsSkill := meds.NewMedsSkill(svc, logger)
	if err := registry.Register(medsSkill); err != nil {
		logger.Error("Failed to register meds skill", zap.Error(err))
	}
}
