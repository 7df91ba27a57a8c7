package api

import (
	"errors"
	"strings"
	"time"

	apperrors "github.com/gmsas95/myrai-meds/internal/errors"
	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const localUserID = "user_id"

// tokenTTL is how long a login token stays valid
const tokenTTL = 7 * 24 * time.Hour

func (s *Server) authMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		auth := c.Get("Authorization")
		if auth == "" {
			return apperrors.Errorf(apperrors.ErrUnauthorized, "missing authorization header")
		}

		tokenString := strings.TrimPrefix(auth, "Bearer ")
		claims := &jwt.RegisteredClaims{}
		token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
			return []byte(s.config.Security.JWTSecret), nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))

		if err != nil || !token.Valid || claims.Subject == "" {
			return apperrors.Errorf(apperrors.ErrUnauthorized, "invalid token")
		}

		c.Locals(localUserID, claims.Subject)
		return c.Next()
	}
}

func (s *Server) issueToken(userID string) (string, error) {
	now := s.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(tokenTTL)),
	})
	return token.SignedString([]byte(s.config.Security.JWTSecret))
}

// trackerID is the authenticated user; every tracker operation is scoped to it
func trackerID(c *fiber.Ctx) string {
	id, _ := c.Locals(localUserID).(string)
	return id
}

func (s *Server) metricsMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		status := c.Response().StatusCode()
		if err != nil {
			status = statusFor(err)
		}
		route := c.Route().Path
		if s.deps.Metrics != nil {
			s.deps.Metrics.RecordRequest(c.Method(), route, status, time.Since(start))
		}
		return err
	}
}

// statusFor maps an error to its HTTP status
func statusFor(err error) int {
	var fe *fiber.Error
	if errors.As(err, &fe) {
		return fe.Code
	}

	switch {
	case errors.Is(err, apperrors.ErrBadRequest),
		errors.Is(err, apperrors.ErrInvalidMedicine),
		errors.Is(err, apperrors.ErrInvalidRange):
		return fiber.StatusBadRequest
	case errors.Is(err, apperrors.ErrUnauthorized):
		return fiber.StatusUnauthorized
	case errors.Is(err, apperrors.ErrForbidden):
		return fiber.StatusForbidden
	case errors.Is(err, apperrors.ErrNotFound),
		errors.Is(err, apperrors.ErrDoseNotFound),
		errors.Is(err, apperrors.ErrSkillNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, apperrors.ErrTerminalState),
		errors.Is(err, apperrors.ErrConcurrentModification):
		return fiber.StatusConflict
	default:
		return fiber.StatusInternalServerError
	}
}

func (s *Server) errorHandler(c *fiber.Ctx, err error) error {
	status := statusFor(err)

	var appErr *apperrors.AppError
	var fe *fiber.Error
	body := fiber.Map{"error": err.Error()}
	switch {
	case errors.As(err, &appErr):
		body = fiber.Map{"error": appErr.Message, "code": appErr.Code}
	case errors.As(err, &fe):
		body = fiber.Map{"error": fe.Message}
	}

	if status >= fiber.StatusInternalServerError {
		s.logger.Error("Request failed",
			zap.String("method", c.Method()),
			zap.String("path", c.Path()),
			zap.Error(err),
		)
		if appErr == nil || !errors.Is(err, apperrors.ErrPersistence) {
			body = fiber.Map{"error": "internal error", "code": apperrors.ErrInternal.Code}
		}
	}
	return c.Status(status).JSON(body)
}
