package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gmsas95/myrai-meds/internal/config"
	"github.com/gmsas95/myrai-meds/internal/medication"
	"github.com/gmsas95/myrai-meds/internal/metrics"
	"github.com/gmsas95/myrai-meds/internal/scheduler"
	"github.com/gmsas95/myrai-meds/internal/skills"
	"github.com/gmsas95/myrai-meds/internal/skills/meds"
	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	server *Server
	now    *time.Time
	reg    *prometheus.Registry
	svc    *medication.Service
}

func setupTestServer(t *testing.T, mutate func(cfg *config.Config, deps *Deps)) *testEnv {
	now := time.Date(2026, 3, 1, 7, 0, 0, 0, time.UTC)
	env := &testEnv{now: &now, reg: prometheus.NewRegistry()}

	m := metrics.New(env.reg)
	env.svc = medication.NewService(medication.NewMemoryRepository(),
		medication.WithLocation(time.UTC),
		medication.WithClock(func() time.Time { return *env.now }),
		medication.WithRecorder(m),
	)

	registry := skills.NewRegistry()
	registry.SetRecorder(m)
	require.NoError(t, registry.Register(meds.NewMedsSkill(env.svc, nil)))

	driver := scheduler.NewDriver(env.svc, scheduler.NewOnDemandTicker(), scheduler.Options{}, nil, m)
	env.svc.SetAccessHook(driver)
	require.NoError(t, driver.Start(context.Background()))
	t.Cleanup(driver.Stop)

	cfg := &config.Config{}
	cfg.Security.JWTSecret = "test-secret"
	cfg.Security.AllowOrigins = []string{"*"}

	deps := Deps{
		Service:  env.svc,
		Driver:   driver,
		Skills:   registry,
		Metrics:  m,
		Gatherer: env.reg,
		Version:  "test",
	}
	if mutate != nil {
		mutate(cfg, &deps)
	}
	env.server = New(cfg, deps, nil)
	env.server.now = func() time.Time { return *env.now }
	return env
}

func (e *testEnv) do(t *testing.T, method, path, token string, body interface{}) (int, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := e.server.App().Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, data
}

func (e *testEnv) login(t *testing.T, userID string) string {
	t.Helper()
	status, body := e.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{"user_id": userID})
	require.Equal(t, http.StatusOK, status, string(body))
	var resp struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(body, &resp))
	return resp.Token
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(data, &v), string(data))
	return v
}

func TestHealth(t *testing.T) {
	env := setupTestServer(t, nil)
	status, body := env.do(t, http.MethodGet, "/api/health", "", nil)
	assert.Equal(t, http.StatusOK, status)

	resp := decode[map[string]interface{}](t, body)
	assert.Equal(t, "healthy", resp["status"])
	assert.Equal(t, "test", resp["version"])
	sched := resp["scheduler"].(map[string]interface{})
	assert.Equal(t, scheduler.ModeOnDemand, sched["mode"])
	assert.Equal(t, true, sched["running"])
}

func TestHealth_StorageDown(t *testing.T) {
	env := setupTestServer(t, func(cfg *config.Config, deps *Deps) {
		deps.Ping = func(context.Context) error { return errors.New("database is locked") }
	})
	status, body := env.do(t, http.MethodGet, "/api/health", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Contains(t, string(body), "database is locked")
}

func TestAuth(t *testing.T) {
	env := setupTestServer(t, nil)

	status, _ := env.do(t, http.MethodGet, "/api/medicines", "", nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	status, _ = env.do(t, http.MethodGet, "/api/medicines", "garbage", nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	wrongKey := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "user_1"})
	forged, err := wrongKey.SignedString([]byte("other-secret"))
	require.NoError(t, err)
	status, _ = env.do(t, http.MethodGet, "/api/medicines", forged, nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	status, _ = env.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, status)

	token := env.login(t, "user_1")
	status, body := env.do(t, http.MethodGet, "/api/medicines", token, nil)
	assert.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `[]`, string(body))

	parsed, err := jwt.ParseWithClaims(token, &jwt.RegisteredClaims{}, func(*jwt.Token) (interface{}, error) {
		return []byte("test-secret"), nil
	}, jwt.WithTimeFunc(func() time.Time { return *env.now }))
	require.NoError(t, err)
	claims := parsed.Claims.(*jwt.RegisteredClaims)
	assert.Equal(t, "user_1", claims.Subject)
	assert.Equal(t, env.now.Add(7*24*time.Hour).Unix(), claims.ExpiresAt.Unix())
}

func TestAuth_AdminPassword(t *testing.T) {
	env := setupTestServer(t, func(cfg *config.Config, deps *Deps) {
		cfg.Security.AdminPassword = "s3cret"
	})

	status, _ := env.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{"user_id": "u", "password": "nope"})
	assert.Equal(t, http.StatusUnauthorized, status)

	status, _ = env.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{"user_id": "u", "password": "s3cret"})
	assert.Equal(t, http.StatusOK, status)
}

func createMedicine(t *testing.T, env *testEnv, token string, body map[string]interface{}) medication.Medicine {
	t.Helper()
	status, data := env.do(t, http.MethodPost, "/api/medicines", token, body)
	require.Equal(t, http.StatusCreated, status, string(data))
	resp := decode[struct {
		Medicine     medication.Medicine `json:"medicine"`
		DosesCreated int                 `json:"doses_created"`
	}](t, data)
	return resp.Medicine
}

func TestMedicineLifecycle(t *testing.T) {
	env := setupTestServer(t, nil)
	token := env.login(t, "user_1")

	med := createMedicine(t, env, token, map[string]interface{}{
		"name":       "Amoxicillin",
		"start_date": "2026-03-01",
		"end_date":   "2026-03-05",
		"schedule": []map[string]string{
			{"time": "08:00", "dosage": "500mg"},
			{"time": "20:00", "dosage": "500mg"},
		},
	})
	assert.Equal(t, 5, med.TotalDurationDays)
	assert.True(t, med.IsActive)

	status, data := env.do(t, http.MethodGet, "/api/medicines/"+med.ID, token, nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "Amoxicillin", decode[medication.Medicine](t, data).Name)

	status, _ = env.do(t, http.MethodGet, "/api/medicines/"+med.ID, env.login(t, "user_2"), nil)
	assert.Equal(t, http.StatusNotFound, status)

	status, data = env.do(t, http.MethodPut, "/api/medicines/"+med.ID, token, map[string]interface{}{
		"name":       "Amoxicillin",
		"start_date": "2026-03-01",
		"end_date":   "2026-03-07",
		"schedule": []map[string]string{
			{"time": "08:00", "dosage": "500mg"},
			{"time": "20:00", "dosage": "500mg"},
		},
	})
	require.Equal(t, http.StatusOK, status, string(data))
	assert.EqualValues(t, 4, decode[map[string]interface{}](t, data)["doses_created"])

	status, data = env.do(t, http.MethodGet, "/api/doses?medicine_id="+med.ID, token, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, decode[[]medication.DoseInstance](t, data), 14)

	status, data = env.do(t, http.MethodPost, "/api/medicines/"+med.ID+"/reconcile", token, nil)
	require.Equal(t, http.StatusOK, status, string(data))
	assert.EqualValues(t, 0, decode[map[string]interface{}](t, data)["doses_created"])
}

func TestMedicineValidationErrors(t *testing.T) {
	env := setupTestServer(t, nil)
	token := env.login(t, "user_1")

	status, data := env.do(t, http.MethodPost, "/api/medicines", token, map[string]interface{}{
		"name":       "Bad",
		"start_date": "2026-03-05",
		"end_date":   "2026-03-01",
		"schedule":   []map[string]string{{"time": "08:00"}},
	})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "MED_001", decode[map[string]interface{}](t, data)["code"])

	status, _ = env.do(t, http.MethodGet, "/api/doses?from=2026-03-05&to=2026-03-01", token, nil)
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = env.do(t, http.MethodGet, "/api/doses?status=late", token, nil)
	assert.Equal(t, http.StatusBadRequest, status)

	status, data = env.do(t, http.MethodPost, "/api/medicines", token, map[string]interface{}{
		"name":       "Aspirin",
		"start_date": "2026-03-01",
		"end_date":   "2026-03-05",
		"schedule":   []map[string]string{{"time": "08:00", "instructions": strings.Repeat("!", 500)}},
	})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, decode[map[string]interface{}](t, data)["error"], "schedule[0].instructions")
}

func TestDoseTransitions(t *testing.T) {
	env := setupTestServer(t, nil)
	token := env.login(t, "user_1")
	createMedicine(t, env, token, map[string]interface{}{
		"name":       "Metformin",
		"start_date": "2026-03-01",
		"end_date":   "2026-03-01",
		"schedule": []map[string]string{
			{"time": "08:00", "dosage": "500mg"},
			{"time": "20:00", "dosage": "500mg"},
		},
	})

	_, data := env.do(t, http.MethodGet, "/api/doses?from=2026-03-01&to=2026-03-01", token, nil)
	doses := decode[[]medication.DoseInstance](t, data)
	require.Len(t, doses, 2)

	*env.now = time.Date(2026, 3, 1, 8, 30, 0, 0, time.UTC)
	status, data := env.do(t, http.MethodPost, "/api/doses/"+doses[0].ID+"/take", token, map[string]interface{}{
		"side_effects": []string{"nausea"},
		"notes":        "after breakfast",
	})
	require.Equal(t, http.StatusOK, status, string(data))
	taken := decode[medication.DoseInstance](t, data)
	assert.Equal(t, medication.StatusTaken, taken.Status)
	require.NotNil(t, taken.TakenAt)
	assert.True(t, env.now.Equal(*taken.TakenAt))

	status, data = env.do(t, http.MethodPost, "/api/doses/"+doses[0].ID+"/skip", token, nil)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "MED_005", decode[map[string]interface{}](t, data)["code"])

	status, _ = env.do(t, http.MethodPost, "/api/doses/"+doses[1].ID+"/skip", token, map[string]string{"reason": "fasting"})
	assert.Equal(t, http.StatusOK, status)

	status, data = env.do(t, http.MethodPost, "/api/doses/"+doses[0].ID+"/notes", token, map[string]string{"note": "mild nausea passed"})
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, decode[medication.DoseInstance](t, data).Notes, "mild nausea passed")

	status, _ = env.do(t, http.MethodPost, "/api/doses/"+doses[0].ID+"/notes", token, map[string]string{"note": " "})
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = env.do(t, http.MethodPost, "/api/doses/"+doses[0].ID+"/notes", token, map[string]string{"note": "oops\x00"})
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = env.do(t, http.MethodPost, "/api/doses/dose_missing/take", token, nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestAdherenceRunsLazySweep(t *testing.T) {
	env := setupTestServer(t, nil)
	token := env.login(t, "user_1")
	createMedicine(t, env, token, map[string]interface{}{
		"name":       "Lisinopril",
		"start_date": "2026-03-01",
		"end_date":   "2026-03-10",
		"schedule":   []map[string]string{{"time": "09:00", "dosage": "10mg"}},
	})

	*env.now = time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)
	status, data := env.do(t, http.MethodGet, "/api/adherence", token, nil)
	require.Equal(t, http.StatusOK, status, string(data))

	report := decode[medication.AdherenceReport](t, data)
	assert.Equal(t, 4, report.TotalScheduled)
	assert.Equal(t, 4, report.Missed)
	assert.Equal(t, medication.RiskHigh, report.RiskLevel)

	status, data = env.do(t, http.MethodPost, "/api/sweep", token, nil)
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 0, decode[map[string]interface{}](t, data)["missed"])

	n, err := testutil.GatherAndCount(env.reg, "meds_adherence_reports_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestTools(t *testing.T) {
	env := setupTestServer(t, nil)
	token := env.login(t, "user_1")

	status, data := env.do(t, http.MethodGet, "/api/tools", token, nil)
	require.Equal(t, http.StatusOK, status)
	defs := decode[[]map[string]interface{}](t, data)
	assert.Len(t, defs, 4)

	status, data = env.do(t, http.MethodPost, "/api/tools/execute", token, map[string]interface{}{
		"name":      "add_medication",
		"arguments": map[string]interface{}{"name": "Atorvastatin 20mg", "schedule": "at bedtime", "duration_days": 2},
	})
	require.Equal(t, http.StatusOK, status, string(data))
	result := decode[map[string]map[string]interface{}](t, data)["result"]
	assert.EqualValues(t, 2, result["doses_created"])

	status, _ = env.do(t, http.MethodPost, "/api/tools/execute", token, map[string]interface{}{"name": "does_not_exist"})
	assert.Equal(t, http.StatusNotFound, status)

	_, data = env.do(t, http.MethodGet, "/api/medicines", env.login(t, "user_2"), nil)
	assert.JSONEq(t, `[]`, string(data))
}

func TestMetricsEndpoint(t *testing.T) {
	env := setupTestServer(t, nil)
	env.do(t, http.MethodGet, "/api/health", "", nil)

	status, data := env.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, status)
	body := string(data)
	assert.True(t, strings.Contains(body, "meds_http_requests_total"), body)
	assert.Contains(t, body, `route="/api/health"`)
}

func TestStatusFor(t *testing.T) {
	env := setupTestServer(t, nil)
	token := env.login(t, "user_1")

	status, _ := env.do(t, http.MethodGet, "/api/nothing-here", token, nil)
	assert.Equal(t, http.StatusNotFound, status)
}
