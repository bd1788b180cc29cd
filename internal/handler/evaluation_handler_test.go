package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-grader/internal/config"
	"github.com/noah-isme/gema-grader/internal/handler"
	"github.com/noah-isme/gema-grader/internal/middleware"
	"github.com/noah-isme/gema-grader/internal/models"
	"github.com/noah-isme/gema-grader/internal/queue"
	"github.com/noah-isme/gema-grader/internal/repository"
	"github.com/noah-isme/gema-grader/internal/router"
	"github.com/noah-isme/gema-grader/internal/service"
)

type apiFixture struct {
	app         *fiber.App
	db          *gorm.DB
	evaluations repository.EvaluationRepository
	queue       *queue.MemoryClient
}

type envelope struct {
	Success bool              `json:"success"`
	Message string            `json:"message"`
	Data    json.RawMessage   `json:"data"`
	Errors  map[string]string `json:"errors"`
}

func setupAPI(t *testing.T) *apiFixture {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&models.Exam{}, &models.Question{}, &models.Submission{}, &models.SubmissionAnswer{},
		&models.Evaluation{}, &models.QuestionResult{}, &models.ManualOverride{},
	))
	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	logger := zerolog.New(io.Discard)
	validate := validator.New(validator.WithRequiredStructEnabled())
	evaluations := repository.NewEvaluationRepository(db)
	overrides := repository.NewOverrideRepository(db)
	submissions := repository.NewSubmissionRepository(db)
	q := queue.NewMemoryClient(queue.Options{})

	reconciliation := service.NewReconciliationService(evaluations, overrides, validate, nil, logger)
	evaluationService := service.NewEvaluationService(service.EvaluationServiceConfig{
		Evaluations:    evaluations,
		Submissions:    submissions,
		Reconciliation: reconciliation,
		Queue:          q,
		Validator:      validate,
		Logger:         logger,
	})
	jobService := service.NewJobService(q, evaluations, time.Minute, logger)

	app := fiber.New()
	middleware.Register(app, middleware.Config{Logger: logger})
	router.Register(app, config.Config{AppName: "Test", TriggerRateMax: 100}, router.Dependencies{
		EvaluationHandler: handler.NewEvaluationHandler(evaluationService, reconciliation, logger),
		JobHandler:        handler.NewJobHandler(jobService, logger),
		HealthChecks: []handler.HealthCheck{
			{Name: "database", Ping: func(ctx context.Context) error { return sqlDB.PingContext(ctx) }},
		},
		JWTMiddleware: func(c *fiber.Ctx) error {
			if id, err := strconv.Atoi(c.Get("X-Test-User")); err == nil {
				c.Locals("user_id", uint(id))
			}
			c.Locals("user_role", c.Get("X-Test-Role"))
			return c.Next()
		},
	})

	return &apiFixture{app: app, db: db, evaluations: evaluations, queue: q}
}

func (f *apiFixture) do(t *testing.T, method, path, role string, body interface{}) (int, envelope) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(encoded)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Test-User", "42")
	req.Header.Set("X-Test-Role", role)

	resp, err := f.app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	var payload envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	return resp.StatusCode, payload
}

func (f *apiFixture) seedGraded(t *testing.T) (models.Evaluation, []models.Question) {
	t.Helper()
	ctx := context.Background()
	exam := models.Exam{Title: "History", Questions: []models.Question{
		{Text: "Why did Rome fall", MaxScore: 5},
		{Text: "Who was Caesar", MaxScore: 5},
	}}
	require.NoError(t, f.db.Create(&exam).Error)
	submission := models.Submission{StudentID: 8, ExamID: exam.ID, Status: models.SubmissionStatusFinalized}
	require.NoError(t, f.db.Create(&submission).Error)

	record := models.Evaluation{SubmissionID: submission.ID, ExamID: exam.ID, StudentID: 8, Status: models.EvaluationStatusPending, JobID: "job-h", JobStatus: models.JobStatusQueued}
	require.NoError(t, f.evaluations.Create(ctx, &record))
	_, err := f.evaluations.SaveBaseline(ctx, record.ID, repository.Baseline{
		Results: []models.QuestionResult{
			{QuestionID: exam.Questions[0].ID, AIScore: 4, FinalScore: 4, MaxScore: 5, Confidence: 0.9},
			{QuestionID: exam.Questions[1].ID, Position: 1, AIScore: 3, FinalScore: 3, MaxScore: 5, Confidence: 0.9},
		},
		AITotalScore: 7, TotalScore: 7, MaxScore: 10, AverageConfidence: 0.9, EvaluatedAt: time.Now().UTC(),
	})
	require.NoError(t, err)
	return record, exam.Questions
}

func TestEvaluationOverrideFlow(t *testing.T) {
	f := setupAPI(t)
	record, questions := f.seedGraded(t)
	base := "/api/v1/evaluations/" + strconv.Itoa(int(record.ID))

	status, body := f.do(t, http.MethodPost, base+"/overrides", "reviewer", map[string]interface{}{
		"question_id":      questions[1].ID,
		"overridden_score": 5,
		"reason":           "Caesar answer is complete",
	})
	require.Equal(t, fiber.StatusOK, status, body.Message)
	var reconciled struct {
		AITotalScore    float64 `json:"ai_total_score"`
		FinalTotalScore float64 `json:"final_total_score"`
		HasOverrides    bool    `json:"has_overrides"`
	}
	require.NoError(t, json.Unmarshal(body.Data, &reconciled))
	require.InDelta(t, 7, reconciled.AITotalScore, 0.001)
	require.InDelta(t, 9, reconciled.FinalTotalScore, 0.001)
	require.True(t, reconciled.HasOverrides)

	status, _ = f.do(t, http.MethodPost, base+"/overrides", "reviewer", map[string]interface{}{
		"question_id":      questions[1].ID,
		"overridden_score": 4,
		"reason":           "Changed my mind again",
	})
	require.Equal(t, fiber.StatusConflict, status)

	status, body = f.do(t, http.MethodGet, base, "teacher", nil)
	require.Equal(t, fiber.StatusOK, status)
	var read struct {
		Status     string  `json:"status"`
		TotalScore float64 `json:"total_score"`
	}
	require.NoError(t, json.Unmarshal(body.Data, &read))
	require.Equal(t, "manually_reviewed", read.Status)
	require.InDelta(t, 9, read.TotalScore, 0.001)

	status, _ = f.do(t, http.MethodDelete, fmt.Sprintf("%s/overrides/%d", base, questions[1].ID), "reviewer", nil)
	require.Equal(t, fiber.StatusOK, status)

	status, _ = f.do(t, http.MethodPost, base+"/finalize", "teacher", nil)
	require.Equal(t, fiber.StatusOK, status)

	status, _ = f.do(t, http.MethodPost, base+"/overrides", "reviewer", map[string]interface{}{
		"question_id":      questions[0].ID,
		"overridden_score": 1,
		"reason":           "Too late for this change",
	})
	require.Equal(t, fiber.StatusConflict, status)
}

func TestEvaluationErrorMapping(t *testing.T) {
	f := setupAPI(t)
	record, questions := f.seedGraded(t)
	base := "/api/v1/evaluations/" + strconv.Itoa(int(record.ID))

	status, body := f.do(t, http.MethodPost, base+"/overrides", "reviewer", map[string]interface{}{
		"question_id":      questions[0].ID,
		"overridden_score": 3,
		"reason":           "short",
	})
	require.Equal(t, fiber.StatusBadRequest, status)
	require.Equal(t, "min", body.Errors["reason"])

	status, _ = f.do(t, http.MethodPost, base+"/overrides", "reviewer", map[string]interface{}{
		"question_id":      questions[0].ID,
		"overridden_score": 8,
		"reason":           "Deserves more than max",
	})
	require.Equal(t, fiber.StatusBadRequest, status)

	status, _ = f.do(t, http.MethodGet, "/api/v1/evaluations/9999", "teacher", nil)
	require.Equal(t, fiber.StatusNotFound, status)

	status, _ = f.do(t, http.MethodGet, "/api/v1/evaluations/abc", "teacher", nil)
	require.Equal(t, fiber.StatusBadRequest, status)

	status, _ = f.do(t, http.MethodGet, base, "student", nil)
	require.Equal(t, fiber.StatusForbidden, status)
}

func TestTriggerAndOperatorRetry(t *testing.T) {
	f := setupAPI(t)
	ctx := context.Background()

	exam := models.Exam{Title: "Art", Questions: []models.Question{{Text: "Describe cubism", MaxScore: 10}}}
	require.NoError(t, f.db.Create(&exam).Error)
	submission := models.Submission{StudentID: 2, ExamID: exam.ID, Status: models.SubmissionStatusFinalized}
	require.NoError(t, f.db.Create(&submission).Error)

	status, body := f.do(t, http.MethodPost, "/api/v1/evaluations", "teacher", map[string]interface{}{"submission_id": submission.ID})
	require.Equal(t, fiber.StatusAccepted, status, body.Message)
	var queued struct {
		EvaluationID uint   `json:"evaluation_id"`
		JobID        string `json:"job_id"`
	}
	require.NoError(t, json.Unmarshal(body.Data, &queued))

	status, _ = f.do(t, http.MethodPost, "/api/v1/evaluations", "teacher", map[string]interface{}{"submission_id": submission.ID})
	require.Equal(t, fiber.StatusConflict, status)

	status, _ = f.do(t, http.MethodPost, "/api/v1/evaluations", "reviewer", map[string]interface{}{"submission_id": submission.ID})
	require.Equal(t, fiber.StatusForbidden, status)

	job, err := f.queue.Reserve(ctx)
	require.NoError(t, err)
	_, err = f.queue.Fail(ctx, job, errors.New("grader crashed"), false)
	require.NoError(t, err)

	status, body = f.do(t, http.MethodGet, "/api/v1/admin/jobs/dead", "operator", nil)
	require.Equal(t, fiber.StatusOK, status)
	var dead []struct {
		ID        string `json:"id"`
		LastError string `json:"last_error"`
	}
	require.NoError(t, json.Unmarshal(body.Data, &dead))
	require.Len(t, dead, 1)
	require.Equal(t, queued.JobID, dead[0].ID)

	status, _ = f.do(t, http.MethodGet, "/api/v1/admin/jobs/stats", "teacher", nil)
	require.Equal(t, fiber.StatusForbidden, status)

	status, _ = f.do(t, http.MethodPost, "/api/v1/admin/jobs/"+queued.JobID+"/retry", "operator", nil)
	require.Equal(t, fiber.StatusAccepted, status)

	status, body = f.do(t, http.MethodGet, "/api/v1/admin/jobs/stats", "admin", nil)
	require.Equal(t, fiber.StatusOK, status)
	var stats struct {
		Ready int64 `json:"ready"`
		Dead  int64 `json:"dead"`
	}
	require.NoError(t, json.Unmarshal(body.Data, &stats))
	require.Equal(t, int64(1), stats.Ready)
	require.Zero(t, stats.Dead)

	status, _ = f.do(t, http.MethodPost, "/api/v1/admin/jobs/unknown/retry", "operator", nil)
	require.Equal(t, fiber.StatusNotFound, status)
}

func TestHealthEndpoint(t *testing.T) {
	f := setupAPI(t)

	status, body := f.do(t, http.MethodGet, "/api/v1/health", "", nil)
	require.Equal(t, fiber.StatusOK, status)
	var health handler.HealthResponse
	require.NoError(t, json.Unmarshal(body.Data, &health))
	require.Equal(t, "ok", health.Status)
	require.Equal(t, "ok", health.Checks["database"])
}
