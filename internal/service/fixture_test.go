package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-grader/internal/events"
	"github.com/noah-isme/gema-grader/internal/models"
	"github.com/noah-isme/gema-grader/internal/queue"
	"github.com/noah-isme/gema-grader/internal/repository"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, event events.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
}

func (p *recordingPublisher) types() []events.Type {
	p.mu.Lock()
	defer p.mu.Unlock()
	types := make([]events.Type, 0, len(p.events))
	for _, event := range p.events {
		types = append(types, event.Type)
	}
	return types
}

type serviceFixture struct {
	db             *gorm.DB
	evaluations    repository.EvaluationRepository
	overrides      repository.OverrideRepository
	submissions    repository.SubmissionRepository
	queue          *queue.MemoryClient
	publisher      *recordingPublisher
	reconciliation ReconciliationService
	service        EvaluationService
	jobs           JobService
	clock          time.Time
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&models.Exam{},
		&models.Question{},
		&models.Submission{},
		&models.SubmissionAnswer{},
		&models.Evaluation{},
		&models.QuestionResult{},
		&models.ManualOverride{},
	))
	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	f := &serviceFixture{
		db:          db,
		evaluations: repository.NewEvaluationRepository(db),
		overrides:   repository.NewOverrideRepository(db),
		submissions: repository.NewSubmissionRepository(db),
		queue:       queue.NewMemoryClient(queue.Options{}),
		publisher:   &recordingPublisher{},
		clock:       time.Date(2024, 6, 3, 9, 0, 0, 0, time.UTC),
	}
	f.queue.SetClock(func() time.Time { return f.clock })

	validate := validator.New(validator.WithRequiredStructEnabled())
	f.reconciliation = NewReconciliationService(f.evaluations, f.overrides, validate, f.publisher, zerolog.Nop())
	f.service = NewEvaluationService(EvaluationServiceConfig{
		Evaluations:    f.evaluations,
		Submissions:    f.submissions,
		Reconciliation: f.reconciliation,
		Queue:          f.queue,
		Publisher:      f.publisher,
		Validator:      validate,
		Logger:         zerolog.Nop(),
	})
	f.service.(*evaluationService).now = func() time.Time { return f.clock }
	f.jobs = NewJobService(f.queue, f.evaluations, 5*time.Minute, zerolog.Nop())
	f.jobs.(*jobService).now = func() time.Time { return f.clock }
	return f
}

// seedSubmission stores a two-question exam and a submission in the given state.
func (f *serviceFixture) seedSubmission(t *testing.T, status models.SubmissionStatus) (models.Submission, []models.Question) {
	t.Helper()
	exam := models.Exam{Title: "Chemistry", Questions: []models.Question{
		{Text: "What is an acid", MaxScore: 5, ModelAnswer: "a proton donor"},
		{Text: "What is a base", MaxScore: 5, ModelAnswer: "a proton acceptor"},
	}}
	require.NoError(t, f.db.Create(&exam).Error)

	submission := models.Submission{StudentID: 21, ExamID: exam.ID, Status: status, Answers: []models.SubmissionAnswer{
		{QuestionID: exam.Questions[0].ID, StudentText: "donates protons"},
		{QuestionID: exam.Questions[1].ID, StudentText: "accepts something"},
	}}
	require.NoError(t, f.db.Create(&submission).Error)
	return submission, exam.Questions
}

// seedGraded stores an evaluation whose AI baseline is 4 + 3 out of 5 + 5.
func (f *serviceFixture) seedGraded(t *testing.T) (models.Evaluation, []models.Question) {
	t.Helper()
	ctx := context.Background()
	submission, questions := f.seedSubmission(t, models.SubmissionStatusFinalized)

	record := models.Evaluation{
		SubmissionID: submission.ID,
		ExamID:       submission.ExamID,
		StudentID:    submission.StudentID,
		Status:       models.EvaluationStatusPending,
		JobID:        fmt.Sprintf("job-%d", submission.ID),
		JobStatus:    models.JobStatusQueued,
	}
	require.NoError(t, f.evaluations.Create(ctx, &record))

	applied, err := f.evaluations.SaveBaseline(ctx, record.ID, repository.Baseline{
		Results: []models.QuestionResult{
			{QuestionID: questions[0].ID, Position: 0, AIScore: 4, FinalScore: 4, MaxScore: 5, AIFeedback: "mostly right", Feedback: "mostly right", Confidence: 0.9, Provider: "openai"},
			{QuestionID: questions[1].ID, Position: 1, AIScore: 3, FinalScore: 3, MaxScore: 5, AIFeedback: "vague", Feedback: "vague", Confidence: 0.7, Provider: "openai"},
		},
		AITotalScore:      7,
		TotalScore:        7,
		MaxScore:          10,
		AverageConfidence: 0.8,
		EvaluatedAt:       f.clock,
	})
	require.NoError(t, err)
	require.True(t, applied)

	stored, err := f.evaluations.GetByID(ctx, record.ID)
	require.NoError(t, err)
	return stored, questions
}

func score(value float64) *float64 {
	return &value
}
