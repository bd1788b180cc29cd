package handler

import (
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-grader/internal/service"
	"github.com/noah-isme/gema-grader/internal/utils"
)

// JobHandler exposes queue inspection to operators.
type JobHandler struct {
	service service.JobService
	logger  zerolog.Logger
}

// NewJobHandler constructs the handler.
func NewJobHandler(service service.JobService, logger zerolog.Logger) *JobHandler {
	return &JobHandler{
		service: service,
		logger:  logger.With().Str("component", "job_handler").Logger(),
	}
}

// Register attaches job endpoints to the router group.
func (h *JobHandler) Register(router fiber.Router) {
	router.Get("/stats", h.stats)
	router.Get("/dead", h.dead)
	router.Get("/stuck", h.stuck)
	router.Post("/:jobID/retry", h.retry)
}

func (h *JobHandler) stats(c *fiber.Ctx) error {
	stats, err := h.service.Stats(c.UserContext())
	if err != nil {
		return handleError(c, h.logger, err, "failed to read queue stats")
	}
	return utils.SendSuccess(c, "queue stats retrieved", stats)
}

func (h *JobHandler) dead(c *fiber.Ctx) error {
	limit, err := parseQueryInt(c, "limit")
	if err != nil || limit < 0 {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid limit")
	}

	jobs, err := h.service.ListDead(c.UserContext(), int64(limit))
	if err != nil {
		return handleError(c, h.logger, err, "failed to list dead jobs")
	}
	return utils.SendList(c, "dead jobs retrieved", jobs, len(jobs))
}

func (h *JobHandler) stuck(c *fiber.Ctx) error {
	jobs, err := h.service.ListStuck(c.UserContext())
	if err != nil {
		return handleError(c, h.logger, err, "failed to list stuck jobs")
	}
	return utils.SendList(c, "stuck jobs retrieved", jobs, len(jobs))
}

func (h *JobHandler) retry(c *fiber.Ctx) error {
	jobID := c.Params("jobID")
	if jobID == "" {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid job id")
	}

	job, err := h.service.RetryJob(c.UserContext(), jobID)
	if err != nil {
		return handleError(c, h.logger, err, "failed to retry job")
	}
	requestLogger(h.logger, c).Info().Str("job_id", jobID).Uint("operator_id", userIDFromContext(c)).Msg("job retried")
	return utils.SendSuccessWithStatus(c, fiber.StatusAccepted, "job requeued", job)
}
