package handler

import (
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-grader/internal/dto"
	"github.com/noah-isme/gema-grader/internal/middleware"
	"github.com/noah-isme/gema-grader/internal/service"
	"github.com/noah-isme/gema-grader/internal/utils"
)

// EvaluationHandler exposes evaluation trigger, read, override and finalize endpoints.
type EvaluationHandler struct {
	evaluations    service.EvaluationService
	reconciliation service.ReconciliationService
	logger         zerolog.Logger
}

// NewEvaluationHandler constructs the handler.
func NewEvaluationHandler(evaluations service.EvaluationService, reconciliation service.ReconciliationService, logger zerolog.Logger) *EvaluationHandler {
	return &EvaluationHandler{
		evaluations:    evaluations,
		reconciliation: reconciliation,
		logger:         logger.With().Str("component", "evaluation_handler").Logger(),
	}
}

// EvaluationGuards lists the middleware applied per route class.
type EvaluationGuards struct {
	Read    []fiber.Handler
	Trigger []fiber.Handler
	Review  []fiber.Handler
}

// Register attaches the evaluation endpoints. evaluations is mounted at /evaluations and
// submissions at /submissions.
func (h *EvaluationHandler) Register(evaluations, submissions fiber.Router, guards EvaluationGuards) {
	evaluations.Post("/", guarded(guards.Trigger, h.trigger)...)
	evaluations.Get("/:id", guarded(guards.Read, h.get)...)
	evaluations.Get("/:id/overrides", guarded(guards.Read, h.listOverrides)...)
	evaluations.Post("/:id/overrides", guarded(guards.Review, h.override)...)
	evaluations.Delete("/:id/overrides/:questionID", guarded(guards.Review, h.removeOverride)...)
	evaluations.Post("/:id/finalize", guarded(guards.Review, h.finalize)...)
	evaluations.Post("/:id/retry", guarded(guards.Review, h.retry)...)
	submissions.Get("/:submissionID/evaluation", guarded(guards.Read, h.getBySubmission)...)
}

func guarded(guards []fiber.Handler, handler fiber.Handler) []fiber.Handler {
	chain := make([]fiber.Handler, 0, len(guards)+1)
	chain = append(chain, guards...)
	return append(chain, handler)
}

// trigger handles POST /api/v1/evaluations. Triggering a pending evaluation whose job
// has failed requeues that job and answers 202 again; any other existing evaluation
// answers 409.
func (h *EvaluationHandler) trigger(c *fiber.Ctx) error {
	var payload dto.EvaluationTriggerRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid payload")
	}

	resp, err := h.evaluations.RequestEvaluation(c.UserContext(), payload, actorFromContext(c), middleware.GetCorrelationID(c))
	if err != nil {
		return handleError(c, h.logger, err, "failed to request evaluation")
	}
	return utils.SendSuccessWithStatus(c, fiber.StatusAccepted, "evaluation queued", resp)
}

func (h *EvaluationHandler) get(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	resp, err := h.evaluations.Get(c.UserContext(), id)
	if err != nil {
		return handleError(c, h.logger, err, "failed to load evaluation")
	}
	return utils.SendSuccess(c, "evaluation retrieved", resp)
}

func (h *EvaluationHandler) getBySubmission(c *fiber.Ctx) error {
	submissionID, err := parseUintParam(c, "submissionID")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	resp, err := h.evaluations.GetBySubmission(c.UserContext(), submissionID)
	if err != nil {
		return handleError(c, h.logger, err, "failed to load evaluation")
	}
	return utils.SendSuccess(c, "evaluation retrieved", resp)
}

func (h *EvaluationHandler) override(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	var payload dto.OverrideRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid payload")
	}

	resp, err := h.reconciliation.ReconcileQuestion(c.UserContext(), id, payload, userIDFromContext(c))
	if err != nil {
		return handleError(c, h.logger, err, "failed to apply override")
	}
	return utils.SendSuccess(c, "override applied", resp)
}

func (h *EvaluationHandler) removeOverride(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}
	questionID, err := parseUintParam(c, "questionID")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	resp, err := h.reconciliation.RemoveOverride(c.UserContext(), id, questionID, userIDFromContext(c))
	if err != nil {
		return handleError(c, h.logger, err, "failed to remove override")
	}
	return utils.SendSuccess(c, "override removed", resp)
}

func (h *EvaluationHandler) listOverrides(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	items, err := h.reconciliation.ListOverrides(c.UserContext(), id)
	if err != nil {
		return handleError(c, h.logger, err, "failed to list overrides")
	}
	return utils.SendList(c, "overrides retrieved", items, len(items))
}

func (h *EvaluationHandler) finalize(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	resp, err := h.evaluations.Finalize(c.UserContext(), id, actorFromContext(c))
	if err != nil {
		return handleError(c, h.logger, err, "failed to finalize evaluation")
	}
	return utils.SendSuccess(c, "evaluation finalized", resp)
}

func (h *EvaluationHandler) retry(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	resp, err := h.evaluations.Retry(c.UserContext(), id, actorFromContext(c))
	if err != nil {
		return handleError(c, h.logger, err, "failed to retry evaluation")
	}
	return utils.SendSuccessWithStatus(c, fiber.StatusAccepted, "evaluation requeued", resp)
}
