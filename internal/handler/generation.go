package handler

import (
	"errors"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/makeasinger/kiemusic/internal/model"
	"github.com/makeasinger/kiemusic/internal/service"
	"github.com/makeasinger/kiemusic/internal/store"
	"github.com/makeasinger/kiemusic/pkg/response"
)

type GenerationHandler struct {
	service   *service.GenerationService
	validator *validator.Validate
}

func NewGenerationHandler(svc *service.GenerationService, v *validator.Validate) *GenerationHandler {
	return &GenerationHandler{
		service:   svc,
		validator: v,
	}
}

// Create handles POST /api/generations
// @Summary      Start a generation
// @Description  Record a generation and submit it to the provider in the background
// @Tags         Generations
// @Accept       json
// @Produce      json
// @Param        request body model.CreateGenerationRequest true "Generation request"
// @Success      200 {object} model.Generation
// @Failure      400 {object} response.ErrorResponse
// @Failure      404 {object} response.ErrorResponse
// @Failure      429 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/generations [post]
func (h *GenerationHandler) Create(c *fiber.Ctx) error {
	var req model.CreateGenerationRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}

	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Missing required fields", formatValidationErrors(err))
	}

	result, err := h.service.Submit(c.Context(), &req)
	if err != nil {
		return errorResponse(c, err)
	}

	return response.OK(c, result)
}

// Extend handles POST /api/generations/extend
// @Summary      Extend a track
// @Description  Continue one track of an earlier generation from a given second
// @Tags         Generations
// @Accept       json
// @Produce      json
// @Param        request body model.ExtendGenerationRequest true "Extend request"
// @Success      200 {object} model.Generation
// @Failure      400 {object} response.ErrorResponse
// @Failure      429 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/generations/extend [post]
func (h *GenerationHandler) Extend(c *fiber.Ctx) error {
	var req model.ExtendGenerationRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}

	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	result, err := h.service.Extend(c.Context(), &req)
	if err != nil {
		return errorResponse(c, err)
	}

	return response.OK(c, result)
}

// Get handles GET /api/generations/:id
// @Summary      Get a generation
// @Tags         Generations
// @Produce      json
// @Param        id path int true "Generation ID"
// @Success      200 {object} model.Generation
// @Failure      404 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/generations/{id} [get]
func (h *GenerationHandler) Get(c *fiber.Ctx) error {
	id, ok := parseID(c.Params("id"))
	if !ok {
		return response.ValidationError(c, "Invalid generation ID", nil)
	}

	result, err := h.service.Get(c.Context(), id)
	if err != nil {
		return errorResponse(c, err)
	}

	return response.OK(c, result)
}

// GetByTask handles GET /api/generations/by-task/:taskId
func (h *GenerationHandler) GetByTask(c *fiber.Ctx) error {
	taskID := c.Params("taskId")
	if taskID == "" {
		return response.ValidationError(c, "Task ID is required", nil)
	}

	result, err := h.service.GetByTaskID(c.Context(), taskID)
	if err != nil {
		return errorResponse(c, err)
	}

	return response.OK(c, result)
}

// Song handles GET /api/generations/:id/songs/:audioId
// @Summary      Get one track
// @Description  Get one track of a generation and the generations extending it
// @Tags         Generations
// @Produce      json
// @Param        id      path int    true "Generation ID"
// @Param        audioId path string true "Track audio ID"
// @Success      200 {object} model.SongResponse
// @Failure      404 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/generations/{id}/songs/{audioId} [get]
func (h *GenerationHandler) Song(c *fiber.Ctx) error {
	id, ok := parseID(c.Params("id"))
	if !ok {
		return response.ValidationError(c, "Invalid generation ID", nil)
	}

	result, err := h.service.Song(c.Context(), id, c.Params("audioId"))
	if err != nil {
		return errorResponse(c, err)
	}

	return response.OK(c, result)
}

func parseID(raw string) (int64, bool) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// errorResponse maps service and store errors to the API error body
func errorResponse(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return response.NotFound(c, "Generation not found")
	case errors.Is(err, store.ErrProjectNotFound):
		return response.NotFound(c, "Project not found")
	case errors.Is(err, service.ErrSongNotFound):
		return response.NotFound(c, "Song not found")
	case errors.Is(err, store.ErrInvalidLineage):
		return response.ValidationError(c, "Unknown generation or audio ID", nil)
	case errors.Is(err, service.ErrDispatch):
		return response.JobFailed(c, "Generation could not be queued")
	}
	return response.ServiceError(c, err.Error())
}

func formatValidationErrors(err error) interface{} {
	if validationErrors, ok := err.(validator.ValidationErrors); ok {
		fields := make(map[string]string)
		for _, e := range validationErrors {
			fields[e.Field()] = e.Tag()
		}
		return fields
	}
	return nil
}
