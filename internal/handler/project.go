package handler

import (
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/makeasinger/kiemusic/internal/model"
	"github.com/makeasinger/kiemusic/internal/service"
	"github.com/makeasinger/kiemusic/pkg/response"
)

type ProjectHandler struct {
	service   *service.GenerationService
	validator *validator.Validate
}

func NewProjectHandler(svc *service.GenerationService, v *validator.Validate) *ProjectHandler {
	return &ProjectHandler{
		service:   svc,
		validator: v,
	}
}

// Create handles POST /api/projects
// @Summary      Create a project
// @Tags         Projects
// @Accept       json
// @Produce      json
// @Param        request body model.CreateProjectRequest true "Project request"
// @Success      201 {object} model.Project
// @Failure      400 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/projects [post]
func (h *ProjectHandler) Create(c *fiber.Ctx) error {
	var req model.CreateProjectRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return response.ValidationError(c, "Invalid request body", nil)
		}
	}

	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	result, err := h.service.CreateProject(c.Context(), &req)
	if err != nil {
		return response.ServiceError(c, err.Error())
	}

	return response.Created(c, result)
}

// Get handles GET /api/projects/:id
// @Summary      Get a project
// @Description  Get a project with its generations, newest first
// @Tags         Projects
// @Produce      json
// @Param        id path int true "Project ID"
// @Success      200 {object} model.ProjectResponse
// @Failure      404 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/projects/{id} [get]
func (h *ProjectHandler) Get(c *fiber.Ctx) error {
	id, ok := parseID(c.Params("id"))
	if !ok {
		return response.ValidationError(c, "Invalid project ID", nil)
	}

	result, err := h.service.GetProject(c.Context(), id)
	if err != nil {
		return errorResponse(c, err)
	}

	return response.OK(c, result)
}

// List handles GET /api/projects
// @Summary      List projects
// @Description  List every project, most recently updated first
// @Tags         Projects
// @Produce      json
// @Success      200 {array} model.Project
// @Security     BearerAuth
// @Router       /api/projects [get]
func (h *ProjectHandler) List(c *fiber.Ctx) error {
	result, err := h.service.ListProjects(c.Context())
	if err != nil {
		return response.ServiceError(c, err.Error())
	}

	return response.OK(c, result)
}

// Rename handles PATCH /api/projects/:id
// @Summary      Rename a project
// @Tags         Projects
// @Accept       json
// @Produce      json
// @Param        id path int true "Project ID"
// @Param        request body model.RenameProjectRequest true "New name"
// @Success      200 {object} map[string]bool
// @Failure      400 {object} response.ErrorResponse
// @Failure      404 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/projects/{id} [patch]
func (h *ProjectHandler) Rename(c *fiber.Ctx) error {
	id, ok := parseID(c.Params("id"))
	if !ok {
		return response.ValidationError(c, "Invalid project ID", nil)
	}

	var req model.RenameProjectRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}
	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	if err := h.service.RenameProject(c.Context(), id, &req); err != nil {
		return errorResponse(c, err)
	}

	return response.OK(c, fiber.Map{"success": true})
}

// Delete handles DELETE /api/projects/:id
// @Summary      Delete a project
// @Description  Delete a project and all of its generations
// @Tags         Projects
// @Produce      json
// @Param        id path int true "Project ID"
// @Success      200 {object} map[string]bool
// @Failure      404 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/projects/{id} [delete]
func (h *ProjectHandler) Delete(c *fiber.Ctx) error {
	id, ok := parseID(c.Params("id"))
	if !ok {
		return response.ValidationError(c, "Invalid project ID", nil)
	}

	if err := h.service.DeleteProject(c.Context(), id); err != nil {
		return errorResponse(c, err)
	}

	return response.OK(c, fiber.Map{"success": true})
}
