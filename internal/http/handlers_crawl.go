package http

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"raito-core/internal/crawl"
	"raito-core/internal/crawlstate"
)

// crawlHandler implements the v1 POST /crawl contract: validate, persist,
// enqueue the kickoff job, and return the opaque crawl id.
func crawlHandler(deps *Server) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var req crawl.Request
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
				Success: false, Code: "INVALID_INPUT", Error: "invalid request body",
			})
		}

		principal, _ := c.Locals("principal").(Principal)
		policy := deps.resolveTeamPolicy(c.Context(), principal.TeamID)

		resp, err := deps.kickoff.Crawl(c.Context(), principal.TeamID, req, policy, deps.requestBaseURL(c))
		if err != nil {
			return writeCrawlError(c, err)
		}
		return c.Status(fiber.StatusOK).JSON(resp)
	}
}

func writeCrawlError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, crawl.ErrInvalidInput):
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Success: false, Code: "INVALID_INPUT", Error: err.Error()})
	case errors.Is(err, crawl.ErrForbiddenFlag):
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Success: false, Code: "FORBIDDEN_FLAG", Error: err.Error()})
	default:
		return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{Success: false, Code: "INTERNAL_ERROR", Error: err.Error()})
	}
}

// crawlStatusOrStreamHandler implements the single documented path for
// GET /v1/crawl/:id: a WebSocket upgrade request (Upgrade: websocket)
// hands off to the Progress Streamer, everything else falls through to a
// plain status poll over the same Crawl State Store.
func crawlStatusOrStreamHandler(deps *Server) fiber.Handler {
	stream := crawlStreamHandler(deps)
	status := crawlStatusHandler(deps)
	return func(c *fiber.Ctx) error {
		if strings.EqualFold(c.Get("Upgrade"), "websocket") {
			return stream(c)
		}
		return status(c)
	}
}

// crawlStatusHandler implements the polling half of GET /v1/crawl/:id, a
// non-WebSocket alternative over the same Crawl State Store the Progress
// Streamer reads.
func crawlStatusHandler(deps *Server) fiber.Handler {
	return func(c *fiber.Ctx) error {
		id, err := uuid.Parse(c.Params("id"))
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Success: false, Code: "INVALID_INPUT", Error: "invalid crawl id"})
		}

		principal, _ := c.Locals("principal").(Principal)
		status, err := deps.kickoff.GetStatus(c.Context(), id, principal.TeamID)
		if err != nil {
			if errors.Is(err, crawlstate.ErrNotFound) {
				return c.Status(fiber.StatusNotFound).JSON(ErrorResponse{Success: false, Code: "NOT_FOUND", Error: "Job not found"})
			}
			if errors.Is(err, crawl.ErrForbiddenTeam) {
				return c.Status(fiber.StatusForbidden).JSON(ErrorResponse{Success: false, Code: "FORBIDDEN", Error: "Job not found"})
			}
			return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{Success: false, Code: "INTERNAL_ERROR", Error: err.Error()})
		}
		return c.Status(fiber.StatusOK).JSON(status)
	}
}
