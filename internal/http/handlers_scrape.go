package http

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"raito-core/internal/dispatch"
)

// scrapeHandler implements the v0 POST /scrape contract by delegating the
// full admission/enqueue/await/bill pipeline to dispatch.Executor.
func scrapeHandler(deps *Server) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var req dispatch.Request
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
				Success: false, Code: "INVALID_INPUT", Error: "invalid request body",
			})
		}

		principal, _ := c.Locals("principal").(Principal)
		if deps.state != nil {
			_ = deps.state.AddTeamUsingV0(c.Context(), principal.TeamID)
		}

		resp, err := deps.dispatch.Scrape(c.Context(), principal.TeamID, req, deps.cfg.ResolvedAuthMode())
		if err != nil {
			return writeDispatchError(c, err)
		}
		return c.Status(fiber.StatusOK).JSON(resp)
	}
}

func writeDispatchError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, dispatch.ErrInvalidInput):
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Success: false, Code: "INVALID_INPUT", Error: err.Error()})
	case errors.Is(err, dispatch.ErrBlocklistedURL):
		return c.Status(fiber.StatusForbidden).JSON(ErrorResponse{Success: false, Code: "BLOCKLISTED_URL", Error: dispatch.BlocklistedURLMessage})
	case errors.Is(err, dispatch.ErrInsufficientCredit):
		return c.Status(fiber.StatusPaymentRequired).JSON(ErrorResponse{Success: false, Code: "INSUFFICIENT_CREDITS", Error: err.Error()})
	case errors.Is(err, dispatch.ErrJobTimeout):
		return c.Status(fiber.StatusRequestTimeout).JSON(ErrorResponse{Success: false, Code: "REQUEST_TIMEOUT", Error: "Request timed out"})
	case errors.Is(err, dispatch.ErrLLMExtraction):
		return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{Success: false, Code: "LLM_EXTRACTION_FAILED", Error: err.Error()})
	default:
		return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{Success: false, Code: "INTERNAL_ERROR", Error: err.Error()})
	}
}
