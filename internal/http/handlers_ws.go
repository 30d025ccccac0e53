package http

import (
	"net/http"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/google/uuid"
)

// crawlStreamHandler implements the WebSocket-upgrade half of GET
// /v1/crawl/:id. It resolves the crawl id and principal from the fiber
// context (where authMiddleware already ran) and then bridges to the
// net/http handler gorilla/websocket expects via fiber's adaptor, the same
// pattern the teacher uses for mounting standard-library handlers inside
// its fiber app.
func crawlStreamHandler(deps *Server) fiber.Handler {
	return func(c *fiber.Ctx) error {
		crawlID, err := uuid.Parse(c.Params("id"))
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
				Success: false, Code: "INVALID_INPUT", Error: "invalid crawl id",
			})
		}
		principal, _ := c.Locals("principal").(Principal)

		handler := adaptor.HTTPHandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			deps.streamerSession.Serve(w, r, crawlID, principal.TeamID)
		})
		return handler(c)
	}
}
