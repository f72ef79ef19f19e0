package handler

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/utils"
	"github.com/sifan077/linkedge/internal/app/service"
	"github.com/sifan077/linkedge/internal/app/signature"
	"go.uber.org/zap"
)

// QueueDeps groups dependencies required by the queue push endpoint.
type QueueDeps struct {
	Logger   *zap.Logger
	Verifier *signature.Verifier
	Consumer *service.ClickConsumer
}

// QueueHandler receives signed click deliveries from the queue.
type QueueHandler struct {
	logger   *zap.Logger
	verifier *signature.Verifier
	consumer *service.ClickConsumer
}

// NewQueueHandler creates a queue handler with the provided dependencies.
func NewQueueHandler(deps QueueDeps) *QueueHandler {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &QueueHandler{
		logger:   logger,
		verifier: deps.Verifier,
		consumer: deps.Consumer,
	}
}

// Register wires queue routes onto the provided router.
func (h *QueueHandler) Register(router fiber.Router) {
	router.Post("/queue/process-click", h.ProcessClick)
}

// ProcessClick handles POST /queue/process-click. Nothing is stored unless
// the signature verifies.
func (h *QueueHandler) ProcessClick(c *fiber.Ctx) error {
	token := c.Get(signature.Header)
	if token == "" {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "missing signature",
		})
	}

	body := c.Body()
	messageID := utils.CopyString(c.Get(signature.MessageIDHeader))
	if err := h.verifier.Verify(token, body, messageID); err != nil {
		if errors.Is(err, signature.ErrMissingKey) {
			h.logger.Error("queue signing keys are not configured")
		} else {
			h.logger.Warn("rejected click delivery", zap.Error(err))
		}
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "invalid signature",
		})
	}

	result, err := h.consumer.Process(c.UserContext(), messageID, body)
	switch {
	case errors.Is(err, service.ErrMalformedClick):
		h.logger.Warn("malformed click delivery", zap.String("message_id", messageID), zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid click payload",
		})
	case err != nil:
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "failed to record click",
		})
	}

	if result.Duplicate {
		return c.JSON(fiber.Map{"success": true, "duplicate": true})
	}
	return c.JSON(fiber.Map{"success": true})
}
