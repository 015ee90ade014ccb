package httpapi

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/glimte/amqpkeeper/internal/codec"
	"github.com/glimte/amqpkeeper/internal/rabbitmq"
	"github.com/glimte/amqpkeeper/messaging"
)

type publishRequest struct {
	Exchange   string            `json:"exchange"`
	RoutingKey string            `json:"routingKey"`
	Message    codec.Payload     `json:"message"`
	Options    messaging.Options `json:"options"`
}

type queueRequest struct {
	QueueName          string `json:"queueName"`
	Exchange           string `json:"exchange"`
	RoutingKey         string `json:"routingKey"`
	DeadLetterExchange string `json:"deadLetterExchange"`
}

type eventRequest struct {
	Type    string            `json:"type"`
	Data    any               `json:"data"`
	Options messaging.Options `json:"options"`
}

type commandRequest struct {
	Command string            `json:"command"`
	Data    any               `json:"data"`
	Options messaging.Options `json:"options"`
}

type notificationRequest struct {
	UserID       any               `json:"userId"`
	Notification any               `json:"notification"`
	Options      messaging.Options `json:"options"`
}

type batchRequest struct {
	Messages []messaging.BatchMessage `json:"messages"`
}

type testMessageRequest struct {
	Message any `json:"message"`
}

// publishResponse flattens the publish result next to the success flag.
type publishResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	messaging.Result
}

func badRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": message})
}

// failure answers 400 for messages the publisher refused to build, 409 for
// declarations the broker or ledger rejected, and 500 otherwise.
func (s *Server) failure(c *gin.Context, message string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, messaging.ErrInvalidMessage):
		status = http.StatusBadRequest
	case rabbitmq.IsConfigError(err):
		status = http.StatusConflict
	}

	s.logger.Error(message, "path", c.FullPath(), "error", err)
	c.JSON(status, gin.H{
		"success": false,
		"error":   message,
		"message": err.Error(),
	})
}

func (s *Server) publish(c *gin.Context) {
	var req publishRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Exchange == "" || req.RoutingKey == "" || req.Message == nil {
		badRequest(c, "Missing required fields: exchange, routingKey, message")
		return
	}

	res, err := s.publisher.PublishMessage(c.Request.Context(), req.Exchange, req.RoutingKey, req.Message, req.Options)
	if err != nil {
		s.failure(c, "Failed to publish message", err)
		return
	}
	c.JSON(http.StatusOK, publishResponse{Success: true, Message: "Message published successfully", Result: res})
}

// publishTo takes the target from the path and the whole body as the message.
func (s *Server) publishTo(c *gin.Context) {
	var message codec.Payload
	if err := c.ShouldBindJSON(&message); err != nil || message == nil {
		badRequest(c, "Request body must be a JSON object")
		return
	}

	res, err := s.publisher.PublishMessage(c.Request.Context(), c.Param("exchange"), c.Param("routingKey"), message, messaging.Options{})
	if err != nil {
		s.failure(c, "Failed to publish message", err)
		return
	}
	c.JSON(http.StatusOK, publishResponse{Success: true, Message: "Message published successfully", Result: res})
}

func (s *Server) createQueue(c *gin.Context) {
	var req queueRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.QueueName == "" || req.Exchange == "" || req.RoutingKey == "" {
		badRequest(c, "Missing required fields: queueName, exchange, routingKey")
		return
	}

	err := s.topology.DeclareRoute(c.Request.Context(), rabbitmq.RouteBinding{
		Queue:              req.QueueName,
		Exchange:           req.Exchange,
		RoutingKey:         req.RoutingKey,
		DeadLetterExchange: req.DeadLetterExchange,
	})
	if err != nil {
		s.failure(c, "Failed to create queue", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": fmt.Sprintf("Queue %s created and bound to exchange %s with routing key %s",
			req.QueueName, req.Exchange, req.RoutingKey),
	})
}

func (s *Server) publishEvent(c *gin.Context) {
	var req eventRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Type == "" {
		badRequest(c, "Missing required field: type")
		return
	}

	res, err := s.publisher.PublishEvent(c.Request.Context(), req.Type, req.Data, req.Options)
	if err != nil {
		s.failure(c, "Failed to publish event", err)
		return
	}
	c.JSON(http.StatusOK, publishResponse{Success: true, Result: res})
}

func (s *Server) publishCommand(c *gin.Context) {
	var req commandRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Command == "" {
		badRequest(c, "Missing required field: command")
		return
	}

	res, err := s.publisher.PublishCommand(c.Request.Context(), req.Command, req.Data, req.Options)
	if err != nil {
		s.failure(c, "Failed to send command", err)
		return
	}
	c.JSON(http.StatusOK, publishResponse{
		Success: true,
		Message: fmt.Sprintf("Command %s sent", req.Command),
		Result:  res,
	})
}

func (s *Server) publishNotification(c *gin.Context) {
	var req notificationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Missing required fields: userId, notification")
		return
	}
	userID := userIDString(req.UserID)
	if userID == "" || req.Notification == nil {
		badRequest(c, "Missing required fields: userId, notification")
		return
	}

	res, err := s.publisher.PublishNotification(c.Request.Context(), userID, req.Notification, req.Options)
	if err != nil {
		s.failure(c, "Failed to send notification", err)
		return
	}
	c.JSON(http.StatusOK, publishResponse{Success: true, Result: res})
}

func (s *Server) publishBatch(c *gin.Context) {
	var req batchRequest
	if err := c.ShouldBindJSON(&req); err != nil || len(req.Messages) == 0 {
		badRequest(c, "Missing or invalid required field: messages (must be a non-empty array)")
		return
	}

	c.JSON(http.StatusOK, s.publisher.PublishBatch(c.Request.Context(), req.Messages))
}

func (s *Server) testMessage(c *gin.Context) {
	var req testMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Message == nil || req.Message == "" {
		badRequest(c, "Missing required field: message")
		return
	}

	if _, err := s.publisher.PublishTestMessage(c.Request.Context(), req.Message); err != nil {
		s.failure(c, "Failed to send test message", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Test message sent"})
}

// userIDString accepts ids sent as strings or JSON numbers.
func userIDString(v any) string {
	switch id := v.(type) {
	case nil:
		return ""
	case string:
		return id
	case float64:
		return fmt.Sprintf("%.0f", id)
	default:
		return ""
	}
}
