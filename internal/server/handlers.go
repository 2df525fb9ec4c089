package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/labstack/echo/v5"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/stupiduntilnot/chaaya/internal/assistant"
	"github.com/stupiduntilnot/chaaya/internal/control"
)

// StatusClientClosedRequest is recorded when the caller disconnects before a
// reply is ready. Nothing reaches the caller; it keeps client aborts out of
// the 5xx series.
const StatusClientClosedRequest = 499

type completionRequest struct {
	SessionID  *string `json:"session_id"`
	Message    *string `json:"message"`
	EndSession bool    `json:"end_session"`
}

type assistantRequest struct {
	Message *string `json:"message"`
}

type replyResponse struct {
	Reply string `json:"reply"`
}

type runErrorResponse struct {
	Error string `json:"error"`
}

type handlers struct {
	conversation Conversation
	assistant    Assistant
}

func (h *handlers) completionChat(c *echo.Context) error {
	var req completionRequest
	if err := decodeBody(c, &req); err != nil {
		return err
	}
	if req.SessionID == nil {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, "session_id is required")
	}
	if req.Message == nil {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, "message is required")
	}

	ctx := c.Request().Context()
	reply, err := h.conversation.Send(ctx, *req.SessionID, *req.Message, req.EndSession)
	if err != nil {
		return upstreamError(ctx, err)
	}
	return c.JSON(http.StatusOK, replyResponse{Reply: reply})
}

func (h *handlers) assistantChat(c *echo.Context) error {
	var req assistantRequest
	if err := decodeBody(c, &req); err != nil {
		return err
	}
	if req.Message == nil {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, "message is required")
	}

	ctx := c.Request().Context()
	res, err := h.assistant.Reply(ctx, *req.Message)
	if err != nil {
		return upstreamError(ctx, err)
	}
	if res.Failed {
		return c.JSON(http.StatusOK, runErrorResponse{Error: res.Error})
	}
	return c.JSON(http.StatusOK, replyResponse{Reply: res.Reply})
}

// decodeBody reads the JSON request body into v. Malformed JSON is a 400; a
// field of the wrong type is a validation failure like a missing one. An
// empty body decodes as an empty object.
func decodeBody(c *echo.Context, v any) error {
	err := json.NewDecoder(c.Request().Body).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		return echo.NewHTTPError(http.StatusUnprocessableEntity,
			fmt.Sprintf("%s must be of type %s", typeErr.Field, typeErr.Type))
	}
	return echo.NewHTTPError(http.StatusBadRequest, "invalid JSON body")
}

// upstreamError logs err and maps it to the status a caller should see.
func upstreamError(ctx context.Context, err error) *echo.HTTPError {
	if errors.Is(err, context.Canceled) {
		zerolog.Ctx(ctx).Debug().Err(err).Msg("client went away")
		return echo.NewHTTPError(StatusClientClosedRequest, "client closed request")
	}
	zerolog.Ctx(ctx).Error().Err(err).Msg("chat request failed")

	var timeout *control.TimeoutError
	var unknown *assistant.UnknownStatusError
	switch {
	case errors.Is(err, control.ErrCircuitOpen):
		return echo.NewHTTPError(http.StatusServiceUnavailable, "upstream temporarily unavailable")
	case errors.As(err, &timeout), errors.Is(err, context.DeadlineExceeded):
		return echo.NewHTTPError(http.StatusGatewayTimeout, "upstream did not finish in time")
	case errors.As(err, &unknown):
		return echo.NewHTTPError(http.StatusBadGateway, unknown.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "upstream request failed")
	}
}
