package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"bibliobot/internal/domain"
	"bibliobot/internal/usecase"
)

const correlationHeader = "X-Correlation-Id"

type UseCase interface {
	StartSession(ctx context.Context) (usecase.SessionOutput, error)
	Send(ctx context.Context, in usecase.SendInput) (usecase.SendOutput, error)
	History(ctx context.Context, sessionID string) ([]domain.Turn, error)
	Reset(ctx context.Context, in usecase.ResetInput) ([]domain.Turn, error)
	Suggestions() []string
}

type Handler struct {
	uc     UseCase
	logger *slog.Logger
}

type Option func(*Handler)

func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.logger = l
		}
	}
}

func NewHandler(uc UseCase, opts ...Option) (*Handler, error) {
	if uc == nil {
		return nil, errors.New("handler: use case must not be nil")
	}
	h := &Handler{uc: uc, logger: slog.Default()}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

type apiRequest struct {
	sessionID string
	body      string
}

// endpoint returns the success status and payload, or an error mapped by writeError.
type endpoint func(ctx context.Context, req apiRequest) (int, any, error)

type sendRequest struct {
	Text string `json:"text"`
}

type resetRequest struct {
	Confirmed bool `json:"confirmed"`
}

type turnResponse struct {
	Speaker   string    `json:"speaker"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"createdAt"`
}

type sessionResponse struct {
	SessionID string         `json:"sessionId"`
	Turns     []turnResponse `json:"turns"`
}

type sendResponse struct {
	Reply turnResponse `json:"reply"`
}

type turnsResponse struct {
	Turns []turnResponse `json:"turns"`
}

type suggestionsResponse struct {
	Suggestions []string `json:"suggestions"`
}

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason"`
}

type proxyResponse = events.APIGatewayProxyResponse

// Handle serves API Gateway proxy events.
func (h *Handler) Handle(ctx context.Context, event events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	start := time.Now()
	correlationID := correlationIDFrom(event.Headers)

	body := event.Body
	if event.IsBase64Encoded {
		decoded, err := base64.StdEncoding.DecodeString(body)
		if err != nil {
			return h.respond(correlationID, event.HTTPMethod, event.Path, start,
				&usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "invalid_body"}, 0, nil), nil
		}
		body = string(decoded)
	}

	ep, sessionID, status := h.match(event.HTTPMethod, event.Path)
	if ep == nil {
		return h.respond(correlationID, event.HTTPMethod, event.Path, start, routeError(status), 0, nil), nil
	}

	code, payload, err := ep(ctx, apiRequest{sessionID: sessionID, body: body})
	return h.respond(correlationID, event.HTTPMethod, event.Path, start, err, code, payload), nil
}

// match resolves a route. On a miss it returns the status to report.
func (h *Handler) match(method, path string) (endpoint, string, int) {
	segments := strings.Split(strings.Trim(path, "/"), "/")
	var (
		ep      endpoint
		allowed string
		id      string
	)
	switch {
	case len(segments) == 1 && segments[0] == "sessions":
		ep, allowed = h.createSession, http.MethodPost
	case len(segments) == 1 && segments[0] == "suggestions":
		ep, allowed = h.suggestions, http.MethodGet
	case len(segments) == 3 && segments[0] == "sessions" && segments[1] != "":
		id = segments[1]
		switch segments[2] {
		case "turns":
			ep, allowed = h.history, http.MethodGet
		case "messages":
			ep, allowed = h.send, http.MethodPost
		case "reset":
			ep, allowed = h.reset, http.MethodPost
		}
	}
	if ep == nil {
		return nil, "", http.StatusNotFound
	}
	if !strings.EqualFold(method, allowed) {
		return nil, "", http.StatusMethodNotAllowed
	}
	return ep, id, 0
}

func (h *Handler) createSession(ctx context.Context, _ apiRequest) (int, any, error) {
	out, err := h.uc.StartSession(ctx)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusCreated, sessionResponse{SessionID: out.SessionID, Turns: toTurnResponses(out.Turns)}, nil
}

func (h *Handler) send(ctx context.Context, req apiRequest) (int, any, error) {
	var in sendRequest
	if err := decodeBody(req.body, &in); err != nil {
		return 0, nil, err
	}
	out, err := h.uc.Send(ctx, usecase.SendInput{SessionID: req.sessionID, Text: in.Text})
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, sendResponse{Reply: toTurnResponse(out.Reply)}, nil
}

func (h *Handler) history(ctx context.Context, req apiRequest) (int, any, error) {
	turns, err := h.uc.History(ctx, req.sessionID)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, turnsResponse{Turns: toTurnResponses(turns)}, nil
}

func (h *Handler) reset(ctx context.Context, req apiRequest) (int, any, error) {
	var in resetRequest
	if err := decodeBody(req.body, &in); err != nil {
		return 0, nil, err
	}
	turns, err := h.uc.Reset(ctx, usecase.ResetInput{SessionID: req.sessionID, Confirmed: in.Confirmed})
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, turnsResponse{Turns: toTurnResponses(turns)}, nil
}

func (h *Handler) suggestions(_ context.Context, _ apiRequest) (int, any, error) {
	return http.StatusOK, suggestionsResponse{Suggestions: h.uc.Suggestions()}, nil
}

// respond builds the proxy response and logs the outcome.
func (h *Handler) respond(correlationID, method, path string, start time.Time, err error, status int, payload any) proxyResponse {
	if err != nil {
		status, payload = errorResult(err)
	}
	body, marshalErr := json.Marshal(payload)
	if marshalErr != nil {
		err = marshalErr
		status = http.StatusInternalServerError
		body = []byte(`{"error":"INTERNAL_ERROR","reason":"encode_error"}`)
	}

	attrs := []any{
		"correlation_id", correlationID,
		"method", method,
		"path", path,
		"status", status,
		"elapsed", time.Since(start),
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", append(attrs, "err", err)...)
	} else {
		h.logger.Info("request handled", attrs...)
	}

	return proxyResponse{
		StatusCode: status,
		Headers: map[string]string{
			"Content-Type":    "application/json",
			correlationHeader: correlationID,
		},
		Body: string(body),
	}
}

func decodeBody(body string, v any) error {
	if strings.TrimSpace(body) == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(body), v); err != nil {
		return &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "invalid_json", Err: err}
	}
	return nil
}

func errorResult(err error) (int, errorResponse) {
	var ucErr *usecase.Error
	if !errors.As(err, &ucErr) {
		return http.StatusInternalServerError, errorResponse{Error: string(usecase.ErrorInternal), Reason: "unexpected_error"}
	}
	return statusFor(ucErr.Code), errorResponse{Error: string(ucErr.Code), Reason: ucErr.Reason}
}

func statusFor(code usecase.ErrorCode) int {
	switch code {
	case usecase.ErrorInvalidInput, usecase.ErrorConfirmationRequired:
		return http.StatusBadRequest
	case usecase.ErrorNotFound:
		return http.StatusNotFound
	case usecase.ErrorBusy:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func routeError(status int) *usecase.Error {
	if status == http.StatusMethodNotAllowed {
		return &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "method_not_allowed"}
	}
	return &usecase.Error{Code: usecase.ErrorNotFound, Reason: "route_not_found"}
}

func correlationIDFrom(headers map[string]string) string {
	for k, v := range headers {
		if strings.EqualFold(k, correlationHeader) && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return newCorrelationID()
}

func toTurnResponse(t domain.Turn) turnResponse {
	return turnResponse{Speaker: string(t.Speaker), Text: t.Text, CreatedAt: t.CreatedAt}
}

func toTurnResponses(turns []domain.Turn) []turnResponse {
	out := make([]turnResponse, 0, len(turns))
	for _, t := range turns {
		out = append(out, toTurnResponse(t))
	}
	return out
}

var newCorrelationID = func() string {
	return uuid.NewString()
}
