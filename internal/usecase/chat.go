package usecase

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"bibliobot/internal/domain"
	"bibliobot/internal/gateway"
)

const (
	defaultMaxMessageLen = 1000

	// leaseGrace is added to the gateway timeout so the lease outlives the call
	// plus the final write.
	leaseGrace = 5 * time.Second

	replyWriteAttempts = 3
)

var suggestions = []string{
	"¿Qué libros sobre bullying tienen?",
	"¿Cuál es el horario?",
	"Recomiéndame algo de ciencia ficción",
	"¿Cuántos libros puedo prestar?",
}

type StateStore interface {
	CreateSession(ctx context.Context, sessionID string) ([]domain.Turn, error)
	ListTurns(ctx context.Context, sessionID string) ([]domain.Turn, error)
	AppendTurn(ctx context.Context, sessionID string, turn domain.Turn) error
	ResetSession(ctx context.Context, sessionID string) ([]domain.Turn, error)
	AcquireBusy(ctx context.Context, sessionID string, until time.Time) error
	ReleaseBusy(ctx context.Context, sessionID string, until time.Time) error
}

// Asker resolves a question to assistant text. It never fails.
type Asker interface {
	Ask(ctx context.Context, userText string, catalog []domain.CatalogEntry) string
	Timeout() time.Duration
}

type CatalogSource interface {
	Entries(ctx context.Context) ([]domain.CatalogEntry, error)
}

type ChatService struct {
	state         StateStore
	gateway       Asker
	catalog       CatalogSource
	maxMessageLen int
	logger        *slog.Logger
	now           func() time.Time
	retryDelay    time.Duration
}

type SessionOutput struct {
	SessionID string
	Turns     []domain.Turn
}

type SendInput struct {
	SessionID string
	Text      string
}

type SendOutput struct {
	Reply domain.Turn
}

type ResetInput struct {
	SessionID string
	Confirmed bool
}

func NewChatService(state StateStore, gateway Asker, catalog CatalogSource, maxMessageLen int, logger *slog.Logger) (*ChatService, error) {
	if state == nil {
		return nil, errors.New("usecase: state store must not be nil")
	}
	if gateway == nil {
		return nil, errors.New("usecase: gateway must not be nil")
	}
	if catalog == nil {
		return nil, errors.New("usecase: catalog source must not be nil")
	}
	if maxMessageLen <= 0 {
		maxMessageLen = defaultMaxMessageLen
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ChatService{
		state:         state,
		gateway:       gateway,
		catalog:       catalog,
		maxMessageLen: maxMessageLen,
		logger:        logger,
		now:           time.Now,
		retryDelay:    100 * time.Millisecond,
	}, nil
}

// StartSession opens a new conversation holding only the greeting.
func (s *ChatService) StartSession(ctx context.Context) (SessionOutput, error) {
	id := newUUID()
	turns, err := s.state.CreateSession(ctx, id)
	if err != nil {
		return SessionOutput{}, newError(ErrorInternal, "state_create_error", err)
	}
	return SessionOutput{SessionID: id, Turns: turns}, nil
}

// Send appends the user turn and exactly one assistant turn. A rejected send
// leaves the conversation untouched and makes no completion call.
func (s *ChatService) Send(ctx context.Context, in SendInput) (SendOutput, error) {
	text := strings.TrimSpace(in.Text)
	if text == "" {
		return SendOutput{}, s.reject(in.SessionID, newError(ErrorInvalidInput, "empty_message", nil))
	}
	if utf8.RuneCountInString(text) > s.maxMessageLen {
		return SendOutput{}, s.reject(in.SessionID, newError(ErrorInvalidInput, "message_too_long", nil))
	}
	sessionID := strings.TrimSpace(in.SessionID)
	if sessionID == "" {
		return SendOutput{}, s.reject(in.SessionID, newError(ErrorInvalidInput, "missing_session_id", nil))
	}

	entries, err := s.catalog.Entries(ctx)
	if err != nil {
		return SendOutput{}, newError(ErrorInternal, "catalog_load_error", err)
	}

	until := s.now().Add(s.gateway.Timeout() + leaseGrace)
	if err := s.state.AcquireBusy(ctx, sessionID, until); err != nil {
		return SendOutput{}, s.reject(sessionID, stateError(err, "state_lease_error"))
	}
	defer func() {
		if err := s.state.ReleaseBusy(context.WithoutCancel(ctx), sessionID, until); err != nil {
			s.logger.Warn("busy lease release failed", "session_id", sessionID, "err", err)
		}
	}()

	userTurn := domain.Turn{Speaker: domain.SpeakerUser, Text: text, CreatedAt: s.now().UTC()}
	if err := s.state.AppendTurn(ctx, sessionID, userTurn); err != nil {
		return SendOutput{}, stateError(err, "state_write_error")
	}

	answer := s.gateway.Ask(ctx, text, entries)

	// The user turn is already stored, so the reply is written even if the
	// caller has gone away.
	reply := domain.Turn{Speaker: domain.SpeakerAssistant, Text: answer, CreatedAt: s.now().UTC()}
	stored, err := s.appendReply(context.WithoutCancel(ctx), sessionID, reply)
	if err != nil {
		return SendOutput{}, stateError(err, "state_write_error")
	}
	return SendOutput{Reply: stored}, nil
}

// appendReply retries the assistant turn a few times. When the answer itself
// cannot be stored it falls back to the failure message so the log never ends
// on an unanswered user turn.
func (s *ChatService) appendReply(ctx context.Context, sessionID string, reply domain.Turn) (domain.Turn, error) {
	var err error
	for attempt := 1; attempt <= replyWriteAttempts; attempt++ {
		if err = s.state.AppendTurn(ctx, sessionID, reply); err == nil {
			return reply, nil
		}
		s.logger.Warn("assistant turn write failed", "session_id", sessionID, "attempt", attempt, "err", err)
		if errors.Is(err, domain.ErrSessionNotFound) {
			return domain.Turn{}, err
		}
		if attempt < replyWriteAttempts {
			time.Sleep(time.Duration(attempt) * s.retryDelay)
		}
	}
	if reply.Text == gateway.FailureMessage {
		return domain.Turn{}, err
	}

	fallback := domain.Turn{Speaker: domain.SpeakerAssistant, Text: gateway.FailureMessage, CreatedAt: reply.CreatedAt}
	if fbErr := s.state.AppendTurn(ctx, sessionID, fallback); fbErr != nil {
		s.logger.Error("fallback assistant turn write failed", "session_id", sessionID, "err", fbErr)
		return domain.Turn{}, err
	}
	return fallback, nil
}

func (s *ChatService) History(ctx context.Context, sessionID string) ([]domain.Turn, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, newError(ErrorInvalidInput, "missing_session_id", nil)
	}
	turns, err := s.state.ListTurns(ctx, sessionID)
	if err != nil {
		return nil, stateError(err, "state_read_error")
	}
	return turns, nil
}

// Reset replaces the conversation with the re-greeting once the caller has confirmed.
func (s *ChatService) Reset(ctx context.Context, in ResetInput) ([]domain.Turn, error) {
	if !in.Confirmed {
		return nil, newError(ErrorConfirmationRequired, "reset_not_confirmed", nil)
	}
	sessionID := strings.TrimSpace(in.SessionID)
	if sessionID == "" {
		return nil, newError(ErrorInvalidInput, "missing_session_id", nil)
	}
	turns, err := s.state.ResetSession(ctx, sessionID)
	if err != nil {
		return nil, stateError(err, "state_reset_error")
	}
	return turns, nil
}

func (s *ChatService) Suggestions() []string {
	return append([]string(nil), suggestions...)
}

func (s *ChatService) reject(sessionID string, err *Error) *Error {
	s.logger.Info("send rejected", "session_id", sessionID, "code", err.Code, "reason", err.Reason)
	return err
}

func stateError(err error, reason string) *Error {
	switch {
	case errors.Is(err, domain.ErrSessionNotFound):
		return newError(ErrorNotFound, "session_not_found", err)
	case errors.Is(err, domain.ErrSessionBusy):
		return newError(ErrorBusy, "request_in_flight", err)
	default:
		return newError(ErrorInternal, reason, err)
	}
}

var newUUID = func() string {
	return uuid.NewString()
}
