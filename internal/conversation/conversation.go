// Package conversation holds the append-only turn log of a chat session.
package conversation

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"bibliobot/internal/domain"
)

const (
	// Greeting seeds every new conversation.
	Greeting = "¡Hola! 👋 Soy tu asistente de SmartLibrary. Puedo ayudarte a:\n\n" +
		"📚 Buscar libros por tema, autor o categoría\n" +
		"⏰ Consultar horarios y políticas\n" +
		"💡 Darte recomendaciones personalizadas\n\n" +
		"¿En qué puedo ayudarte hoy?"

	// Regreeting replaces the whole conversation after a reset.
	Regreeting = "¡Hola de nuevo! 👋 ¿En qué puedo ayudarte?"
)

var (
	ErrEmptyText      = errors.New("conversation: turn text must not be empty")
	ErrUnknownSpeaker = errors.New("conversation: unknown speaker")
)

// Conversation is an ordered log of turns. The zero value is empty; use New for a seeded one.
type Conversation struct {
	turns []domain.Turn
}

// New returns a conversation seeded with the greeting turn.
func New(now time.Time) *Conversation {
	return &Conversation{turns: []domain.Turn{GreetingTurn(now)}}
}

// GreetingTurn builds the seed turn of a new conversation.
func GreetingTurn(now time.Time) domain.Turn {
	return domain.Turn{Speaker: domain.SpeakerAssistant, Text: Greeting, CreatedAt: now.UTC()}
}

// RegreetingTurn builds the single turn left after a reset.
func RegreetingTurn(now time.Time) domain.Turn {
	return domain.Turn{Speaker: domain.SpeakerAssistant, Text: Regreeting, CreatedAt: now.UTC()}
}

// Validate checks a turn before it is appended anywhere.
func Validate(t domain.Turn) error {
	if !t.Speaker.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownSpeaker, t.Speaker)
	}
	if strings.TrimSpace(t.Text) == "" {
		return ErrEmptyText
	}
	return nil
}

// Append adds t to the end of the log.
func (c *Conversation) Append(t domain.Turn) error {
	if err := Validate(t); err != nil {
		return err
	}
	c.turns = append(c.turns, t)
	return nil
}

// Reset drops every turn and leaves a single re-greeting.
func (c *Conversation) Reset(now time.Time) {
	c.turns = []domain.Turn{RegreetingTurn(now)}
}

// All returns a copy of the turns in insertion order.
func (c *Conversation) All() []domain.Turn {
	out := make([]domain.Turn, len(c.turns))
	copy(out, c.turns)
	return out
}

// Len reports the number of turns.
func (c *Conversation) Len() int {
	return len(c.turns)
}
