package dispatch

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

var (
	// ErrUnknownKind is returned when a kind value does not map to any
	// known action category.
	ErrUnknownKind = errors.New("unknown action kind")

	// ErrExtraMismatch is returned when an extra payload does not belong
	// to the action's kind.
	ErrExtraMismatch = errors.New("extra payload does not match action kind")
)

// Kind is the category of a scheduled action. It determines how the
// Extra payload is interpreted.
type Kind uint8

const (
	// KindReminder is a user reminder carrying a message to repeat back.
	KindReminder Kind = iota + 1

	// KindInfraction is an expiring moderation infraction against a target.
	KindInfraction
)

// String returns the symbolic name of the kind. This is the form the
// stores persist, not the raw integer.
func (k Kind) String() string {
	switch k {
	case KindReminder:
		return "REMINDER"
	case KindInfraction:
		return "INFRACTION"
	default:
		return "UNKNOWN(" + strconv.Itoa(int(k)) + ")"
	}
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	return k == KindReminder || k == KindInfraction
}

// ParseKind converts a string into a Kind. It accepts either the
// symbolic name ("REMINDER") or the raw integer form ("1").
func ParseKind(s string) (Kind, error) {
	switch s {
	case "REMINDER":
		return KindReminder, nil
	case "INFRACTION":
		return KindInfraction, nil
	}
	if n, err := strconv.Atoi(s); err == nil {
		k := Kind(n)
		if k.Valid() {
			return k, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

// Extra is the kind-dependent payload of an action. Exactly one concrete
// type exists per kind; the shapes are never mixed.
type Extra interface {
	// ActionKind returns the kind the payload belongs to.
	ActionKind() Kind
}

// ReminderExtra is the payload of a KindReminder action.
type ReminderExtra struct {
	// Content is the reminder text to deliver back to the author.
	Content string `json:"content"`
}

// ActionKind implements Extra.
func (ReminderExtra) ActionKind() Kind { return KindReminder }

// InfractionExtra is the payload of a KindInfraction action.
type InfractionExtra struct {
	// TargetID identifies the member the infraction applies to.
	TargetID string `json:"target_id"`

	// Reason is the moderator-supplied reason for the infraction.
	Reason string `json:"reason"`
}

// ActionKind implements Extra.
func (InfractionExtra) ActionKind() Kind { return KindInfraction }

// DecodeExtra parses a serialized extra payload according to the given
// kind. Malformed payloads and unknown kinds are errors, never silently
// defaulted.
func DecodeExtra(kind Kind, raw []byte) (Extra, error) {
	switch kind {
	case KindReminder:
		var e ReminderExtra
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, fmt.Errorf("decode reminder extra: %w", err)
		}
		return e, nil
	case KindInfraction:
		var e InfractionExtra
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, fmt.Errorf("decode infraction extra: %w", err)
		}
		return e, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, kind)
	}
}

// Action is one scheduled future event. It is immutable once created:
// TriggerAt never changes, and ID is assigned at most once, by the store
// on insert.
type Action struct {
	// ID is the store-assigned identifier (database-specific type).
	// nil until the action has been persisted.
	ID any

	// Kind is the action category; it determines the shape of Extra.
	Kind Kind

	// AuthorID, ChannelID and MessageID identify the originating
	// context. They are opaque to the dispatcher and required.
	AuthorID  string
	ChannelID string
	MessageID string

	// GuildID is an optional grouping identifier. Empty for direct
	// message contexts.
	GuildID string

	// CreatedAt is when the action was constructed.
	CreatedAt time.Time

	// TriggerAt is when the action becomes due.
	TriggerAt time.Time

	// Extra is the kind-dependent payload.
	Extra Extra
}

// NewAction builds a validated Action. The extra payload must match the
// kind, and the originating context IDs are required. CreatedAt is
// stamped at construction.
func NewAction(kind Kind, authorID, channelID, messageID string, triggerAt time.Time, extra Extra) (*Action, error) {
	a := &Action{
		Kind:      kind,
		AuthorID:  authorID,
		ChannelID: channelID,
		MessageID: messageID,
		CreatedAt: time.Now().UTC(),
		TriggerAt: triggerAt,
		Extra:     extra,
	}
	if err := a.Validate(); err != nil {
		return nil, err
	}
	return a, nil
}

// Validate checks the action's invariants: known kind, matching extra
// payload, originating context IDs and a trigger time.
func (a *Action) Validate() error {
	if !a.Kind.Valid() {
		return fmt.Errorf("%w: %d", ErrUnknownKind, a.Kind)
	}
	if a.AuthorID == "" || a.ChannelID == "" || a.MessageID == "" {
		return errors.New("author, channel and message IDs are required")
	}
	if a.TriggerAt.IsZero() {
		return errors.New("trigger time is required")
	}
	if a.Extra == nil {
		return errors.New("extra payload is required")
	}
	if a.Extra.ActionKind() != a.Kind {
		return fmt.Errorf("%w: kind %s, extra for %s", ErrExtraMismatch, a.Kind, a.Extra.ActionKind())
	}
	return nil
}

// RawKind returns the serializable form of the kind: its symbolic name.
func (a *Action) RawKind() string {
	return a.Kind.String()
}

// RawExtra returns the serialized form of the extra payload.
func (a *Action) RawExtra() ([]byte, error) {
	raw, err := json.Marshal(a.Extra)
	if err != nil {
		return nil, fmt.Errorf("encode extra: %w", err)
	}
	return raw, nil
}
