package signaling

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/ambengineeringsystem-gif/selfie-2/pkg/relay"
)

// CommandKind is the closed set of remote actions.
type CommandKind int

const (
	TakePhoto CommandKind = iota + 1
	DownloadCaptured
	NextShot
)

var commandNames = map[CommandKind]string{
	TakePhoto:        "takePhoto",
	DownloadCaptured: "downloadCaptured",
	NextShot:         "nextShot",
}

func (k CommandKind) String() string {
	if name, ok := commandNames[k]; ok {
		return name
	}
	return fmt.Sprintf("CommandKind(%d)", int(k))
}

// Ack returns the acknowledgement type written for k.
func (k CommandKind) Ack() string {
	return k.String() + "Ack"
}

// ParseCommandKind maps a wire type name to its kind.
func ParseCommandKind(s string) (CommandKind, error) {
	for k, name := range commandNames {
		if name == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownCommand, s)
}

// MarshalText implements encoding.TextMarshaler.
func (k CommandKind) MarshalText() ([]byte, error) {
	if _, ok := commandNames[k]; !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownCommand, int(k))
	}
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *CommandKind) UnmarshalText(b []byte) error {
	parsed, err := ParseCommandKind(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Command is one remote action. ID identifies a single write so a slot
// consumer can tell redelivery from a new request; Key is the relay child
// key for list commands.
type Command struct {
	Kind CommandKind `json:"type"`
	From string      `json:"from"`
	TS   int64       `json:"ts"`
	ID   string      `json:"id,omitempty"`
	Key  string      `json:"-"`
}

// NewCommand stamps a command from sender with a fresh request id.
func NewCommand(kind CommandKind, from string) Command {
	return Command{Kind: kind, From: from, TS: Now(), ID: uuid.NewString()}
}

// Ack is written to lastCommandAck after a slot command ran.
type Ack struct {
	Type string `json:"type"`
	From string `json:"from"`
	TS   int64  `json:"ts"`
	ID   string `json:"id,omitempty"`
}

// Kind returns the command kind acknowledged.
func (a Ack) Kind() (CommandKind, error) {
	name, ok := strings.CutSuffix(a.Type, "Ack")
	if !ok {
		return 0, fmt.Errorf("%w: ack %q", ErrUnknownCommand, a.Type)
	}
	return ParseCommandKind(name)
}

// DecodeCommand decodes a command snapshot. Unknown or missing types
// return ErrUnknownCommand.
func DecodeCommand(s relay.Snapshot) (Command, error) {
	var wire struct {
		Type string `json:"type"`
		From string `json:"from"`
		TS   int64  `json:"ts"`
		ID   string `json:"id"`
	}
	if err := s.Decode(&wire); err != nil {
		return Command{}, fmt.Errorf("decode command at %s: %w", s.Path, err)
	}
	kind, err := ParseCommandKind(wire.Type)
	if err != nil {
		return Command{}, err
	}
	return Command{Kind: kind, From: wire.From, TS: wire.TS, ID: wire.ID, Key: s.Key}, nil
}

// decodeAck reads an ack snapshot.
func decodeAck(s relay.Snapshot) (Ack, error) {
	var a Ack
	if err := s.Decode(&a); err != nil {
		return Ack{}, err
	}
	return a, nil
}
