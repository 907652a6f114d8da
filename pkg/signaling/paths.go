// Package signaling defines the relay schema shared by the camera and the
// viewer: record paths, record shapes, pairing codes and the session
// command channel.
package signaling

import (
	"fmt"
	"strings"

	"github.com/ambengineeringsystem-gif/selfie-2/pkg/relay"
)

// Top-level collections.
const (
	CamerasPath  = "cameras"
	CodesPath    = "codes"
	SessionsPath = "sessions"
)

// Session children.
const (
	FieldFrom     = "from"
	FieldTarget   = "target"
	FieldOffer    = "offer"
	FieldAnswer   = "answer"
	FieldAnswered = "answered"
	FieldStatus   = "status"
	FieldCreated  = "created"

	CallerCandidates = "callerCandidates"
	CalleeCandidates = "calleeCandidates"
	Commands         = "commands"
	ViewerCommands   = "viewerCommands"
	CameraCommands   = "cameraCommands"
	LastCommand      = "lastCommand"
	LastCommandAck   = "lastCommandAck"
)

func CameraPath(name string) string { return relay.Join(CamerasPath, name) }
func CodePath(code string) string   { return relay.Join(CodesPath, code) }
func SessionPath(id string) string  { return relay.Join(SessionsPath, id) }

// SessionChild returns the path of a child of session id.
func SessionChild(id, child string) string {
	return relay.Join(SessionsPath, id, child)
}

// ValidateName checks that a camera name is usable as a single path
// segment. Surrounding space is trimmed.
func ValidateName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("%w: camera name is required", ErrValidation)
	}
	if strings.Contains(name, "/") {
		return "", fmt.Errorf("%w: camera name %q contains '/'", ErrValidation, name)
	}
	if _, err := relay.Clean(name); err != nil {
		return "", fmt.Errorf("%w: camera name %q: %v", ErrValidation, name, err)
	}
	return name, nil
}
