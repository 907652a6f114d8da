package signaling

import (
	"time"

	"github.com/pion/webrtc/v4"
)

// Session status values written by the responder.
const (
	StatusAnswered         = "answered"
	StatusPermissionDenied = "permission_denied"
)

// Device describes the host a camera runs on.
type Device struct {
	Platform string `json:"platform"`
	Hostname string `json:"hostname,omitempty"`
	Agent    string `json:"userAgent"`
}

// CameraPresence is stored at cameras/<name>.
type CameraPresence struct {
	Online   bool   `json:"online"`
	Standby  bool   `json:"standby"`
	LastSeen int64  `json:"lastSeen"`
	Device   Device `json:"device"`
}

// PairingCode is stored at codes/<code>.
type PairingCode struct {
	Camera  string `json:"camera"`
	Created int64  `json:"created"`
	Expires int64  `json:"expires"`
}

// Expired reports whether the code's expiry has passed at now.
func (c PairingCode) Expired(now time.Time) bool {
	return c.Expires > 0 && now.UnixMilli() >= c.Expires
}

// Session is stored at sessions/<id>. Candidate lists and command channels
// live below it and are not part of this struct.
type Session struct {
	From     string                     `json:"from"`
	Target   string                     `json:"target"`
	Offer    *webrtc.SessionDescription `json:"offer,omitempty"`
	Answer   *webrtc.SessionDescription `json:"answer,omitempty"`
	Answered bool                       `json:"answered,omitempty"`
	Status   string                     `json:"status,omitempty"`
	Created  int64                      `json:"created"`
}

// Now returns the current time as epoch milliseconds, the timestamp
// format of every record.
func Now() int64 {
	return time.Now().UnixMilli()
}
