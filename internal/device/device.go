package device

import "github.com/Agrid-Dev/pidregulator/internal/loop"

// Device is one addressable control loop.
type Device struct {
	ID   string
	Loop *loop.Loop
}

func New(id string, l *loop.Loop) *Device {
	return &Device{ID: id, Loop: l}
}

// Label is used to name the device in logs and default broker identities.
func (d *Device) Label(prefix string) string {
	return prefix + "-" + d.ID
}
