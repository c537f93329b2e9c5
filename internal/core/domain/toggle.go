package domain

type Capability string

const (
	CapabilityVideo  Capability = "video"
	CapabilityAudio  Capability = "audio"
	CapabilityScreen Capability = "screen"
)

// ToggleState is the user's intent. It converges on the confirmed state of
// the local handles once in-flight work settles.
type ToggleState struct {
	ShareVideo  bool `json:"share_video"`
	ShareAudio  bool `json:"share_audio"`
	ShareScreen bool `json:"share_screen"`
}

// Get returns the intent for one capability
func (t ToggleState) Get(c Capability) bool {
	switch c {
	case CapabilityVideo:
		return t.ShareVideo
	case CapabilityAudio:
		return t.ShareAudio
	case CapabilityScreen:
		return t.ShareScreen
	}
	return false
}

// With returns a copy with one capability set
func (t ToggleState) With(c Capability, v bool) ToggleState {
	switch c {
	case CapabilityVideo:
		t.ShareVideo = v
	case CapabilityAudio:
		t.ShareAudio = v
	case CapabilityScreen:
		t.ShareScreen = v
	}
	return t
}
