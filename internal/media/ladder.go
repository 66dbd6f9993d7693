package media

import "fmt"

// Resolution is a capture size in pixels.
type Resolution struct {
	Width  int
	Height int
}

func (r Resolution) String() string {
	if r.Width == 0 || r.Height == 0 {
		return "any"
	}
	return fmt.Sprintf("%dx%d", r.Width, r.Height)
}

// Constraints describe one acquisition tier. Zero fields are left to the
// device.
type Constraints struct {
	Tier       string
	Resolution Resolution
	FrameRate  float64

	SampleRate       int
	ChannelCount     int
	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool
}

// VideoLadder is tried top to bottom until a tier succeeds.
var VideoLadder = []Constraints{
	{Tier: "high", Resolution: Resolution{Width: 1280, Height: 720}, FrameRate: 30},
	{Tier: "reduced", Resolution: Resolution{Width: 640, Height: 480}, FrameRate: 24},
	{Tier: "minimal"},
}

// AudioLadder goes from full processing down to a bare microphone.
var AudioLadder = []Constraints{
	{
		Tier:             "full",
		SampleRate:       48000,
		ChannelCount:     1,
		EchoCancellation: true,
		NoiseSuppression: true,
		AutoGainControl:  true,
	},
	{Tier: "standard", EchoCancellation: true},
	{Tier: "bare"},
}

// ScreenAudio is used for screen capture: processing would distort
// system audio.
var ScreenAudio = Constraints{Tier: "screen"}

func ladderFor(kind Kind) []Constraints {
	if kind == KindAudio {
		return AudioLadder
	}
	return VideoLadder
}
