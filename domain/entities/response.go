package entities

// TranscriptResult is the text recognized from a finalized utterance
type TranscriptResult struct {
	Text       string  `json:"text"`
	Language   string  `json:"language"`
	Confidence float64 `json:"confidence"`
}

// ResponseMessage is the reply produced for one utterance.
// Command, SoundEffect and Emotion are optional.
type ResponseMessage struct {
	Text        string `json:"text"`
	Command     string `json:"command,omitempty"`
	SoundEffect string `json:"sound_effect,omitempty"`
	Emotion     string `json:"emotion,omitempty"`
	Fallback    bool   `json:"fallback,omitempty"`
}

// NewFallbackResponse builds the short apology used when an adapter fails
func NewFallbackResponse(text string) ResponseMessage {
	return ResponseMessage{
		Text:     text,
		Emotion:  "confused",
		Fallback: true,
	}
}
