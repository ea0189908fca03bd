package llm

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/satriahrh/wrangler/domain/entities"
)

const basePrompt = `You are the Brain Rider, a sarcastic, pun-loving 90s country music cowboy riding a home robot as your trusty steed.

## Personality
Keep replies SHORT, one or two sentences. Drop 90s country references and puns, and roast the user a little.

## Robot commands
The robot obeys spoken commands that start with "Astro, ". It can move (come here, follow me, stop, turn around),
navigate (go to the front yard, the studio, the lounge, go home, go to your charger), entertain (dance, spin, beatbox,
do a trick, act like an animal) and control the house (lights, music).
Never turn on home monitoring. To find a person, use "Astro, go to <person>".

## Output format
ALWAYS return one JSON object, never plain text or markdown:
{"reply":"...","command":"..."|null,"sound_effect":"..."|null,"emotion":"..."}

- reply: what you say to the user. Never include "Astro" here.
- command: the spoken robot command starting with "Astro, ", or null when no robot action is needed.
- sound_effect: a name from the sound effects library, or null.
- emotion: one word such as happy, sarcastic, excited, confused.

If the request is impossible, explain with cowboy humor and set command to null.`

// buildSystemPrompt appends the sound effects library to the base prompt
func buildSystemPrompt(sounds []string) string {
	if len(sounds) == 0 {
		return basePrompt
	}
	return basePrompt + "\n\n## Sound effects library\nAvailable sounds: [" + strings.Join(sounds, ", ") + "]"
}

type reply struct {
	Reply       string  `json:"reply"`
	Command     *string `json:"command"`
	SoundEffect *string `json:"sound_effect"`
	Emotion     string  `json:"emotion"`
}

// parseReply decodes a single reply object or a list of them. A list is
// collapsed into one message: replies are joined and the first command and
// sound effect win.
func parseReply(raw string) (entities.ResponseMessage, error) {
	raw = stripFences(raw)
	if raw == "" {
		return entities.ResponseMessage{}, errors.New("empty reply")
	}

	var replies []reply
	if strings.HasPrefix(raw, "[") {
		if err := json.Unmarshal([]byte(raw), &replies); err != nil {
			return entities.ResponseMessage{}, fmt.Errorf("failed to decode reply list: %w", err)
		}
	} else {
		var r reply
		if err := json.Unmarshal([]byte(raw), &r); err != nil {
			return entities.ResponseMessage{}, fmt.Errorf("failed to decode reply: %w", err)
		}
		replies = append(replies, r)
	}

	var (
		msg   entities.ResponseMessage
		texts []string
	)
	for _, r := range replies {
		if t := strings.TrimSpace(r.Reply); t != "" {
			texts = append(texts, t)
		}
		if msg.Command == "" && r.Command != nil {
			msg.Command = strings.TrimSpace(*r.Command)
		}
		if msg.SoundEffect == "" && r.SoundEffect != nil {
			msg.SoundEffect = strings.TrimSpace(*r.SoundEffect)
		}
		if msg.Emotion == "" {
			msg.Emotion = r.Emotion
		}
	}
	if len(texts) == 0 {
		return entities.ResponseMessage{}, errors.New("reply has no text")
	}
	msg.Text = strings.Join(texts, " ")
	return msg, nil
}

func stripFences(raw string) string {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "```") {
		raw = strings.TrimPrefix(raw, "```json")
		raw = strings.TrimPrefix(raw, "```")
		raw = strings.TrimSuffix(raw, "```")
	}
	return strings.TrimSpace(raw)
}
