package converter

import (
	"strings"
	"time"

	"github.com/bytedance/sonic"

	"github.com/awsl-project/agproxy/internal/config"
)

func testConfig() *config.Config {
	return &config.Config{
		OpenAIThinkingOutput:    config.ThinkingOutputReasoningContent,
		ToolResultTailChars:     20,
		ToolThoughtSignatureTTL: 10 * time.Minute,
		ToolThoughtSignatureMax: 100,
		ThinkingSignatureTTL:    time.Hour,
		ThinkingSignatureMax:    100,
		LastSignatureTTL:        time.Hour,
		LastSignatureMax:        100,
		AssistantSignatureTTL:   time.Hour,
		AssistantSignatureMax:   100,
	}
}

type sseFrame struct {
	event string
	data  map[string]interface{}
}

// parseFrames splits raw SSE output into (event, payload) pairs. OpenAI
// frames have no event name.
func parseFrames(raw []byte) []sseFrame {
	var frames []sseFrame
	event := ""
	for _, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "event:") {
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			continue
		}
		payload := ParseSSELine([]byte(line))
		if payload == nil {
			continue
		}
		var data map[string]interface{}
		if err := sonic.Unmarshal(payload, &data); err != nil {
			continue
		}
		frames = append(frames, sseFrame{event: event, data: data})
		event = ""
	}
	return frames
}

func upstreamEvent(resp *UpstreamResponse) []byte {
	raw, _ := sonic.Marshal(resp)
	return raw
}
