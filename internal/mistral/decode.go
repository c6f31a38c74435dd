package mistral

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"
	"strings"

	"go.uber.org/zap"
)

const doneSentinel = "[DONE]"

type streamFrame struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

// DecodeStream reduces a chat-completion event stream to its concatenated
// deltas. onUpdate observes the cumulative text after every delta, while the
// stream is still running; the final cumulative string is returned at EOF.
//
// Framing is line-based ("data: " prefixed JSON, blank-line separated,
// terminated by a [DONE] sentinel), so the result is identical under any
// rechunking of the byte sequence and split multi-byte runes are reassembled
// before decoding. A frame with malformed JSON is logged and skipped; it
// never aborts the stream.
func DecodeStream(r io.Reader, onUpdate func(cumulative string)) (string, error) {
	reader := bufio.NewReader(r)
	var cumulative string

	for {
		line, err := reader.ReadString('\n')
		if line != "" {
			if token, ok := decodeLine(line); ok {
				cumulative += token
				if onUpdate != nil {
					onUpdate(cumulative)
				}
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return cumulative, nil
			}
			return cumulative, err
		}
	}
}

func decodeLine(line string) (string, bool) {
	line = strings.TrimSpace(line)
	if line == "" || !strings.HasPrefix(line, "data: ") {
		return "", false
	}
	payload := strings.TrimSpace(line[len("data: "):])
	if payload == doneSentinel {
		return "", false
	}
	var frame streamFrame
	if err := json.Unmarshal([]byte(payload), &frame); err != nil {
		zap.L().Warn("failed to parse stream frame", zap.Error(err))
		return "", false
	}
	if len(frame.Choices) == 0 || frame.Choices[0].Delta.Content == "" {
		return "", false
	}
	return frame.Choices[0].Delta.Content, true
}
