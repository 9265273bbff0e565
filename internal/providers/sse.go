package providers

import (
	"bufio"
	"bytes"
	"io"
	"strings"
)

// maxSSELine bounds a single SSE line. Tool-heavy responses can carry large
// JSON payloads in one data line.
const maxSSELine = 1 << 20

// SSEEvent is one server-sent event.
type SSEEvent struct {
	Event string
	Data  string
}

// ReadSSE calls fn for each event read from r. It stops at EOF, at an OpenAI
// style "[DONE]" sentinel, or when fn returns an error, which is passed back.
func ReadSSE(r io.Reader, fn func(SSEEvent) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxSSELine)

	var (
		event string
		data  strings.Builder
	)
	dispatch := func() error {
		if data.Len() == 0 {
			event = ""
			return nil
		}
		ev := SSEEvent{Event: event, Data: data.String()}
		event = ""
		data.Reset()
		if ev.Data == "[DONE]" {
			return io.EOF
		}
		return fn(ev)
	}

	for scanner.Scan() {
		line := scanner.Bytes()
		switch {
		case len(line) == 0:
			if err := dispatch(); err != nil {
				return endOfStream(err)
			}
		case line[0] == ':':
		case bytes.HasPrefix(line, []byte("event:")):
			event = string(bytes.TrimSpace(line[len("event:"):]))
		case bytes.HasPrefix(line, []byte("data:")):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.Write(bytes.TrimPrefix(line[len("data:"):], []byte(" ")))
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return endOfStream(dispatch())
}

func endOfStream(err error) error {
	if err == io.EOF {
		return nil
	}
	return err
}
