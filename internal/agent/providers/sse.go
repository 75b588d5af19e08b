package providers

import (
	"bufio"
	"io"
	"strings"
)

// sseBufferSize bounds a single SSE line. Tool-argument deltas can carry
// large JSON fragments.
const sseBufferSize = 1024 * 1024

// scanSSE reads server-sent events from r and calls handle with each data
// payload. Blank lines and comment lines are skipped. handle returns true
// to stop the scan.
func scanSSE(r io.Reader, handle func(data string) (stop bool)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, sseBufferSize), sseBufferSize)

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if handle(data) {
			return nil
		}
	}
	return scanner.Err()
}
