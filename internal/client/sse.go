package client

import (
	"bufio"
	"bytes"
	"io"
)

// readEvents splits a text/event-stream body into event payloads and calls
// fn with the data of each. Multi-line data fields are joined with '\n' and
// comment lines are skipped. It stops when fn returns false or the body
// ends, returning the read error if any.
func readEvents(body io.Reader, fn func(data []byte) bool) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxResponseBytes)

	var data bytes.Buffer
	for scanner.Scan() {
		line := scanner.Bytes()
		switch {
		case len(line) == 0:
			if data.Len() == 0 {
				continue
			}
			payload := bytes.Clone(data.Bytes())
			data.Reset()
			if !fn(payload) {
				return nil
			}
		case line[0] == ':':
		case bytes.HasPrefix(line, []byte("data:")):
			value := bytes.TrimPrefix(line[len("data:"):], []byte(" "))
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.Write(value)
		}
	}
	return scanner.Err()
}
