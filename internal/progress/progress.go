// Package progress classifies the output lines of a wipe or reset binary.
//
// The binaries print PROGRESS:<n> lines while working and may print a single
// CERTIFICATE:<json> line with their result before exiting. Everything else is
// diagnostic noise. All functions are pure: feeding the same lines twice gives
// the same events, which is what recovery from a saved stdout log relies on.
package progress

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"

	"github.com/wipeworks/wiped/internal/model"
)

const (
	payloadPrefix = "CERTIFICATE:"
	// MaxLineSize bounds the lines a scanner built by NewScanner returns,
	// longer ones are dropped.
	MaxLineSize = 1024 * 1024
)

var progressRx = regexp.MustCompile(`PROGRESS:(\d+)`)

// Parse returns the progress reported by line, clamped to 0..100.
func Parse(line string) (int, bool) {
	m := progressRx.FindStringSubmatch(line)
	if m == nil {
		return 0, false
	}
	v, err := strconv.Atoi(m[1])
	if err != nil {
		// only digits matched, so the value overflowed int
		return 100, true
	}
	return clamp(v), true
}

func clamp(v int) int {
	return min(max(v, 0), 100)
}

// Payload returns the JSON of a CERTIFICATE: line.
func Payload(line string) ([]byte, bool) {
	i := strings.Index(line, payloadPrefix)
	if i < 0 {
		return nil, false
	}
	raw := strings.TrimSpace(line[i+len(payloadPrefix):])
	if raw == "" {
		return nil, false
	}
	return []byte(raw), true
}

// ParseCertificate decodes a result payload, errors wrap model.ErrParseAnomaly.
func ParseCertificate(raw []byte) (model.Certificate, error) {
	var cert model.Certificate
	if err := json.Unmarshal(raw, &cert); err != nil {
		return model.Certificate{}, fmt.Errorf("%w: %w", model.ErrParseAnomaly, err)
	}
	return cert, nil
}

// SplitLines returns a bufio.SplitFunc which ends a line on \n, \r\n or a bare
// \r. Progress bars redraw with a bare \r, so that needs to count as well.
// A \r ending the available data ends the line at once, a \n arriving with
// the next read is then swallowed. Empty lines are returned as empty tokens.
// Lines of MaxLineSize bytes or more are dropped up to their terminator, the
// lines after them are split as usual.
// The returned func keeps state, use it for one scanner only.
func SplitLines() bufio.SplitFunc {
	return splitLines(MaxLineSize)
}

func splitLines(limit int) bufio.SplitFunc {
	var afterCR, skipping bool
	// end returns the length of the terminator at data[i]
	end := func(data []byte, i int) int {
		if data[i] == '\n' {
			return 1
		}
		if i+1 < len(data) {
			if data[i+1] == '\n' {
				return 2
			}
			return 1
		}
		afterCR = true
		return 1
	}
	return func(data []byte, atEOF bool) (advance int, token []byte, err error) {
		if afterCR && len(data) > 0 {
			afterCR = false
			if data[0] == '\n' {
				return 1, nil, nil
			}
		}
		if atEOF && len(data) == 0 {
			return 0, nil, nil
		}
		i := bytes.IndexAny(data, "\r\n")
		if skipping {
			if i < 0 {
				return len(data), nil, nil
			}
			skipping = false
			return i + end(data, i), nil, nil
		}
		if i >= 0 {
			return i + end(data, i), data[:i], nil
		}
		if len(data) >= limit {
			skipping = !atEOF
			return len(data), nil, nil
		}
		if atEOF {
			return len(data), data, nil
		}
		return 0, nil, nil
	}
}

// NewScanner returns a line scanner over r using SplitLines.
func NewScanner(r io.Reader) *bufio.Scanner {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), MaxLineSize)
	scanner.Split(SplitLines())
	return scanner
}

// Replay parses saved output and returns the progress events in order and the
// last result payload, nil if there was none.
func Replay(r io.Reader) ([]model.Event, []byte, error) {
	var events []model.Event
	var payload []byte
	scanner := NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if p, ok := Payload(line); ok {
			payload = p
			continue
		}
		if v, ok := Parse(line); ok {
			events = append(events, model.ProgressEvent(v))
		}
	}
	if err := scanner.Err(); err != nil {
		return events, payload, err
	}
	return events, payload, nil
}
