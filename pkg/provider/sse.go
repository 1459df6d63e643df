package provider

import (
	"bufio"
	"io"
	"strings"
)

type sseEvent struct {
	Type string
	Data string
}

// sseScanner reads Server-Sent Events. Multiple data lines of one event
// are joined with newlines; comments and unknown fields are skipped.
type sseScanner struct {
	r   *bufio.Reader
	cur sseEvent
	err error
}

func newSSEScanner(r io.Reader) *sseScanner {
	return &sseScanner{r: bufio.NewReaderSize(r, 64*1024)}
}

// Next advances to the next event.
func (s *sseScanner) Next() bool {
	if s.err != nil {
		return false
	}
	s.cur = sseEvent{}
	var data []string
	var typ string

	for {
		line, err := s.r.ReadString('\n')
		if err != nil && line == "" {
			s.err = err
			if err == io.EOF && data != nil {
				s.cur = sseEvent{Type: typ, Data: strings.Join(data, "\n")}
				return true
			}
			return false
		}
		line = strings.TrimRight(line, "\r\n")

		if line == "" {
			if data != nil {
				s.cur = sseEvent{Type: typ, Data: strings.Join(data, "\n")}
				return true
			}
			typ = ""
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "data":
			data = append(data, value)
		case "event":
			typ = value
		}
	}
}

func (s *sseScanner) Event() sseEvent { return s.cur }

// Err returns the read error that stopped the scanner, nil on clean EOF.
func (s *sseScanner) Err() error {
	if s.err == io.EOF {
		return nil
	}
	return s.err
}
