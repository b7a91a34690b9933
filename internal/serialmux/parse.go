package serialmux

import (
	"sort"
	"strings"
	"sync"
)

// Line classes seen on the reader link.
const (
	LineTag      = "tag"
	LineTagList  = "tag_list"
	LineResponse = "response"
	LineUnknown  = "unknown"
)

// ClassifyLine inspects a line from the reader and returns a coarse class.
func ClassifyLine(line string) string {
	switch {
	case strings.Contains(line, "<Alien-RFID-Tag>"):
		return LineTag
	case strings.HasPrefix(line, "#Alien Tag List"), strings.HasPrefix(line, "(No Tags)"):
		return LineTagList
	case strings.Contains(line, " = "):
		return LineResponse
	}
	return LineUnknown
}

// ReaderState holds the latest "Name = Value" responses the reader has sent,
// keyed case-insensitively by setting name.
type ReaderState struct {
	mu     sync.Mutex
	values map[string][2]string
}

func NewReaderState() *ReaderState {
	return &ReaderState{values: make(map[string][2]string)}
}

// Observe records a response line. Lines without " = " are ignored.
func (s *ReaderState) Observe(line string) {
	name, value, ok := strings.Cut(line, " = ")
	if !ok {
		return
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return
	}
	s.mu.Lock()
	s.values[strings.ToLower(name)] = [2]string{name, strings.TrimSpace(value)}
	s.mu.Unlock()
}

// Get returns the last value reported for a setting.
func (s *ReaderState) Get(name string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kv, ok := s.values[strings.ToLower(name)]
	return kv[1], ok
}

// Snapshot returns name/value pairs sorted by name.
func (s *ReaderState) Snapshot() [][2]string {
	s.mu.Lock()
	out := make([][2]string, 0, len(s.values))
	for _, kv := range s.values {
		out = append(out, kv)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return strings.ToLower(out[i][0]) < strings.ToLower(out[j][0]) })
	return out
}
