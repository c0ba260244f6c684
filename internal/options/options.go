// Package options reads the tool options file.
//
// The file is a JSON object. A key starting with "#" is shown but disabled. A value is either a
// boolean or a list of choices where the default carries a trailing "*":
//
//	{"Shotgrid View": ["Playlist and Cuts*", "Shot and Sequence"], "Import to loaded sequence": false}
package options

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"ntloader/internal/domain"
)

const (
	disabledMark = "#"
	defaultMark  = "*"
)

// Set is a parsed options file.
type Set struct {
	Defaults map[string]string
	Choices  map[string][]string
	Disabled []string
}

// Parse decodes an options document.
func Parse(data []byte) (Set, error) {
	var raw map[string]json.RawMessage
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&raw); err != nil {
		return Set{}, fmt.Errorf("parse options: %w", err)
	}
	s := Set{Defaults: map[string]string{}, Choices: map[string][]string{}}
	for key, val := range raw {
		name := key
		if strings.HasPrefix(key, disabledMark) {
			name = strings.TrimPrefix(key, disabledMark)
			s.Disabled = append(s.Disabled, name)
		}
		if name == "" {
			return Set{}, fmt.Errorf("parse options: empty key")
		}
		var b bool
		if err := json.Unmarshal(val, &b); err == nil {
			s.Defaults[name] = strconv.FormatBool(b)
			s.Choices[name] = []string{"true", "false"}
			continue
		}
		var list []string
		if err := json.Unmarshal(val, &list); err != nil || len(list) == 0 {
			return Set{}, fmt.Errorf("parse options: %q must be a boolean or a non-empty list of strings", key)
		}
		choices := make([]string, len(list))
		def := ""
		for i, item := range list {
			choices[i] = strings.TrimSuffix(item, defaultMark)
			if def == "" && strings.HasSuffix(item, defaultMark) {
				def = choices[i]
			}
		}
		if def == "" {
			def = choices[0]
		}
		s.Defaults[name] = def
		s.Choices[name] = choices
	}
	sort.Strings(s.Disabled)
	return s, nil
}

// Load parses the options file at path.
func Load(path string) (Set, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Set{}, err
	}
	return Parse(data)
}

// Apply installs the set into ts. Existing selections survive when they are still valid
// choices; disabled options always take their default.
func (s Set) Apply(ts *domain.ToolState) {
	if ts.Options == nil {
		ts.Options = map[string]string{}
	}
	disabled := make(map[string]bool, len(s.Disabled))
	for _, d := range s.Disabled {
		disabled[d] = true
	}
	next := make(map[string]string, len(s.Defaults))
	for name, def := range s.Defaults {
		cur, ok := ts.Options[name]
		if ok && !disabled[name] && s.valid(name, cur) {
			next[name] = cur
		} else {
			next[name] = def
		}
	}
	ts.Options = next
	ts.OptionChoices = make(map[string][]string, len(s.Choices))
	for name, c := range s.Choices {
		ts.OptionChoices[name] = append([]string(nil), c...)
	}
	ts.DisabledOptions = append([]string(nil), s.Disabled...)
}

func (s Set) valid(name, value string) bool {
	choices, ok := s.Choices[name]
	if !ok {
		return true
	}
	for _, c := range choices {
		if c == value {
			return true
		}
	}
	return false
}
