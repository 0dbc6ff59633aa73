package server

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/crystal-mush/cmdhost/pkg/lock"
)

// HelpFile holds help entries parsed from a text file where entries are
// separated by lines starting with "& topicname".
type HelpFile struct {
	Entries map[string]string // lowercase topic -> text content
}

// LoadHelpFile parses a help file. Returns nil if it cannot be opened.
func LoadHelpFile(path string) *HelpFile {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()
	return parseHelp(bufio.NewScanner(f))
}

// ParseHelp parses help text already in memory.
func ParseHelp(text string) *HelpFile {
	return parseHelp(bufio.NewScanner(strings.NewReader(text)))
}

func parseHelp(scanner *bufio.Scanner) *HelpFile {
	hf := &HelpFile{Entries: make(map[string]string)}

	// Consecutive "& TOPIC" lines share one body.
	var currentTopics []string
	var buf strings.Builder

	saveEntry := func() {
		if len(currentTopics) == 0 {
			return
		}
		text := strings.TrimRight(buf.String(), "\n ")
		for _, topic := range currentTopics {
			hf.Entries[strings.ToLower(topic)] = text
		}
	}

	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "& ") {
			topic := strings.TrimSpace(line[2:])
			if buf.Len() == 0 && len(currentTopics) > 0 {
				currentTopics = append(currentTopics, topic)
			} else {
				saveEntry()
				currentTopics = []string{topic}
				buf.Reset()
			}
		} else if len(currentTopics) > 0 {
			buf.WriteString(line)
			buf.WriteByte('\n')
		}
	}
	saveEntry()
	return hf
}

// Lookup finds a help entry by topic name. Tries exact match first,
// then the shortest prefix match. A topic with * or ? lists matches.
func (hf *HelpFile) Lookup(topic string) string {
	topic = strings.ToLower(strings.TrimSpace(topic))
	if topic == "" {
		topic = "help"
	}

	if strings.ContainsAny(topic, "*?") {
		var matches []string
		for key := range hf.Entries {
			if lock.WildMatch(topic, key) {
				matches = append(matches, key)
			}
		}
		if len(matches) == 0 {
			return ""
		}
		sort.Strings(matches)
		return fmt.Sprintf("Here are the entries which match '%s':\n  %s",
			topic, strings.Join(matches, "  "))
	}

	if text, ok := hf.Entries[topic]; ok {
		return text
	}

	var bestKey string
	for key := range hf.Entries {
		if strings.HasPrefix(key, topic) {
			if bestKey == "" || len(key) < len(bestKey) || (len(key) == len(bestKey) && key < bestKey) {
				bestKey = key
			}
		}
	}
	if bestKey != "" {
		return hf.Entries[bestKey]
	}
	return ""
}
