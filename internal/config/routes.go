package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"jarvis/internal/nlu"
)

// Routes is the routing table: which utterances go to the command endpoint
// and which are answered locally.
type Routes struct {
	Automation []string       `yaml:"automation"`
	SmallTalk  []patternEntry `yaml:"smalltalk"`
}

type patternEntry struct {
	ID     string `yaml:"id"`
	Match  string `yaml:"match"`
	Phrase string `yaml:"phrase"`
	Reply  string `yaml:"reply"`
}

// LoadRoutes reads a routing table from YAML. Sections left out of the file
// keep the built-in defaults.
func LoadRoutes(path string) ([]string, []nlu.Pattern, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}

	var r Routes
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, nil, fmt.Errorf("parse %s: %w", path, err)
	}

	phrases := r.Automation
	if phrases == nil {
		phrases = nlu.DefaultAutomationPhrases
	}

	if r.SmallTalk == nil {
		return phrases, nlu.DefaultSmallTalk, nil
	}

	patterns := make([]nlu.Pattern, 0, len(r.SmallTalk))
	for i, p := range r.SmallTalk {
		mode, err := nlu.ParseMatchMode(p.Match)
		if err != nil {
			return nil, nil, fmt.Errorf("%s: smalltalk[%d]: %w", path, i, err)
		}
		patterns = append(patterns, nlu.Pattern{ID: p.ID, Match: mode, Phrase: p.Phrase, Reply: p.Reply})
	}

	return phrases, patterns, nil
}

// Router builds the intent router from the routes file, if any, plus the
// extra phrases given on the command line.
func (c *Config) Router() (*nlu.Router, error) {
	phrases, patterns := nlu.DefaultAutomationPhrases, nlu.DefaultSmallTalk
	if c.RoutesFile != "" {
		var err error
		if phrases, patterns, err = LoadRoutes(c.RoutesFile); err != nil {
			return nil, err
		}
	}

	phrases = append(append([]string(nil), phrases...), c.Phrases...)
	return nlu.NewRouter(phrases, patterns, nlu.TemplateData{Assistant: c.Assistant})
}
