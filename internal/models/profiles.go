package models

import (
	"io"
	"os"
	"strings"
	"sync"

	"github.com/goccy/go-yaml"
)

// Profile describes how a model marks its internal reasoning on the wire.
// When SupportsThinking is false all four tag strings are empty and the
// thinking parser is a pass-through.
type Profile struct {
	Name             string `yaml:"name"`
	SupportsThinking bool   `yaml:"supports_thinking"`
	ThinkStart       string `yaml:"think_start"`
	ThinkEnd         string `yaml:"think_end"`
	ResponseStart    string `yaml:"response_start"`
	ResponseEnd      string `yaml:"response_end"`
}

// ResponseStartTerminatesThinking reports whether this profile never emits a
// closing thinking tag: the gpt-oss family ends its analysis channel by
// opening the response region directly.
func (p Profile) ResponseStartTerminatesThinking() bool {
	return p.SupportsThinking && p.ThinkEnd == "" && p.ResponseStart != ""
}

// profilesFile is the YAML shape of the model profiles config file.
type profilesFile struct {
	Profiles []Profile `yaml:"profiles"`
}

// Registry resolves model ids and names to tag profiles.
// Lookups are by exact name first, then by substring family match, so
// "deepseek-r1-distill-qwen-7b" resolves through the "deepseek-r1" entry.
type Registry struct {
	mu       sync.RWMutex
	profiles map[string]Profile
	families []Profile
}

// NewRegistry creates a registry seeded with the built-in profiles.
func NewRegistry() *Registry {
	r := &Registry{
		profiles: make(map[string]Profile),
	}
	for _, p := range builtinProfiles {
		r.add(p)
	}
	return r
}

var builtinProfiles = []Profile{
	{
		Name:             "deepseek-r1",
		SupportsThinking: true,
		ThinkStart:       "<think>",
		ThinkEnd:         "</think>",
	},
	{
		Name:             "qwen3",
		SupportsThinking: true,
		ThinkStart:       "<think>",
		ThinkEnd:         "</think>",
	},
	{
		Name:             "gpt-oss",
		SupportsThinking: true,
		ThinkStart:       "<|channel|>analysis<|message|>",
		ResponseStart:    "<|channel|>final<|message|>",
		ResponseEnd:      "<|return|>",
	},
}

func (r *Registry) add(p Profile) {
	name := strings.ToLower(p.Name)
	r.profiles[name] = p
	r.families = append(r.families, p)
}

// LoadFile merges profiles from a YAML file into the registry.
// A missing file is not an error: the built-ins remain in effect.
func (r *Registry) LoadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()
	return r.Load(f)
}

// Load merges profiles from a YAML reader into the registry.
func (r *Registry) Load(reader io.Reader) error {
	var file profilesFile
	if err := yaml.NewDecoder(reader).Decode(&file); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range file.Profiles {
		r.add(p)
	}
	return nil
}

// Resolve returns the profile for a model id or name.
// Unknown models get a non-thinking pass-through profile.
func (r *Registry) Resolve(model string) Profile {
	r.mu.RLock()
	defer r.mu.RUnlock()

	key := strings.ToLower(strings.TrimSpace(model))
	if p, ok := r.profiles[key]; ok {
		return p
	}

	for _, p := range r.families {
		if strings.Contains(key, strings.ToLower(p.Name)) {
			return p
		}
	}

	return Profile{Name: model}
}

// Reset drops every file-loaded and built-in entry, then re-seeds the
// built-ins. Called on logout as part of the global flush.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.profiles = make(map[string]Profile)
	r.families = nil
	for _, p := range builtinProfiles {
		r.add(p)
	}
}
