package structs

import (
	"os"
	"strings"

	"github.com/carfigures/carfigures"
	"github.com/carfigures/carfigures/lang"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const (
	DefaultCollectibleSingular = "car"
	DefaultBotName             = "CarFigures"
	DefaultCommandPrefix       = "c."
)

// Appearance holds the configurable wording the bot uses.
type Appearance struct {
	BotName             string `yaml:"bot-name"`
	CollectibleSingular string `yaml:"collectible-singular"`
	CollectiblePlural   string `yaml:"collectible-plural"`
	CommandPrefix       string `yaml:"prefix"`
}

// DefaultAppearance returns the built-in wording.
func DefaultAppearance() Appearance {
	a := Appearance{}
	a.fill()
	return a
}

func (a *Appearance) fill() {
	if a.BotName == "" {
		a.BotName = DefaultBotName
	}
	if a.CollectibleSingular = strings.TrimSpace(a.CollectibleSingular); a.CollectibleSingular == "" {
		a.CollectibleSingular = DefaultCollectibleSingular
	}
	if a.CollectiblePlural = strings.TrimSpace(a.CollectiblePlural); a.CollectiblePlural == "" {
		a.CollectiblePlural = lang.Plural(a.CollectibleSingular)
	}
	if a.CommandPrefix == "" {
		a.CommandPrefix = DefaultCommandPrefix
	}
}

type settingsFile struct {
	Appearance Appearance `yaml:"appearance"`
	Owners     []string   `yaml:"owners"`
	Channels   []string   `yaml:"channels"`
}

// Settings is the content of the YAML settings file.
type Settings struct {
	Appearance Appearance
	// Owners are the admins allowed to run operator commands. Empty means
	// every admin.
	Owners []string
	// Channels replace the configured console channels when not empty.
	Channels []string
}

// LoadSettings reads path. A missing file yields the defaults.
func LoadSettings(path string) (*Settings, error) {
	f := settingsFile{}
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		b = nil
	} else if err != nil {
		return nil, carfigures.WithStack(err)
	}
	if len(b) > 0 {
		if err := yaml.Unmarshal(b, &f); err != nil {
			return nil, errors.Wrapf(err, "parsing %q", path)
		}
	}
	f.Appearance.fill()
	return &Settings{
		Appearance: f.Appearance,
		Owners:     f.Owners,
		Channels:   f.Channels,
	}, nil
}
