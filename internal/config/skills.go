package config

import (
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/000haoji/deep-student-sub006/internal/apperr"
	"github.com/000haoji/deep-student-sub006/internal/logging"
)

// SkillProfile defines an agent skill loaded from a YAML file. Skills give
// worker agents their system prompt and tool allowlist.
type SkillProfile struct {
	ID           string   `yaml:"id"`
	Name         string   `yaml:"name"`
	Role         string   `yaml:"role"` // coordinator | worker
	SystemPrompt string   `yaml:"system_prompt"`
	Tools        []string `yaml:"tools"`
	ModelRole    string   `yaml:"model_role,omitempty"` // assignment key, defaults to "chat"
}

// LoadSkills reads every *.yaml file in dir. A missing directory yields an
// empty slice, not an error.
func LoadSkills(dir string) ([]SkillProfile, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.FileSystem("config.LoadSkills", err)
	}

	var skills []SkillProfile
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || (!strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml")) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, apperr.FileSystem("config.LoadSkills", err)
		}
		var skill SkillProfile
		if err := yaml.Unmarshal(data, &skill); err != nil {
			return nil, apperr.Wrap(apperr.KindConfiguration, "config.LoadSkills", err,
				"skill file %s is malformed", name)
		}
		if skill.ID == "" {
			skill.ID = strings.TrimSuffix(strings.TrimSuffix(name, ".yaml"), ".yml")
		}
		if skill.ModelRole == "" {
			skill.ModelRole = "chat"
		}
		skills = append(skills, skill)
	}
	logging.BootDebug("loaded %d skill profiles from %s", len(skills), dir)
	return skills, nil
}
