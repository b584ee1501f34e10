package truffle

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// Skill is one entry of the taxonomy: a canonical lowercase key, a
// display name, a domain, and lowercase aliases.
type Skill struct {
	Key     string   `json:"key"`
	Name    string   `json:"name"`
	Domain  string   `json:"domain"`
	Aliases []string `json:"aliases"`
}

// taxonomyFile is the on-disk JSON shape:
//
//	{"domain": "engineering", "skills": [{"key": "python", "name": "Python", "aliases": ["py"]}]}
//
// Fields are decoded loosely so validation can produce precise errors
// instead of opaque unmarshal failures.
type taxonomyFile struct {
	Domain json.RawMessage `json:"domain"`
	Skills json.RawMessage `json:"skills"`
}

type taxonomySkill struct {
	Key     json.RawMessage `json:"key"`
	Name    json.RawMessage `json:"name"`
	Aliases json.RawMessage `json:"aliases"`
}

// LoadTaxonomyFile parses and validates one taxonomy JSON file.
func LoadTaxonomyFile(path string) ([]Skill, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseTaxonomy(data)
}

// ParseTaxonomy parses and validates taxonomy JSON. It rejects missing
// fields, a non-list skills value, non-list aliases, and empty or
// non-string keys.
func ParseTaxonomy(data []byte) ([]Skill, error) {
	var file taxonomyFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("taxonomy: %w", err)
	}
	if file.Domain == nil {
		return nil, errors.New("taxonomy: missing required field \"domain\"")
	}
	var domain string
	if err := json.Unmarshal(file.Domain, &domain); err != nil {
		return nil, errors.New("taxonomy: \"domain\" must be a string")
	}
	if file.Skills == nil {
		return nil, errors.New("taxonomy: missing required field \"skills\"")
	}
	var rawSkills []taxonomySkill
	if err := json.Unmarshal(file.Skills, &rawSkills); err != nil {
		return nil, errors.New("taxonomy: \"skills\" must be a list")
	}

	skills := make([]Skill, 0, len(rawSkills))
	for i, raw := range rawSkills {
		if raw.Key == nil {
			return nil, fmt.Errorf("taxonomy: skill %d missing required field \"key\"", i)
		}
		if raw.Name == nil {
			return nil, fmt.Errorf("taxonomy: skill %d missing required field \"name\"", i)
		}
		if raw.Aliases == nil {
			return nil, fmt.Errorf("taxonomy: skill %d missing required field \"aliases\"", i)
		}
		var key string
		if err := json.Unmarshal(raw.Key, &key); err != nil || key == "" {
			return nil, fmt.Errorf("taxonomy: skill %d \"key\" must be a non-empty string", i)
		}
		var name string
		if err := json.Unmarshal(raw.Name, &name); err != nil {
			return nil, fmt.Errorf("taxonomy: skill %d \"name\" must be a string", i)
		}
		var aliases []string
		if err := json.Unmarshal(raw.Aliases, &aliases); err != nil {
			return nil, fmt.Errorf("taxonomy: skill %d \"aliases\" must be a list", i)
		}
		skills = append(skills, Skill{Key: key, Name: name, Domain: domain, Aliases: aliases})
	}
	return skills, nil
}

// LoadTaxonomyDir loads every *.json file in dir, in filename order.
// Invalid files are skipped; their errors are joined into the returned
// error alongside the skills from the files that did parse.
func LoadTaxonomyDir(dir string) ([]Skill, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)

	var skills []Skill
	var errs []error
	for _, path := range paths {
		fileSkills, err := LoadTaxonomyFile(path)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", filepath.Base(path), err))
			continue
		}
		skills = append(skills, fileSkills...)
	}
	return skills, errors.Join(errs...)
}
