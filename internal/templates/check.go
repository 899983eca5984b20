package templates

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/arranger-ai/arranger/internal/core"
)

// CheckResult is the validation outcome for one manifest entry.
type CheckResult struct {
	ID   string
	Path string
	Err  error
}

// CheckDir validates every template a manifest references without
// registering anything. The doctor and `templates validate` report from
// this. A missing manifest yields no results and no error.
func CheckDir(dir string) ([]CheckResult, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, core.NewStoreFailure("read template manifest", err)
	}
	var m manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, core.NewDefinitionInvalid("template manifest is malformed").WithCause(err)
	}

	results := make([]CheckResult, 0, len(m.Templates))
	for _, desc := range m.Templates {
		res := CheckResult{ID: desc.ID, Path: desc.Path}
		if desc.Path == "" {
			res.Err = core.NewDefinitionInvalid("manifest entry has no path")
			results = append(results, res)
			continue
		}
		path := desc.Path
		if !filepath.IsAbs(path) {
			path = filepath.Join(dir, path)
		}
		def, err := loadDefinition(path)
		if err != nil {
			res.Err = err
			results = append(results, res)
			continue
		}
		if desc.ID != "" && desc.ID != def.ID {
			res.Err = core.NewDefinitionInvalid("manifest id does not match definition id " + def.ID)
		}
		res.ID = def.ID
		results = append(results, res)
	}
	return results, nil
}
