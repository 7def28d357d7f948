package fusion

import (
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/claims-cli/internal/model"
)

// LoadFields returns the field registry to fuse against. An empty path
// yields the built-in schema; otherwise the YAML file at path replaces it.
func LoadFields(path string) (*model.FieldRegistry, error) {
	if path == "" {
		return model.DefaultFields(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "fusion: read fields file %s", path)
	}

	var specs []model.FieldSpec
	if err := yaml.Unmarshal(data, &specs); err != nil {
		return nil, eris.Wrapf(err, "fusion: parse fields file %s", path)
	}
	if len(specs) == 0 {
		return nil, eris.Errorf("fusion: fields file %s declares no fields", path)
	}

	for _, s := range specs {
		if s.Key == "" {
			return nil, eris.Errorf("fusion: fields file %s has a field with no key", path)
		}
		switch s.Type {
		case model.FieldTypeString, model.FieldTypeNumber, model.FieldTypeDate, "":
		default:
			return nil, eris.Errorf("fusion: field %s has unknown type %q", s.Key, s.Type)
		}
		switch s.Prefer {
		case model.SourceEmail, model.SourceOCR, "":
		default:
			return nil, eris.Errorf("fusion: field %s has unknown preference %q", s.Key, s.Prefer)
		}
	}

	return model.NewFieldRegistry(specs), nil
}
