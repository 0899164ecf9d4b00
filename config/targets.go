package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Format declares how the entries of a target list are to be interpreted.
// A list is homogeneous: every entry is either a handle or a numeric id.
type Format string

const (
	// FormatScreenName means entries are human-readable handles.
	FormatScreenName Format = "screen_name"

	// FormatUserID means entries are numeric account ids.
	FormatUserID Format = "user_id"
)

// Valid reports whether f is one of the supported formats.
func (f Format) Valid() bool {
	return f == FormatScreenName || f == FormatUserID
}

// TargetList is the parsed target-list file.
type TargetList struct {
	Format Format   `json:"format" yaml:"format"`
	Users  []string `json:"users" yaml:"users"`
}

// LoadTargetList reads and validates a target-list file. JSON is assumed
// unless the file extension is .yaml or .yml. Schema violations are
// configuration errors.
func LoadTargetList(path string) (*TargetList, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: reading target list %s: %v", ErrConfig, path, err)
	}

	list := &TargetList{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, list); err != nil {
			return nil, fmt.Errorf("%w: parsing target list %s: %v", ErrConfig, path, err)
		}
	default:
		if err := json.Unmarshal(data, list); err != nil {
			return nil, fmt.Errorf("%w: parsing target list %s: %v", ErrConfig, path, err)
		}
	}

	if err := list.validate(); err != nil {
		return nil, err
	}
	return list, nil
}

func (l *TargetList) validate() error {
	if !l.Format.Valid() {
		return fmt.Errorf("%w: invalid target list format %q, expected %q or %q",
			ErrConfig, l.Format, FormatScreenName, FormatUserID)
	}
	if len(l.Users) == 0 {
		return fmt.Errorf("%w: target list has no users", ErrConfig)
	}
	for i, u := range l.Users {
		if strings.TrimSpace(u) == "" {
			return fmt.Errorf("%w: target list entry %d is empty", ErrConfig, i)
		}
	}
	return nil
}
