package accounting

import (
	"encoding/json"
	"fmt"
	"os"
)

// LocationInfo is one entry of the location configuration file.
type LocationInfo struct {
	ObjectID    string `json:"objectId"`
	Type        string `json:"type,omitempty"`
	IsTransient bool   `json:"isTransient,omitempty"`
	IsCold      bool   `json:"isCold,omitempty"`
}

// Locations maps location names to their configuration.
// A nil or empty Locations resolves every name to itself.
type Locations map[string]LocationInfo

// LoadLocations reads a location configuration file (JSON object keyed by name).
func LoadLocations(path string) (Locations, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read location config: %w", err)
	}
	locs := Locations{}
	if err := json.Unmarshal(data, &locs); err != nil {
		return nil, fmt.Errorf("parse location config: %w", err)
	}
	return locs, nil
}

// Resolve returns the key a location is accounted under. Unknown locations are
// rejected once a configuration is loaded.
func (l Locations) Resolve(name string) (string, bool) {
	if name == "" {
		return "", false
	}
	if len(l) == 0 {
		return name, true
	}
	info, ok := l[name]
	if !ok {
		return "", false
	}
	if info.ObjectID == "" {
		return name, true
	}
	return info.ObjectID, true
}

// IsTransient reports whether the named location is configured as transient.
func (l Locations) IsTransient(name string) bool {
	return l[name].IsTransient
}
