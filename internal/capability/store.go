package capability

import (
	"encoding/json"
	"fmt"
	"os"
)

// Store loads capability profiles from durable storage.
type Store interface {
	// LoadAll returns every stored profile keyed by model id.
	LoadAll() (map[string]*Profile, error)
}

// FileStore reads profiles from a single JSON file: either an array of
// profiles or a {model_id: profile} object. The file is written by the
// out-of-band teaching tooling; the proxy never writes it.
type FileStore struct {
	path string
}

// NewFileStore creates a store backed by path. The file may not exist yet;
// LoadAll then returns an empty map.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the backing file path.
func (s *FileStore) Path() string { return s.path }

// LoadAll implements Store.
func (s *FileStore) LoadAll() (map[string]*Profile, error) {
	if s.path == "" {
		return map[string]*Profile{}, nil
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]*Profile{}, nil
		}
		return nil, fmt.Errorf("read profile store: %w", err)
	}
	return decodeProfiles(data)
}

func decodeProfiles(data []byte) (map[string]*Profile, error) {
	var list []*Profile
	if err := json.Unmarshal(data, &list); err == nil {
		out := make(map[string]*Profile, len(list))
		for _, p := range list {
			if p == nil || p.ModelID == "" {
				continue
			}
			if err := checkProfile(p); err != nil {
				return nil, err
			}
			out[p.ModelID] = p
		}
		return out, nil
	}

	var byID map[string]*Profile
	if err := json.Unmarshal(data, &byID); err != nil {
		return nil, fmt.Errorf("parse profile store: %w", err)
	}
	out := make(map[string]*Profile, len(byID))
	for id, p := range byID {
		if p == nil {
			continue
		}
		if p.ModelID == "" {
			p.ModelID = id
		}
		if err := checkProfile(p); err != nil {
			return nil, err
		}
		out[p.ModelID] = p
	}
	return out, nil
}

func checkProfile(p *Profile) error {
	if p.Format == "" {
		p.Format = WireNativeStructured
	}
	if !ValidWireFormat(p.Format) {
		return fmt.Errorf("profile %s: unknown wire format %q", p.ModelID, p.Format)
	}
	return nil
}
