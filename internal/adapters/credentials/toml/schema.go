package toml

import "fmt"

const currentSchemaVersion = 1

type fileSchema struct {
	Version int          `toml:"version"`
	Actor   *actorSchema `toml:"actor,omitempty"`
}

func (s *fileSchema) applyDefaults() {
	if s.Version == 0 {
		s.Version = currentSchemaVersion
	}
}

func (s fileSchema) validateVersion() error {
	if s.Version > currentSchemaVersion {
		return fmt.Errorf("unsupported credentials schema version %d (current %d)", s.Version, currentSchemaVersion)
	}
	return nil
}

// actorSchema never holds the access token itself, only where to find it.
type actorSchema struct {
	ID        string `toml:"id"`
	AvatarRef string `toml:"avatar_ref,omitempty"`
	SecretRef string `toml:"secret_ref"`
	UpdatedAt string `toml:"updated_at"`
}
