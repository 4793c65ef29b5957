package model

import "time"

// DefaultRestPath is the APIv3 REST endpoint of a stock CiviCRM install.
const DefaultRestPath = "/civicrm/extern/rest.php"

// Settings is the locally persisted, non-secret configuration.
type Settings struct {
	BackendURL     string
	APIVersion     ProtocolVersion
	SiteKey        string
	RestPath       string
	GracePeriod    time.Duration
	SortOrder      string
	ShowPastEvents bool
	ConfigLocked   bool
	AutoValidate   bool
}

// DefaultSettings returns the settings used when nothing is stored.
func DefaultSettings() Settings {
	return Settings{
		APIVersion:  ProtocolV4,
		RestPath:    DefaultRestPath,
		GracePeriod: 30 * time.Minute,
		SortOrder:   "name_asc",
	}
}

// Connection returns the per-connection wire parameters derived from s.
func (s Settings) Connection() Connection {
	restPath := s.RestPath
	if restPath == "" {
		restPath = DefaultRestPath
	}
	return Connection{
		BackendURL: s.BackendURL,
		Version:    s.APIVersion,
		SiteKey:    s.SiteKey,
		RestPath:   restPath,
	}
}

// Connection holds the parameters fixed for the lifetime of one backend client.
type Connection struct {
	BackendURL string
	Version    ProtocolVersion
	SiteKey    string
	RestPath   string
}
