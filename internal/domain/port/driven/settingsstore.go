package driven

import "context"

// Setting keys persisted by SettingsStore.
const (
	SettingBackendURL     = "backend_url"
	SettingAPIVersion     = "api_version"
	SettingSiteKey        = "site_key"
	SettingRestPath       = "rest_path"
	SettingGracePeriod    = "grace_period_minutes"
	SettingSortOrder      = "sort_order"
	SettingShowPastEvents = "show_past_events"
	SettingConfigLocked   = "config_locked"
	SettingAutoValidate   = "auto_validate"
)

// SettingsStore defines the driven port for the local key-value settings.
type SettingsStore interface {
	// Get returns the value for key. ok is false when the key is not set.
	Get(ctx context.Context, key string) (value string, ok bool, err error)

	// All returns every stored key-value pair.
	All(ctx context.Context) (map[string]string, error)

	// Set stores or replaces the value for key.
	Set(ctx context.Context, key, value string) error

	// SetMany stores every pair in one transaction.
	SetMany(ctx context.Context, values map[string]string) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// DeleteAll removes every stored setting.
	DeleteAll(ctx context.Context) error
}
