package identity

// PolicySetting is one resolved device-management setting: the definition
// id it came from and the typed value the management service configured.
type PolicySetting struct {
	Key     string `json:"key" cbor:"key"`
	Value   any    `json:"value,omitempty" cbor:"value,omitempty"`
	Enabled bool   `json:"enabled" cbor:"enabled"`
}

// Policy is one device-management policy assigned to a principal, with its
// settings already loaded and flattened.
type Policy struct {
	ID       string          `json:"id" cbor:"id"`
	Name     string          `json:"name" cbor:"name"`
	Settings []PolicySetting `json:"settings,omitempty" cbor:"settings,omitempty"`
}
