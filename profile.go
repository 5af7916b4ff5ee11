package blehost

// Profile is a snapshot of a registered attribute table: the service
// tree plus the handles the stack assigned to it. It is what gets
// cached or dumped for diagnostics.
type Profile struct {
	Services []ServiceProfile `json:"services"`
}

type ServiceProfile struct {
	UUID            string                  `json:"uuid"`
	Characteristics []CharacteristicProfile `json:"characteristics"`
}

type CharacteristicProfile struct {
	UUID        string              `json:"uuid"`
	Properties  uint16              `json:"properties"`
	ValueHandle uint16              `json:"value_handle"`
	Descriptors []DescriptorProfile `json:"descriptors,omitempty"`
}

type DescriptorProfile struct {
	UUID   string `json:"uuid"`
	Handle uint16 `json:"handle"`
}

// ProfileCache persists registered profiles keyed by adapter address.
type ProfileCache interface {
	Store(addr Addr, p Profile, replace bool) error
	Load(addr Addr) (Profile, error)
	Clear() error
}
