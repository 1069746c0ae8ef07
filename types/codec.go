package types

// Codec is the narrow interface the core uses to talk to pluggable
// validation/serialization backends. The engine never depends on a
// specific library; one Codec implementation exists per backend.
type Codec interface {
	// Validate decodes raw bytes into target and reports structural or
	// constraint failures as a *ValidationError.
	Validate(raw []byte, target interface{}) error
	// Serialize converts a handler return value into wire bytes for the
	// given media type.
	Serialize(value interface{}, mediaType string) ([]byte, error)
	MediaType() string
}
