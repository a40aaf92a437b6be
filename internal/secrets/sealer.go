package secrets

// Sealer protects the environment bindings embedded in a paused execution
// snapshot. Seal is called before the record is written, Unseal when a
// resume rehydrates it. Bindings live unencrypted in memory only.
type Sealer interface {
	Seal(env map[string]string) ([]byte, error)
	Unseal(sealed []byte) (map[string]string, error)
}

// Plaintext is a Sealer that stores bindings unencrypted. Suitable only for
// tests and embedders that provide encryption at a lower layer.
type Plaintext struct{}

func (Plaintext) Seal(env map[string]string) ([]byte, error) {
	return marshalEnv(env)
}

func (Plaintext) Unseal(sealed []byte) (map[string]string, error) {
	return unmarshalEnv(sealed)
}
