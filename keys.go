package efsvault

// generateFileKey returns a fresh random 256-bit per-file key. It is never
// persisted in clear; only its wrapping (see KeyWrap) is written to the
// catalog.
func generateFileKey() ([]byte, error) {
	return randomBytes(keySize)
}
