package store

// Cipher transforms snapshot bytes before they leave the process and back
// again on the way in. The object backend applies it to every stored
// object; what the transformation is stays the caller's business.
type Cipher interface {
	Seal(plain []byte) ([]byte, error)
	Open(sealed []byte) ([]byte, error)
}

// NoopCipher stores bytes exactly as given.
type NoopCipher struct{}

func (NoopCipher) Seal(plain []byte) ([]byte, error)  { return plain, nil }
func (NoopCipher) Open(sealed []byte) ([]byte, error) { return sealed, nil }
