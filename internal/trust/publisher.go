// Package trust verifies publisher signatures on uploaded packages. A
// valid detached signature over the manifest marks the package as coming
// from a trusted publisher; it never bypasses scanning.
package trust

import (
	"bytes"
	"fmt"
	"os"

	"github.com/ProtonMail/go-crypto/openpgp"
)

// Verifier holds the trusted publisher keyring.
type Verifier struct {
	keyring openpgp.EntityList
}

// NewVerifier creates a Verifier with an empty keyring.
func NewVerifier() *Verifier {
	return &Verifier{keyring: make(openpgp.EntityList, 0)}
}

// LoadKeyringFile imports publisher keys from an armored or binary
// keyring file.
func (v *Verifier) LoadKeyringFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open keyring: %w", err)
	}
	defer f.Close()

	entities, err := openpgp.ReadArmoredKeyRing(f)
	if err != nil {
		f.Seek(0, 0)
		entities, err = openpgp.ReadKeyRing(f)
		if err != nil {
			return fmt.Errorf("read keyring: %w", err)
		}
	}
	if len(entities) == 0 {
		return fmt.Errorf("no keys found in %s", path)
	}
	v.keyring = append(v.keyring, entities...)
	return nil
}

// AddKeys merges armored keys into the keyring.
func (v *Verifier) AddKeys(armored []byte) error {
	entities, err := openpgp.ReadArmoredKeyRing(bytes.NewReader(armored))
	if err != nil {
		return fmt.Errorf("read armored key: %w", err)
	}
	v.keyring = append(v.keyring, entities...)
	return nil
}

// KeyCount returns the number of trusted keys.
func (v *Verifier) KeyCount() int { return len(v.keyring) }

// VerifyManifest checks an armored detached signature over the manifest
// bytes against the trusted keyring. It returns the signing identity;
// any failure (or an empty keyring) simply means not trusted.
func (v *Verifier) VerifyManifest(manifest, armoredSig []byte) (string, bool) {
	if len(v.keyring) == 0 || len(manifest) == 0 || len(armoredSig) == 0 {
		return "", false
	}
	entity, err := openpgp.CheckArmoredDetachedSignature(
		v.keyring, bytes.NewReader(manifest), bytes.NewReader(armoredSig), nil)
	if err != nil || entity == nil {
		return "", false
	}
	for identity := range entity.Identities {
		return identity, true
	}
	return "", true
}
