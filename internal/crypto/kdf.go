package crypto

import (
	"crypto/rand"

	"golang.org/x/crypto/argon2"
)

type KDFParams struct {
	M    uint32
	T    uint32
	P    uint8
	Salt []byte
}

// DefaultDeviceKDF returns argon2id parameters for sealing the file-backed
// device key on hosts without an OS keyring. 64 MiB keeps unlock under a
// second on modest hardware while staying memory-hard.
func DefaultDeviceKDF() KDFParams {
	salt := make([]byte, 32)
	_, _ = rand.Read(salt)
	return KDFParams{M: 64 * 1024, T: 3, P: 4, Salt: salt}
}

func DeriveKEK(passphrase []byte, p KDFParams) (kek [32]byte) {
	key := argon2.IDKey(passphrase, p.Salt, p.T, p.M, p.P, 32)
	copy(kek[:], key)
	Zero(key)
	return
}
