package crypto

// Zero overwrites key material in place. Portable; no madvise tricks.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

func Zero32(b *[32]byte) {
	for i := range b {
		b[i] = 0
	}
}
