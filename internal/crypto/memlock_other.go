//go:build !linux && !darwin

package crypto

func LockMemory([]byte) error   { return nil }
func UnlockMemory([]byte) error { return nil }
