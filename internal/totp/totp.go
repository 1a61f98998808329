// Package totp generates the one-time codes surfaced next to login
// credentials during autofill. It consumes otpauth:// URIs stored in item
// content; bare base32 secrets are accepted too since older items carry
// those.
package totp

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base32"
	"encoding/binary"
	"errors"
	"fmt"
	"hash"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultPeriod = 30 * time.Second
	DefaultDigits = 6
)

var (
	ErrNotTOTP       = errors.New("totp: uri is not an otpauth totp uri")
	ErrMissingSecret = errors.New("totp: uri has no secret")
	ErrBadSecret     = errors.New("totp: secret is not valid base32")
)

// Params is a parsed otpauth:// configuration.
type Params struct {
	Secret    []byte
	Issuer    string
	Account   string
	Digits    int
	Period    time.Duration
	Algorithm func() hash.Hash
}

// Parse accepts either a full otpauth://totp/ URI or a bare base32 secret
// and returns generation parameters with defaults filled in.
func Parse(raw string) (Params, error) {
	raw = strings.TrimSpace(raw)
	if !strings.Contains(raw, "://") {
		secret, err := decodeSecret(raw)
		if err != nil {
			return Params{}, ErrBadSecret
		}
		return Params{Secret: secret, Digits: DefaultDigits, Period: DefaultPeriod, Algorithm: sha1.New}, nil
	}

	u, err := url.Parse(raw)
	if err != nil {
		return Params{}, fmt.Errorf("totp: %w", err)
	}
	if u.Scheme != "otpauth" || u.Host != "totp" {
		return Params{}, ErrNotTOTP
	}
	q := u.Query()
	secretParam := q.Get("secret")
	if secretParam == "" {
		return Params{}, ErrMissingSecret
	}
	secret, err := decodeSecret(secretParam)
	if err != nil {
		return Params{}, ErrBadSecret
	}

	p := Params{
		Secret:    secret,
		Issuer:    q.Get("issuer"),
		Digits:    DefaultDigits,
		Period:    DefaultPeriod,
		Algorithm: sha1.New,
	}
	if label := strings.TrimPrefix(u.Path, "/"); label != "" {
		if issuer, account, ok := strings.Cut(label, ":"); ok {
			p.Account = account
			if p.Issuer == "" {
				p.Issuer = issuer
			}
		} else {
			p.Account = label
		}
	}
	if d, err := strconv.Atoi(q.Get("digits")); err == nil && d >= 6 && d <= 8 {
		p.Digits = d
	}
	if s, err := strconv.Atoi(q.Get("period")); err == nil && s > 0 {
		p.Period = time.Duration(s) * time.Second
	}
	switch strings.ToUpper(q.Get("algorithm")) {
	case "", "SHA1":
	case "SHA256":
		p.Algorithm = sha256.New
	case "SHA512":
		p.Algorithm = sha512.New
	default:
		return Params{}, fmt.Errorf("totp: unsupported algorithm %q", q.Get("algorithm"))
	}
	return p, nil
}

// Code returns the code valid at the given instant plus the seconds left
// before it rolls over.
func (p Params) Code(when time.Time) (string, int) {
	step := int64(p.Period / time.Second)
	if step <= 0 {
		step = int64(DefaultPeriod / time.Second)
	}
	counter := when.Unix() / step
	remaining := int(step - when.Unix()%step)
	return computeCode(p.Secret, uint64(counter), p.Digits, p.Algorithm), remaining
}

// Zero wipes the decoded secret.
func (p *Params) Zero() {
	for i := range p.Secret {
		p.Secret[i] = 0
	}
}

// GenerateCode is the one-shot path: parse, compute, wipe.
func GenerateCode(uri string, when time.Time) (string, int, error) {
	p, err := Parse(uri)
	if err != nil {
		return "", 0, err
	}
	defer p.Zero()
	code, remaining := p.Code(when)
	return code, remaining, nil
}

func computeCode(secret []byte, counter uint64, digits int, algo func() hash.Hash) string {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], counter)

	mac := hmac.New(algo, secret)
	mac.Write(buf[:])
	sum := mac.Sum(nil)

	offset := sum[len(sum)-1] & 0x0F
	trunc := binary.BigEndian.Uint32(sum[offset:offset+4]) & 0x7FFFFFFF

	mod := uint32(1)
	for i := 0; i < digits; i++ {
		mod *= 10
	}
	return fmt.Sprintf("%0*d", digits, trunc%mod)
}

func decodeSecret(secret string) ([]byte, error) {
	secret = strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(secret), " ", ""))
	decoder := base32.StdEncoding.WithPadding(base32.NoPadding)
	return decoder.DecodeString(strings.TrimRight(secret, "="))
}
