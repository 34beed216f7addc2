// Package chat implements the signed HTTP sender and the WebSocket
// listener for the chat gateway the bot lives in.
package chat

import (
	"crypto"
	"crypto/md5"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	mrand "math/rand"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Config carries the gateway identity and endpoints.
type Config struct {
	BaseURL        string
	WSURL          string
	PersonUID      string
	DeviceID       string
	SignatureJWT   string
	AppVersion     string
	Channel        string
	Platform       string
	DefaultArea    string
	DefaultChannel string
	PrivateKeyPEM  string
}

// signer produces the per-request signature headers the gateway checks.
type signer struct {
	cfg        Config
	privateKey *rsa.PrivateKey
}

func newSigner(cfg Config) (*signer, error) {
	key, err := parsePrivateKey(cfg.PrivateKeyPEM)
	if err != nil {
		return nil, err
	}
	return &signer{cfg: cfg, privateKey: key}, nil
}

func parsePrivateKey(pemData string) (*rsa.PrivateKey, error) {
	if pemData == "" {
		// No configured key: generate a throwaway one so local runs
		// without gateway credentials still start.
		key, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			return nil, fmt.Errorf("generate fallback key: %w", err)
		}
		return key, nil
	}

	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, fmt.Errorf("parse private key: no PEM block")
	}

	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("parse private key: not an RSA key")
	}
	return key, nil
}

// headers signs urlPath+body and returns the full gateway header set.
// The signed payload is md5(path+body) concatenated with the millisecond
// timestamp.
func (s *signer) headers(urlPath, body string) (map[string]string, error) {
	timestamp := strconv.FormatInt(time.Now().UnixMilli(), 10)

	sum := md5.Sum([]byte(urlPath + body))
	payload := hex.EncodeToString(sum[:]) + timestamp

	digest := sha256.Sum256([]byte(payload))
	sig, err := rsa.SignPKCS1v15(rand.Reader, s.privateKey, crypto.SHA256, digest[:])
	if err != nil {
		return nil, fmt.Errorf("sign request: %w", err)
	}

	return map[string]string{
		"Oopz-Sign":               base64.StdEncoding.EncodeToString(sig),
		"Oopz-Request-Id":         uuid.NewString(),
		"Oopz-Time":               timestamp,
		"Oopz-App-Version-Number": s.cfg.AppVersion,
		"Oopz-Channel":            s.cfg.Channel,
		"Oopz-Device-Id":          s.cfg.DeviceID,
		"Oopz-Platform":           s.cfg.Platform,
		"Oopz-Web":                "true",
		"Oopz-Person":             s.cfg.PersonUID,
		"Oopz-Signature":          s.cfg.SignatureJWT,
	}, nil
}

// clientMessageID builds a 15-digit message id in the gateway's native
// format: 13 digits of microsecond timestamp plus 2 random digits.
func clientMessageID() string {
	base := time.Now().UnixMicro() % 1e13
	return strconv.FormatInt(base*100+int64(10+mrand.Intn(90)), 10)
}
