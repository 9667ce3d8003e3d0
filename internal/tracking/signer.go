package tracking

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"strings"
)

// ErrBadSignature is returned when a tracking link fails verification.
var ErrBadSignature = errors.New("invalid tracking signature")

// Signer signs and verifies the opaque data segment of open/click links so
// pixel hits cannot be forged for arbitrary recipients.
type Signer struct {
	key []byte
}

func NewSigner(key string) *Signer {
	return &Signer{key: []byte(key)}
}

// LinkData identifies the recipient a beacon belongs to. URL is set for
// click links only.
type LinkData struct {
	CampaignID string
	ContactID  string
	URL        string
}

// Sign encodes d and returns the data and signature path segments.
func (s *Signer) Sign(d LinkData) (data, sig string) {
	raw := d.CampaignID + "|" + d.ContactID
	if d.URL != "" {
		raw += "|" + d.URL
	}
	data = base64.RawURLEncoding.EncodeToString([]byte(raw))
	return data, s.mac(data)
}

// Verify checks sig against data and decodes it.
func (s *Signer) Verify(data, sig string) (LinkData, error) {
	if !hmac.Equal([]byte(s.mac(data)), []byte(sig)) {
		return LinkData{}, ErrBadSignature
	}
	decoded, err := base64.RawURLEncoding.DecodeString(data)
	if err != nil {
		return LinkData{}, ErrBadSignature
	}
	parts := strings.SplitN(string(decoded), "|", 3)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return LinkData{}, ErrBadSignature
	}
	d := LinkData{CampaignID: parts[0], ContactID: parts[1]}
	if len(parts) == 3 {
		d.URL = parts[2]
	}
	return d, nil
}

func (s *Signer) mac(data string) string {
	h := hmac.New(sha256.New, s.key)
	h.Write([]byte(data))
	return base64.RawURLEncoding.EncodeToString(h.Sum(nil)[:16])
}
