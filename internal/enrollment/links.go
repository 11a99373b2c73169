package enrollment

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/url"
	"strings"

	"github.com/visionarychurch/followup/internal/models"
)

// ErrInvalidLink is returned for unsubscribe links with a bad signature.
var ErrInvalidLink = errors.New("invalid unsubscribe link")

// Links builds and verifies signed one-click unsubscribe links.
type Links struct {
	BaseURL string
	Secret  []byte
}

// NewLinks creates a link builder. An empty baseURL disables links.
func NewLinks(baseURL, secret string) Links {
	return Links{BaseURL: strings.TrimSpace(baseURL), Secret: []byte(secret)}
}

// URL returns the unsubscribe link for an enrollment's sequence, or "" when
// links are disabled or the enrollment has no contact.
func (l Links) URL(e *models.Enrollment) string {
	if l.BaseURL == "" || (e.Email == "" && e.Phone == "") {
		return ""
	}
	values := url.Values{}
	values.Set("t", e.TenantID)
	if e.Email != "" {
		values.Set("e", e.Email)
	}
	if e.Phone != "" {
		values.Set("p", e.Phone)
	}
	values.Set("s", e.SequenceID)
	values.Set("sig", l.sign(e.TenantID, e.Email, e.Phone, e.SequenceID))

	sep := "?"
	if strings.Contains(l.BaseURL, "?") {
		sep = "&"
	}
	return l.BaseURL + sep + values.Encode()
}

// Parse verifies a link's query and returns the request it encodes. A link
// always scopes the unsubscribe to its sequence unless all=1 is set.
func (l Links) Parse(values url.Values) (models.UnsubscribeRequest, error) {
	req := models.UnsubscribeRequest{
		TenantID:   values.Get("t"),
		Email:      values.Get("e"),
		Phone:      values.Get("p"),
		SequenceID: values.Get("s"),
	}
	expected := l.sign(req.TenantID, req.Email, req.Phone, req.SequenceID)
	got, err := hex.DecodeString(values.Get("sig"))
	if err != nil || len(l.Secret) == 0 {
		return models.UnsubscribeRequest{}, ErrInvalidLink
	}
	want, _ := hex.DecodeString(expected)
	if !hmac.Equal(got, want) {
		return models.UnsubscribeRequest{}, ErrInvalidLink
	}
	req.Global = values.Get("all") == "1"
	return req, nil
}

func (l Links) sign(parts ...string) string {
	mac := hmac.New(sha256.New, l.Secret)
	mac.Write([]byte(strings.Join(parts, "\x00")))
	return hex.EncodeToString(mac.Sum(nil))
}
