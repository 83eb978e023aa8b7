package tuya

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
)

// SignMethod is the value sent in the sign_method header.
const SignMethod = "HMAC-SHA256"

// SignInput holds everything that goes into a request signature.
// AccessToken is empty for the token-issuing call.
type SignInput struct {
	ClientID    string
	Secret      string
	Method      string
	Path        string // path including the query string, e.g. "/v1.0/token?grant_type=1"
	Body        string
	AccessToken string
	Timestamp   int64 // milliseconds since epoch
}

// Signature is the result of Sign: the uppercase hex MAC and the timestamp
// string that must be sent in the t header.
type Signature struct {
	Sign string
	T    string
}

// Sign builds the canonical string
//
//	clientID + accessToken + t + method + "\n" + sha256(body) + "\n\n" + path
//
// and returns its HMAC-SHA256 under the secret, hex encoded in uppercase.
func Sign(in SignInput) Signature {
	t := strconv.FormatInt(in.Timestamp, 10)

	digest := sha256.Sum256([]byte(in.Body))

	var sb strings.Builder
	sb.WriteString(in.ClientID)
	sb.WriteString(in.AccessToken)
	sb.WriteString(t)
	sb.WriteString(in.Method)
	sb.WriteString("\n")
	sb.WriteString(hex.EncodeToString(digest[:]))
	sb.WriteString("\n\n")
	sb.WriteString(in.Path)

	mac := hmac.New(sha256.New, []byte(in.Secret))
	mac.Write([]byte(sb.String()))

	return Signature{
		Sign: strings.ToUpper(hex.EncodeToString(mac.Sum(nil))),
		T:    t,
	}
}
