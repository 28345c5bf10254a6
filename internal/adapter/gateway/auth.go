package gateway

import (
	"sort"
	"strconv"
	"strings"

	"clawdash/internal/security"
)

// Identity bundles the connection-scoped fields that participate in the
// device signature. The signature binds the device key to this exact
// client/credential combination, so a captured assertion cannot be replayed
// under different parameters.
type Identity struct {
	ClientID string
	Mode     string
	Role     string
	Scopes   []string
	Token    string
}

// canonicalString builds the signed payload. Fields are joined with "|" in a
// fixed order; scopes are sorted and comma-joined so the string is stable
// regardless of configuration order. The leading tag is "v1" for plain
// assertions and "v2" when a server challenge nonce is bound in.
func canonicalString(id Identity, deviceID string, signedAt int64, nonce string) string {
	scopes := append([]string(nil), id.Scopes...)
	sort.Strings(scopes)

	tag := "v1"
	if nonce != "" {
		tag = "v2"
	}

	fields := []string{
		tag,
		deviceID,
		id.ClientID,
		id.Mode,
		id.Role,
		strings.Join(scopes, ","),
		strconv.FormatInt(signedAt, 10),
		id.Token,
	}
	if nonce != "" {
		fields = append(fields, nonce)
	}
	return strings.Join(fields, "|")
}

// buildDeviceAuth signs the canonical string and assembles the device block
// for the connect params. signedAt is unix milliseconds.
func buildDeviceAuth(signer security.Signer, id Identity, signedAt int64, nonce string) *DeviceAuth {
	payload := canonicalString(id, signer.DeviceID(), signedAt, nonce)
	return &DeviceAuth{
		ID:        signer.DeviceID(),
		PublicKey: signer.PublicKey(),
		Signature: signer.Sign([]byte(payload)),
		SignedAt:  signedAt,
		Nonce:     nonce,
	}
}
