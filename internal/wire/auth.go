package wire

import "crypto/sha1"

// NativePasswordHash computes the mysql_native_password response:
// SHA1(password) XOR SHA1(authData ++ SHA1(SHA1(password))).
// An empty password yields an empty response, matching anonymous auth.
func NativePasswordHash(password string, authData []byte) []byte {
	if password == "" {
		return nil
	}
	pwHash := sha1.Sum([]byte(password))
	pwHashHash := sha1.Sum(pwHash[:])

	h := sha1.New()
	h.Write(authData)
	h.Write(pwHashHash[:])
	challengeHash := h.Sum(nil)

	out := make([]byte, len(pwHash))
	for i := range out {
		out[i] = pwHash[i] ^ challengeHash[i]
	}
	return out
}
