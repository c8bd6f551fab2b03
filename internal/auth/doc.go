// Package auth implements companion device pairing and token lifecycle.
//
// # Pairing
//
// At most one pairing session is live at a time. GeneratePIN issues a
// 6-digit numeric credential, GenerateQRPayload a 64-hex-character one
// wrapped in a QR payload:
//
//	{"type":"pilot-companion","version":1,"host":"192.168.1.20","port":9443,"token":"<hex>"}
//
// Both expire after PairingTTL and both are checked by the same equality
// test in Pair. Any new generation call replaces the previous session.
//
// # Tokens
//
// A successful Pair mints an AuthToken (uuid session id, 96-hex secret),
// persists the whole set through a TokenStore before returning, and clears
// the pairing session. ValidateToken refreshes LastSeen; RevokeDevice
// deletes every token for a session and fires revoke hooks so live
// sockets can be closed immediately.
//
// FileTokenStore writes a JSON array:
//
//	[{"sessionId":"...","token":"...","deviceName":"Pixel","createdAt":1700000000000,"lastSeen":1700000000000}]
//
// # Admin API Tokens
//
// The loopback admin API authenticates with HS256 JWTs whose subject is
// AdminSubject:
//
//	verifier, err := NewJWTVerifier(secret)
//	token, err := verifier.Generate(AdminSubject, time.Hour)
//	mux.Handle("/admin/", HTTPAuthMiddleware(verifier)(handler))
package auth
