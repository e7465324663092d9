package bybit

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// Sign produces the v5 request signature:
// HMAC-SHA256(secret, timestamp + apiKey + recvWindow + payload), where
// payload is the query string for GETs and the JSON body for POSTs.
func Sign(secret, ts, apiKey, recvWindow, payload string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts + apiKey + recvWindow + payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// SignWS produces the private-stream auth signature:
// HMAC-SHA256(secret, "GET/realtime" + expires).
func SignWS(secret, expires string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte("GET/realtime" + expires))
	return hex.EncodeToString(mac.Sum(nil))
}
