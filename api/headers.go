package api

import (
	"math/rand"

	"github.com/google/uuid"
)

// bearerToken is the public web-client bearer; authentication proper rides
// on the session cookies.
const bearerToken = "AAAAAAAAAAAAAAAAAAAAANRILgAAAAAAnNwIzUejRCOuH5E6I8xnZz4puTs%3D1Zv7ttfk8LF81IUq16cHjhLTvJu4FA33AGWWjCpTnA"

// newTransactionID mints a per-request x-client-transaction-id. A fresh
// random id per request matches what the web client sends.
func newTransactionID() string {
	return uuid.NewString()
}

// forwardedForPool holds addresses from ranges of large consumer ISPs. One
// is picked per request when the x-xp-forwarded-for header is enabled.
var forwardedForPool = []string{
	"73.162.14.82",
	"98.97.176.21",
	"71.202.99.137",
	"67.180.51.204",
	"24.130.245.9",
	"76.102.12.158",
	"50.175.216.44",
	"174.194.131.76",
}

func forwardedForAddr() string {
	return forwardedForPool[rand.Intn(len(forwardedForPool))]
}
