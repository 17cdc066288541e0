// Package auth supplies credentials for API calls and stream opens.
//
// The chat core treats credentials as opaque: it attaches them to requests
// and reports authorization failures, but never stores, refreshes, or mints
// them. An external auth layer implements TokenSource; when a session fails
// with an authorization error, that layer is expected to obtain a fresh
// credential and reconnect.
//
// The one concession to practicality is CheckExpiry: a credential that is
// recognizably a JWT with a past exp claim is rejected locally, avoiding a
// doomed round trip.
package auth
