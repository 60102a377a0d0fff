// Package rhc implements the Randomized Header Channel: the anti-forgery
// token travels in one of several header names chosen per request, possibly
// mixed with decoy headers that the server never evaluates.
//
// The client side is a Generator (header -> token pools), a Selector per
// protocol level and, for the Dynamic-Adaptive level, a Shuffler that picks
// the subset of valid headers and mixes in the decoys. The server side is a
// Validator per level: a small state machine enforcing how many valid
// headers a request may carry and, for the Intermediate and Advanced
// levels, a strict allow-list of custom headers.
//
// All randomness flows through a Source. Production code uses CryptoSource;
// tests use NewSeededSource for reproducible draws.
package rhc
