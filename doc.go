// Package authcore implements the authentication core of the product: login
// with progressive lockout, JWT access tokens with rotating opaque refresh
// tokens bound to a client fingerprint, email-verified signup staged in
// Redis, and a multi-step password reset flow.
//
// Engine methods are safe to call from multiple goroutines after
// initialization through [Builder.Build].
//
// # Architecture boundaries
//
// authcore is the public surface. It exposes [Engine], [Builder], [Config],
// the [UserStore] and [Mailer] contracts, and value types. Flow coordination,
// staged-record codecs, rate limiting, and audit dispatch are implementation
// details and stay unexported.
//
// Durable user state lives behind [UserStore]; everything the Engine writes
// to Redis is reconstructible or expendable. Redis loss degrades abuse
// controls and logs everyone out, but never loses an account.
//
// # What this package must NOT do
//
//   - Expose Redis clients, stores, or record encodings in its public API.
//   - Render HTTP responses or read cookies; that is the httpapi package.
//   - Store raw one-time codes, passwords, IPs, or User-Agent strings in
//     Redis. Codes and fingerprints are hashed first.
package authcore
