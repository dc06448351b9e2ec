// Package identity manages account credentials and the token classes that
// gate access to an account: email verification tokens, password reset codes,
// access tokens and refresh sessions.
//
// Account lifecycle:
//   - Accounts carry an AccountStatus persisted via Bun. New accounts start
//     UNVERIFIED, move to ACTIVE once a verification token is confirmed and may
//     toggle between ACTIVE and INACTIVE. DELETED is terminal.
//   - AccountStateMachine owns the transition graph. Status writes are
//     compare-and-set so a stale transition fails instead of overwriting a
//     concurrent one.
//
// Token invariants:
//   - At most one ACTIVE verification token and one ACTIVE reset code exist
//     per account. Issuing a new one deactivates the previous one inside the
//     same transaction, and a partial unique index backs the rule.
//   - Refresh sessions are single use. Refresh deletes the presented session
//     and creates its replacement atomically.
//
// Notifications:
//   - Delivery runs in the background through a Notifier. Failures are logged
//     and never roll back the token that was issued.
//
// Request authentication:
//   - Resolver turns a bearer token into a Principal. Use WithPrincipal and
//     PrincipalFromContext to scope it to a request, or the jwtware middleware
//     for fiber apps.
package identity
