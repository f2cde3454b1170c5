// Package interrupt suspends runs that need a human decision and resumes
// them once the decision arrives.
//
// A suspension is a PendingApproval plus a checkpoint cursor stored on the
// session. Resume validates the decision, applies the effect and clears
// the record inside one locked read-modify-write, so a session never shows
// an applied effect that still looks pending. Failed validation or a failed
// apply leaves the session exactly as it was.
package interrupt
