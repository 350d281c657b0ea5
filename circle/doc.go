// Package circle manages circles: MLS groups used for location sharing,
// together with their local bookkeeping.
//
// A Manager owns an mls.Manager and a storage.Store as siblings and keeps
// them consistent. It implements the circle lifecycle:
//
//   - CreateCircle creates the group, finalizes it and records an accepted
//     membership. The returned welcome rumors must be gift-wrapped and
//     published by the caller.
//   - ProcessInvitation records an incoming welcome as a pending
//     membership.
//   - AcceptInvitation and DeclineInvitation move a pending membership to
//     accepted or declined. Any other starting state is a conflict.
//   - LeaveCircle produces the leave proposal to publish and then removes
//     all local state of the circle.
//
// Declined circles stay in the database, hidden from ListCircles, so that
// a repeated invitation to the same group is recognized and reopened.
//
// Member lists combine the pubkeys reported by the group with local
// contacts, which are never published.
package circle
