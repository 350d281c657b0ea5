// Package giftwrap implements the three-layer envelope used to deliver MLS
// welcomes.
//
//	rumor (kind 444, unsigned)
//	  -> seal (kind 13, signed by the sender, encrypted to the recipient)
//	    -> gift wrap (kind 1059, signed by a one-time key, p-tagged)
//
// Only the gift wrap is public. Its key is generated per wrap and its
// timestamp is moved by a random offset of up to 48 hours in either
// direction, so relays learn neither the sender nor when the invitation was
// made. The seal authenticates the sender to the recipient.
package giftwrap
