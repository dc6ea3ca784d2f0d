// Package privacy shapes owner contact details before they leave the
// service. Everything here is pure.
package privacy

import "strings"

// Prefix lengths kept visible when masking a phone number.
const (
	SearchPrefix  = 2
	ProfilePrefix = 3
)

const maskedShort = "****"

// Visibility selects how much of a contact is disclosed.
type Visibility int

const (
	// Masked hides the middle of the phone number.
	Masked Visibility = iota
	// Full discloses the contact verbatim.
	Full
)

func (v Visibility) String() string {
	if v == Full {
		return "full"
	}
	return "masked"
}

// MaskPhone keeps the first keepPrefix and the last two characters of
// phone and replaces the rest with '*'. Numbers shorter than four
// characters are fully hidden. The prefix is shortened when needed so at
// least one character is always masked.
func MaskPhone(phone string, keepPrefix int) string {
	r := []rune(phone)
	if len(r) < 4 {
		return maskedShort
	}
	keep := min(max(keepPrefix, 0), len(r)-3)
	var b strings.Builder
	b.WriteString(string(r[:keep]))
	b.WriteString(strings.Repeat("*", len(r)-keep-2))
	b.WriteString(string(r[len(r)-2:]))
	return b.String()
}

// Contact is the owner information attached to a subject.
type Contact struct {
	OwnerName  string
	OwnerPhone string
}

// Shape returns c as it may be disclosed under v. An absent phone stays
// absent.
func Shape(c Contact, v Visibility, keepPrefix int) Contact {
	if v == Full || c.OwnerPhone == "" {
		return c
	}
	c.OwnerPhone = MaskPhone(c.OwnerPhone, keepPrefix)
	return c
}
