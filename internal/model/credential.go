package model

import "strconv"

// Tier distinguishes quota-limited keys from the paid fallback key.
type Tier int

const (
	// TierStandard is a regular, quota-limited credential.
	TierStandard Tier = iota
	// TierPremium is the paid fallback credential.
	TierPremium
)

func (t Tier) String() string {
	if t == TierPremium {
		return "premium"
	}
	return "standard"
}

// CredentialSlot is one credential usable to authenticate a provider call.
// Index is the position among standard slots; the premium slot uses -1.
type CredentialSlot struct {
	Index    int    `json:"index"`
	Tier     Tier   `json:"tier"`
	Key      string `json:"-"`
	Failures int    `json:"failures"`
}

// Premium reports whether the slot is the premium slot.
func (s CredentialSlot) Premium() bool {
	return s.Tier == TierPremium
}

// Label returns a log-friendly identity that never contains the key.
func (s CredentialSlot) Label() string {
	if s.Premium() {
		return "premium"
	}
	return "standard-" + strconv.Itoa(s.Index+1)
}
