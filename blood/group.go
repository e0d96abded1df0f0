// Package blood defines the ABO/Rh blood groups and the transfusion
// compatibility table used to narrow candidate stock and donors.
package blood

import (
	"fmt"
	"strings"
)

// =============================================================================
// BLOOD GROUP
// =============================================================================

// Group is one of the eight canonical ABO/Rh groups.
type Group string

const (
	APos  Group = "A+"
	ANeg  Group = "A-"
	BPos  Group = "B+"
	BNeg  Group = "B-"
	ABPos Group = "AB+"
	ABNeg Group = "AB-"
	OPos  Group = "O+"
	ONeg  Group = "O-"
)

// Groups lists every canonical group in display order.
var Groups = []Group{APos, ANeg, BPos, BNeg, ABPos, ABNeg, OPos, ONeg}

func (g Group) String() string { return string(g) }

// Valid reports whether g is one of the canonical groups.
func (g Group) Valid() bool {
	_, ok := sources[g]
	return ok
}

// Parse normalises user input ("ab+ ", "o-") into a Group.
func Parse(s string) (Group, error) {
	g := Group(strings.ToUpper(strings.TrimSpace(s)))
	if !g.Valid() {
		return "", fmt.Errorf("unknown blood group %q", s)
	}
	return g, nil
}

// Slug is a URL and identifier friendly form: "AB-" becomes "ab-neg".
func (g Group) Slug() string {
	s := strings.ToLower(string(g))
	if rest, ok := strings.CutSuffix(s, "+"); ok {
		return rest + "-pos"
	}
	if rest, ok := strings.CutSuffix(s, "-"); ok {
		return rest + "-neg"
	}
	return s
}
