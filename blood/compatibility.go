package blood

// =============================================================================
// COMPATIBILITY RESOLVER
// =============================================================================
//
// sources maps a recipient group to every group medically permitted to
// supply it. O- supplies everyone; AB+ receives from everyone.
var sources = map[Group][]Group{
	APos:  {APos, ANeg, OPos, ONeg},
	ANeg:  {ANeg, ONeg},
	BPos:  {BPos, BNeg, OPos, ONeg},
	BNeg:  {BNeg, ONeg},
	ABPos: {APos, ANeg, BPos, BNeg, ABPos, ABNeg, OPos, ONeg},
	ABNeg: {ANeg, BNeg, ABNeg, ONeg},
	OPos:  {OPos, ONeg},
	ONeg:  {ONeg},
}

// Compatible returns the groups that may supply recipient, in canonical
// order. An unknown recipient yields an empty slice, never a wildcard.
// The returned slice is owned by the caller.
func Compatible(recipient Group) []Group {
	src := sources[recipient]
	out := make([]Group, len(src))
	copy(out, src)
	return out
}

// CanSupply reports whether source may be transfused to recipient.
func CanSupply(source, recipient Group) bool {
	for _, g := range sources[recipient] {
		if g == source {
			return true
		}
	}
	return false
}
