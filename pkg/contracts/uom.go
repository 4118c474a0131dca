package contracts

// Canonical unit-of-measure codes. Raw source units are normalized into this
// set during extraction; unknown units keep their raw token and carry an
// UNKNOWN_UOM warning.
const (
	UoMPiece      = "ST"
	UoMMeter      = "M"
	UoMCentimeter = "CM"
	UoMMillimeter = "MM"
	UoMKilogram   = "KG"
	UoMGram       = "G"
	UoMLiter      = "L"
	UoMMilliliter = "ML"
	UoMCarton     = "KAR"
	UoMPallet     = "PAL"
	UoMSet        = "SET"
)

var canonicalUoM = map[string]struct{}{
	UoMPiece: {}, UoMMeter: {}, UoMCentimeter: {}, UoMMillimeter: {},
	UoMKilogram: {}, UoMGram: {}, UoMLiter: {}, UoMMilliliter: {},
	UoMCarton: {}, UoMPallet: {}, UoMSet: {},
}

// IsCanonicalUoM reports whether code belongs to the canonical set.
func IsCanonicalUoM(code string) bool {
	_, ok := canonicalUoM[code]
	return ok
}

// CanonicalUoMCodes returns the canonical set in stable order.
func CanonicalUoMCodes() []string {
	return []string{
		UoMPiece, UoMMeter, UoMCentimeter, UoMMillimeter, UoMKilogram,
		UoMGram, UoMLiter, UoMMilliliter, UoMCarton, UoMPallet, UoMSet,
	}
}
