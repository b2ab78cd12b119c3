package proof

import "regexp"

// cidPattern matches the two CID forms the network accepts: CIDv0
// ("Qm" + 44 base58 chars) and CIDv1 ("baf" + at least 56 base32 chars).
// Every CID taken from the network — inside a challenge, a commitment, an
// announcement, a popularity list — is checked against this before it is
// ever embedded in a URL or file path, so a malicious peer cannot smuggle
// path traversal or header injection through a "CID" field.
var cidPattern = regexp.MustCompile(`^(Qm[1-9A-HJ-NP-Za-km-z]{44}|baf[0-9a-zA-Z]{56,})$`)

// ValidCID reports whether s is a well-formed content identifier.
func ValidCID(s string) bool {
	return cidPattern.MatchString(s)
}
