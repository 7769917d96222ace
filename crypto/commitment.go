package crypto

import "time"

// CommitmentTimestamp canonicalizes a timestamp for inclusion in a
// commitment. Both the uploader and any later verifier must hash the
// exact same string, so the format is fixed: UTC RFC 3339 with
// nanoseconds.
func CommitmentTimestamp(ts time.Time) string {
	return ts.UTC().Format(time.RFC3339Nano)
}

// Commitment binds a ciphertext to the key it was produced under, the
// upload time, and the uploading institution. Deterministic: anyone
// holding the four inputs recomputes the same hash.
func Commitment(ciphertext []byte, keyFingerprint string, ts time.Time, institution string) string {
	return Sum256Hex(
		ciphertext,
		[]byte(keyFingerprint),
		[]byte(CommitmentTimestamp(ts)),
		[]byte(institution),
	)
}

// VerifyCommitment recomputes the commitment from the inputs and
// compares it to the claimed hash.
func VerifyCommitment(commitment string, ciphertext []byte, keyFingerprint string, ts time.Time, institution string) bool {
	return commitment == Commitment(ciphertext, keyFingerprint, ts, institution)
}

// KeyFingerprint derives the public fingerprint of a combined study
// key. Participants compare fingerprints out of band before encrypting
// against the key.
func KeyFingerprint(combinedKey []byte) string {
	return Sum256Hex(combinedKey)
}
