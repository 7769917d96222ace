// Package crypto provides the hashing primitives the study protocol is
// built on: SHA3-256 digests, upload commitments, and public key
// fingerprints.
//
// Everything here is deterministic and side-effect free. Commitments in
// particular must be reproducible by any third party holding the inputs;
// the server never learns more than the ciphertext and the hash.
package crypto
