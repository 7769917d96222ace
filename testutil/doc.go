// Package testutil provides test doubles for the protocol's external
// collaborators (computation engine, key aggregator, share combiner)
// and small fixture helpers shared across package tests.
package testutil
