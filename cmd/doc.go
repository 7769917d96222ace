// Package cmd contains the standalone binaries.
//
//   - studyd: the multi-party study coordinator daemon
//   - demo-cli: a CLI that drives a complete study scenario against a
//     running coordinator
//
// Shared configuration loading lives in cmd/common.
package cmd
