// Package server exposes the study orchestrator as a JSON REST API.
//
// All protocol decisions live in the services and protocol packages;
// this package only decodes requests, calls the orchestrator, and maps
// its typed errors to status codes: validation failures to 400,
// unknown ids to 404, state conflicts to 409, and computation or
// storage failures to 500.
package server
