// Package model defines data structures for charcache.
//
// This package contains:
//   - CharacterizationRecord: characterization text + embedding for a media item
//   - Config: cache configuration
//   - JSON-RPC 2.0: request/response/error structures
package model
