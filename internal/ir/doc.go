// Package ir provides the record types shared by every replication package.
//
// This package contains the change record, snapshot and content hash
// definitions plus the canonical encoding used to derive record identity.
// All other internal packages import ir; ir imports nothing internal.
//
// Key design constraints:
//   - A record's Hash is derived from its document, dependencies and payload,
//     never from CreatedAt
//   - Dependencies are a set: always sorted and de-duplicated
//   - CreatedAt is stamped by the store that persists a record and is
//     strictly increasing per store
//   - All JSON tags use snake_case
package ir
