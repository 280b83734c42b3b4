// Package storage is the persistence layer behind the session and
// broadcast services.
//
// It holds:
//   - per-tenant credential and key material
//   - persisted chats and messages
//   - messaging lists and their members
//   - broadcast history and list associations
package storage
