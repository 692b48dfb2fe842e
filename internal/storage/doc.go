// Package storage is the persistent table of accepted alerts.
//
// It provides:
//   - Insert with cascading duplicate detection (serial + PLMN/LAC/CID scope)
//   - Delete / DeleteAll / MarkRead returning whether anything changed
//   - A read-only Provider for the generic query surface
//   - A Handle that background mutations acquire before touching the store
package storage
