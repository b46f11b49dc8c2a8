// Package transfer moves whole files between the local disk and a bucket.
//
// Manager downloads into a .partial file that is checksummed while it is
// written and renamed into place only after it matches the object's MD5 (or
// CRC32C for composite objects). Uploads above the resumable threshold go
// through a resumable session that SessionStore persists, so a crashed or
// interrupted upload of an unchanged file picks up where it stopped.
package transfer
