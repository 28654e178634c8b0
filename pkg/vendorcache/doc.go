// Package vendorcache gates rebuilds of the development vendor bundle on a
// fingerprint of the pinned dependency versions.
//
// The fingerprint is a SHA-256 digest over the sorted, deduplicated include
// list paired with the versions declared in package.json. It is persisted as
// plain text in <outputPath>/<name>_hash. A missing, unreadable or different
// fingerprint means the vendor bundle is stale and is rebuilt through the
// configured Builder; the new fingerprint is written only after the build
// succeeds.
//
// Concurrent checks of the same fingerprint file within one process share a
// single build. Concurrent processes against the same output directory are
// not coordinated.
package vendorcache
