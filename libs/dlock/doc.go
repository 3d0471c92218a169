// Package dlock provides a lease-backed distributed mutex. The lease store's
// atomic claim is the cross-process guarantee; the in-process map only tracks
// which tokens this process owns so that unlocking is always an owner check.
// A holder that dies mid-section stops blocking the key once its lease TTL
// runs out.
package dlock
