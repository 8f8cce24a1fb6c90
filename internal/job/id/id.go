// Package id provides unique identifier generation for jobs.
package id

import "github.com/google/uuid"

// Prefix marks identifiers minted by the facade so they are never confused
// with downstream prompt ids.
const Prefix = "job-"

// Generate creates a new unique job ID.
// Format: job-<uuid v4>
// Example: job-3f0c2a4e-8d7b-4c1e-9a57-0b6a1f2d9c11
func Generate() string {
	return Prefix + uuid.NewString()
}

// Valid reports whether s looks like an ID produced by Generate.
func Valid(s string) bool {
	if len(s) <= len(Prefix) || s[:len(Prefix)] != Prefix {
		return false
	}
	_, err := uuid.Parse(s[len(Prefix):])
	return err == nil
}
