/*
Package types provides the shared data model for the farmcc compile cluster.

It defines the contracts between the request dispatcher, the artifact store
and the build runners: the 128-bit compilation Digest, the parsed FlagSet
with its cacheable/non-cacheable flag buckets, and the terminal BuildStatus
of a request.

# Data Flow

	┌─────────────────────────────────────────────┐
	│              Client (driver)                │
	│        parsed flags + preprocessed TU       │
	└─────────────────────────────────────────────┘
	                      │ FlagSet
	┌─────────────────────────────────────────────┐
	│               Dispatcher                    │
	│          (internal/dispatch)                │
	└─────────────────────────────────────────────┘
	          │ Digest        │ BuildStatus
	┌─────────┴───────┐ ┌─────┴─────────────────┐
	│  Artifact Store │ │  Build Runners        │
	│ (internal/store)│ │  (internal/build)     │
	└─────────────────┘ └───────────────────────┘

The Digest is a pure function of the preprocessed source bytes, the sorted
cacheable flags and the compiler identity; output paths and host-local flags
never influence it. See internal/fingerprint for the hashing itself.
*/
package types
