/*
Package store implements the on-disk content-addressed artifact store with
bounded capacity and LRU eviction.

# Layout

Under the configured cache root:

	<cache_root>/
	├── lock                         ← advisory lock, one owning process
	└── objects/
	    └── <first-2-hex>/
	        └── <remaining-hex>      ← artifact payload, named by digest

# Write Path

Insertion is a two-phase reserve/commit protocol:

	┌──────────┐  Reserve(F, size)  ┌─────────────────┐
	│  caller  │ ─────────────────► │ eviction index  │  evict LRU until
	│          │ ◄───────────────── │ (under mutex)   │  size fits budget
	│          │    Reservation     └─────────────────┘
	│          │
	│          │  Commit(payload)      temp file + rename,
	│          │ ─────────────────►    then index insert
	└──────────┘

The index mutex is held only for index operations, never across file I/O.
Reservations are serialized, so reserve-plus-eviction is atomic with
respect to other reservations. Commit writes to a temp name in the target
shard directory and renames into place; a crash leaves no partial entry
visible, only a stray temp file that the next startup scan removes.

# Restart

Open rebuilds the eviction index by scanning the objects tree. Files whose
name does not parse as a digest or whose size is invalid are deleted.
Recency across restarts is approximated by filesystem modification time;
within a process all timestamps are monotonic.
*/
package store
