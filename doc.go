// Package subkeys maintains a sorted, paginable secondary ordering over
// records held in a remote key-value store whose native reads return data in
// unspecified order and cap single-record payload size.
//
// For a parent record key and a caller-chosen sort key type, the index keeps
// an external ordering of child record digests sorted by the sort key. The
// ordering is stored as a doubly linked chain of BLOCKS: records each holding
// a key-ordered map of sortKey -> [expiryEpochMs, digest] plus "next"/"prev"
// pointer bins. A single ROOT MAP record summarizes the chain as
// minKeyInBlock -> blockId, so the block holding any sort key is found with
// one read: the entry with the greatest key not above the wanted one.
//
// Blocks are capped at MaxElementsPerBlock entries. An insert pushing a block
// past the cap splits it in two, the first half keeping the original id and
// linking forward to the second; the second points back so reverse scans
// work. Because the maps inside blocks are ordered and adjacent blocks hold
// strictly ordered key ranges, a range read is a walk within a block followed
// by hops along the chain.
//
// All structural mutation of one block is serialized by a record-level
// advisory lock (package lock) riding the store's atomic multi-op, so no
// global transaction is needed. Root-map maintenance uses idempotent map
// operations and takes no lock.
//
// Concrete store backends implement the contract in package store; package
// aerospike adapts the real client and package inmemory backs the tests.
package subkeys
