// Package pool provides the small set of reusable-object pools the runtime
// needs off its hot paths: a shared BytePool for self-pipe drain scratch
// reads, and a generic SyncPool wrapper the hook package uses to
// recycle condition-timer witnesses across retry iterations.
package pool
