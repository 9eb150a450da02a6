// Package docsync is an offline-first document engine for classroom
// activities: a durable local store that answers every read and write,
// kept in sync with a remote store by interest-set-filtered live
// replication.
//
// The engine facade wires the pieces together. Reads and writes go to
// the local store with revision-token optimistic concurrency; the
// replication manager pulls and pushes changes for every registered
// logical database; the bus fans mutations out to typed subscribers;
// removal of referenced document types cascades through activity
// reference lists before tombstoning.
//
// A minimal session looks like this:
//
//	local, err := badgerstore.Open(dir, log)
//	remote := remotestore.New(remotestore.Config{URL: "wss://sync.example.org"})
//	engine, err := docsync.New(docsync.Config{Local: local, Remote: remote})
//	defer engine.Close()
//
//	sub := engine.Subscribe(document.TypeActivity)
//	for ev := range sub.Events() { ... }
package docsync
