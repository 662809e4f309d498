// Package replication implements the slave side of Redis replication.
//
// Handshake is a pure state machine: it is fed master replies and returns
// the next commands to write, so the owner of the connection decides when
// I/O happens. Link owns the TCP connection to the master and turns the
// byte stream into Events: reply and command frames, and the snapshot
// payload that follows FULLRESYNC.
//
// Basic usage:
//
//	link, err := replication.Dial(ctx, "localhost:6379", replication.LinkConfig{})
//	hs := replication.NewHandshake(6380)
//	link.Send(hs.Start())
//	for ev := range link.Events() {
//		switch ev.Kind {
//		case replication.EventFrame:
//			if !hs.Complete() {
//				next, err := hs.Interpret(ev.Value)
//				// send next ...
//			}
//		case replication.EventSnapshot:
//			// decode ev.Snapshot
//		}
//	}
package replication
