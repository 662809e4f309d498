package server

import (
	"errors"

	"github.com/raniellyferreira/redis-kv-server/command"
	"github.com/raniellyferreira/redis-kv-server/config"
	"github.com/raniellyferreira/redis-kv-server/rdb"
	"github.com/raniellyferreira/redis-kv-server/replication"
)

// masterLink is the slave's side of replication: the connection to the
// master and the handshake driving it
type masterLink struct {
	link      *replication.Link
	handshake *replication.Handshake
	slave     *config.Slave
}

// connectMaster dials the master and sends the opening PING. Failure is
// logged and leaves the server running without a master link.
func (s *Server) connectMaster(slave *config.Slave) *masterLink {
	link, err := replication.Dial(s.ctx, slave.Addr(), replication.LinkConfig{
		ConnectTimeout: s.cfg.ConnectTimeout,
		WriteTimeout:   s.cfg.WriteTimeout,
		Logger:         s.logger,
	})
	if err != nil {
		s.logger.Error("Failed to connect to master", "addr", slave.Addr(), "error", err)
		return nil
	}

	m := &masterLink{
		link:      link,
		handshake: replication.NewHandshake(s.config.Port),
		slave:     slave,
	}

	if err := link.Send(m.handshake.Start()); err != nil {
		s.logger.Error("Failed to send PING to master", "error", err)
		link.Close()
		return nil
	}
	s.logger.Debug("Handshake started", "state", m.handshake.State().String())

	return m
}

// serveMaster drains events from the master link
func (s *Server) serveMaster() bool {
	worked := false
	for n := 0; n < framesPerTick && s.master != nil; n++ {
		select {
		case ev := <-s.master.link.Events():
			worked = true
			s.handleMasterEvent(ev)
		default:
			return worked
		}
	}
	return worked
}

func (s *Server) handleMasterEvent(ev replication.Event) {
	m := s.master

	switch ev.Kind {
	case replication.EventFrame:
		if !m.handshake.Complete() {
			s.advanceHandshake(ev)
			return
		}
		s.applyReplicated(ev)

	case replication.EventSnapshot:
		s.loadSnapshot(ev.Snapshot)

	case replication.EventClosed:
		s.logger.Error("Master link closed", "addr", m.link.Addr(), "error", ev.Err)
		m.link.Close()
		s.master = nil
	}
}

// advanceHandshake feeds a master reply to the handshake and sends whatever
// it emits. A rejected reply is logged; nothing is sent back.
func (s *Server) advanceHandshake(ev replication.Event) {
	m := s.master

	out, err := m.handshake.Interpret(ev.Value)
	if err != nil {
		var herr *replication.HandshakeError
		if errors.As(err, &herr) {
			s.logger.Error("Unexpected handshake reply", "state", herr.State.String(), "reply", herr.Reply)
		} else {
			s.logger.Error("Handshake failed", "error", err)
		}
		return
	}

	for _, cmd := range out {
		if err := m.link.Send(cmd); err != nil {
			s.logger.Error("Failed to send to master", "error", err)
			return
		}
	}

	if m.handshake.Complete() {
		m.slave.MasterReplID = m.handshake.ReplID()
		m.slave.ReplOffset = m.handshake.Offset()
		s.logger.Info("Handshake complete", "replid", m.slave.MasterReplID, "offset", m.slave.ReplOffset)
	} else {
		s.logger.Debug("Handshake advanced", "state", m.handshake.State().String())
	}
}

// loadSnapshot replaces the store contents with the master's snapshot. An
// empty snapshot clears the store; an undecodable one leaves it untouched.
func (s *Server) loadSnapshot(data []byte) {
	entries, err := rdb.Decode(data)
	switch {
	case err == nil:
	case errors.Is(err, rdb.ErrNoKeyValueSection):
		entries = nil
	default:
		s.logger.Error("Failed to decode master snapshot", "size", len(data), "error", err)
		return
	}

	s.store.Flush()
	s.store.Load(entries)
	s.logger.Info("Master snapshot loaded", "size", len(data), "keys", len(entries))
}

// applyReplicated runs a streamed command against the local store. Replies
// are discarded and the processed offset advances by the frame size.
func (s *Server) applyReplicated(ev replication.Event) {
	s.interp.Interpret(ev.Value, command.FallbackOK)

	m := s.master
	m.slave.ReplOffset += int64(ev.Size)
	s.cfg.Metrics.ReplicationOffset(m.slave.ReplOffset)
}
