package rpc

import (
	"context"
	"net/http"
	"time"

	"nhooyr.io/websocket"

	"gridmesh/observability"
	"gridmesh/observability/logging"
	"gridmesh/protocol"
	"gridmesh/registry"
)

const registerDeadline = 10 * time.Second

// handleNodeChannel upgrades the connection and runs the per-node receive
// loop. The first frame must be a register; everything after flows through
// the registry and scheduler. The handler returns only when the connection
// dies, at which point the node identity is parked for reconnect.
func (s *Server) handleNodeChannel(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	conn := registry.NewConn(ws)

	registerCtx, cancel := context.WithTimeout(r.Context(), registerDeadline)
	first, err := conn.ReadFrame(registerCtx)
	cancel()
	if err != nil {
		conn.Close("no register frame")
		return
	}
	regFrame, ok := first.(*protocol.RegisterFrame)
	if !ok {
		_ = conn.Enqueue(protocol.ErrorFrame{
			Type: protocol.TypeError, Code: "register_required",
			Message: "first frame must be register",
		})
		conn.Close("protocol violation")
		return
	}
	observability.Orchestrator().RecordFrame(protocol.TypeRegister, "in")

	nodeID, token, reattached := s.reg.Register(conn, regFrame)
	if err := conn.Enqueue(protocol.RegisteredFrame{
		Type:      protocol.TypeRegistered,
		NodeID:    nodeID,
		AuthToken: token,
	}); err != nil {
		s.reg.Disconnect(nodeID)
		conn.Close("registered ack failed")
		return
	}
	observability.Orchestrator().RecordFrame(protocol.TypeRegistered, "out")
	s.logger.Info("node channel open", "node_id", nodeID, "reattached", reattached,
		logging.MaskField("reconnect_token", token))

	s.receiveLoop(r.Context(), conn, nodeID)

	s.reg.Disconnect(nodeID)
	conn.Close("channel closed")
	s.logger.Info("node channel closed", "node_id", nodeID)
}

func (s *Server) receiveLoop(ctx context.Context, conn *registry.Conn, nodeID string) {
	metrics := observability.Orchestrator()
	for {
		frame, err := conn.ReadFrame(ctx)
		if err != nil {
			return
		}
		switch f := frame.(type) {
		case *protocol.HeartbeatFrame:
			metrics.RecordFrame(protocol.TypeHeartbeat, "in")
			if err := s.reg.Heartbeat(nodeID, f.Available, f.CurrentJobs); err != nil {
				return
			}
		case *protocol.JobStatusFrame:
			s.queue.HandleStatus(nodeID, f)
		case *protocol.JobResultFrame:
			s.queue.HandleResult(nodeID, f)
		case *protocol.RegisterFrame:
			// Re-registering an open channel is a protocol violation.
			_ = conn.Enqueue(protocol.ErrorFrame{
				Type: protocol.TypeError, Code: "already_registered",
				Message: "channel already registered",
			})
		}
	}
}
