package main

import (
	"log/slog"

	"github.com/Zereker/msgnet"
)

// msgType is the demo chat protocol.
type msgType uint32

const (
	serverAccept msgType = iota
	serverDeny
	serverPing
	messageAll
	serverMessage
)

func (t msgType) String() string {
	switch t {
	case serverAccept:
		return "ServerAccept"
	case serverDeny:
		return "ServerDeny"
	case serverPing:
		return "ServerPing"
	case messageAll:
		return "MessageAll"
	case serverMessage:
		return "ServerMessage"
	default:
		return "Unknown"
	}
}

// chatServer accepts everyone, bounces pings and relays MessageAll requests
// to the other clients tagged with the sender's ID.
type chatServer struct {
	msgnet.BaseHandler[msgType]

	server *msgnet.Server[msgType]
	logger *slog.Logger
}

func (h *chatServer) OnClientConnect(conn *msgnet.Conn[msgType]) bool {
	// Queued now, written as soon as the handshake completes.
	_ = conn.Send(msgnet.NewMessage(serverAccept))
	return true
}

func (h *chatServer) OnClientValidated(conn *msgnet.Conn[msgType]) {
	h.logger.Info("client validated", "id", conn.ID(), "session", conn.Session())
}

func (h *chatServer) OnClientDisconnect(conn *msgnet.Conn[msgType]) {
	h.logger.Info("removing client", "id", conn.ID())
}

func (h *chatServer) OnMessage(conn *msgnet.Conn[msgType], msg *msgnet.Message[msgType]) {
	switch msg.Header.ID {
	case serverPing:
		h.logger.Info("server ping", "id", conn.ID())
		h.server.MessageClient(conn, *msg)

	case messageAll:
		h.logger.Info("message all", "id", conn.ID())
		out := msgnet.NewMessage(serverMessage)
		if err := out.Push(conn.ID()); err != nil {
			h.logger.Error("build message", "error", err)
			return
		}
		h.server.MessageAllClients(out, conn)

	default:
		h.logger.Debug("unexpected message", "id", conn.ID(), "type", msg.Header.ID)
	}
}
