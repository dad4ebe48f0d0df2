package core

import (
	"github.com/atuldpatil/pulsar/config"
	"github.com/atuldpatil/pulsar/core/frame"
	"github.com/atuldpatil/pulsar/logger"
)

// specialVersionParams sizes the framework version. A forwarded frame
// carries a full recipient list plus an inner payload of up to the largest
// response any version may produce, and the link is symmetric, so the
// request and response limits are the same.
func specialVersionParams() config.VersionParams {
	return config.VersionParams{
		MaxRequestSize:  frame.SpecialMaxPayloadSize,
		MaxResponseSize: frame.SpecialMaxPayloadSize,
	}
}

// forwardedProcessor serves the framework version on every worker. Its
// requests are responses a peer server forwarded here for clients of this
// server: decode the recipient list, pair the registration numbers with
// this server's address again, queue the inner payload for the local
// recipients, and acknowledge the peer over the link it used.
type forwardedProcessor struct{}

func newForwardedProcessor() Processor { return forwardedProcessor{} }

func (forwardedProcessor) Clone() Processor { return forwardedProcessor{} }

func (forwardedProcessor) ProcessRequest(ctx *Context) bool {
	// Peer links speak continuously; keep the receive allocation between
	// frames.
	ctx.SetStreamingMode(true)

	fwd, err := frame.DecodeForwarded(ctx.Payload())
	if err != nil {
		ctx.fan.log.Error("dropping malformed forwarded response",
			logger.Field{Key: "error", Value: err.Error()},
			logger.Field{Key: "peer", Value: ctx.Handle().String()})
		return false
	}

	server := ctx.Handle().ServerIPv4
	handles := make([]ClientHandle, len(fwd.Registrations))
	for i, reg := range fwd.Registrations {
		handles[i] = ClientHandle{Registration: reg, ServerIPv4: server}
	}

	// Recipients may have disconnected since the peer sent this; delivery
	// failures must not cost the link every other client depends on.
	if err := ctx.Multicast(handles, fwd.Payload, fwd.SenderVersion); err != nil {
		ctx.fan.log.Error("delivering forwarded response failed",
			logger.Field{Key: "error", Value: err.Error()},
			logger.Field{Key: "sender_version", Value: fwd.SenderVersion},
			logger.Field{Key: "recipients", Value: len(handles)})
	}

	if err := ctx.SendResponse(ctx.Handle(), []byte{ResponseAckOfForwarded}, frame.SpecialVersion); err != nil {
		ctx.fan.log.Error("queueing forwarded-response ack failed",
			logger.Field{Key: "error", Value: err.Error()})
	}

	return true
}

// ProcessDisconnection has nothing to release: peer links hold no
// application state on this side.
func (forwardedProcessor) ProcessDisconnection(handle ClientHandle, sessionData any) {}
