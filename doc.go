/*
Package pulsar is a TCP server framework built around a single event loop
and a fixed pool of request processing workers.

One goroutine owns every socket: it accepts clients, reads and validates
framed requests, writes responses with vectored writes, drives the periodic
tick and sequences graceful shutdown. Workers run application processors and
hand completed work back to the loop, so application code never touches a
socket.

Messages travel in a simple binary frame: a "MAI" preamble, a big-endian
protocol version, a big-endian payload size, then the payload. Version
0xFFFF is reserved for framework traffic: keep-alive probes, error reports,
and responses forwarded between cooperating servers on behalf of clients
connected elsewhere.

An application implements the core.Processor contract, registers it under a
protocol version, and sends responses through the runtime context it
receives with each request: single replies, multicasts to any set of client
handles, immediate updates that flush before returning, or disconnect
orders. Recipients on other servers are reached transparently through the
peer forwarding link.

A minimal server:

	reg := core.NewRegistry()
	reg.Register(1, config.DefaultVersionParams(), myProcessor{})

	cfg := config.Default()
	cfg.BindIP = "192.168.1.10"

	a, err := app.New(cfg, reg)
	if err != nil {
		log.Fatal(err)
	}
	if err := a.Run(); err != nil {
		log.Fatal(err)
	}

See examples/echo for a complete runnable server.
*/
package pulsar
