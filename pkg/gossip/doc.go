// Package gossip implements a heartbeat-gossip membership and failure
// detection subsystem. A node joins the group through a well-known
// introducer, then on every tick bumps its own heartbeat, evicts peers it
// has not heard fresh news about for RemoveTimeout ticks, and pushes its
// whole membership list to every peer it knows.
//
// The protocol core (Gossiper, MemberList, the wire codec) does no I/O of
// its own. It talks to three collaborators: a Transport that moves byte
// buffers between nodes, a Clock that hands out ticks, and an EventLogger
// that records membership adds and removes.
//
// Typical usage:
//
//	net := gossip.NewChannelTransport(0, 1)
//	g, _ := gossip.New(gossip.Config{
//		Self:       gossip.Address{ID: 2},
//		Introducer: gossip.Address{ID: 1},
//		Transport:  net,
//		Clock:      clock,
//	})
//	_ = g.Start(ctx)
//	for range ticker.C {
//		g.Tick(ctx)
//	}
//
// Tests and the simulator run on the in-process ChannelTransport; real
// deployments use UDPTransport or GRPCTransport.
package gossip
