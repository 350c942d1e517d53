package core

const (
	// Name is the daemon's canonical name as reported over the wire.
	Name = "voxd"

	// Version is the daemon release version.
	Version = "0.9.2"

	// ProtocolVersion identifies the JSON-RPC surface revision.
	ProtocolVersion = "1"
)
