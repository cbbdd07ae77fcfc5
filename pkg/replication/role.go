package replication

// Role names the kind of peer on the other end of a session.
type Role string

const (
	RoleDataServer        Role = "ds"
	RoleReplicationServer Role = "rs"
	RoleECL               Role = "ecl"
)

func (r Role) String() string { return string(r) }

// roleStrategy holds what differs between data server and replication
// server peers.
type roleStrategy interface {
	role() Role
	// wants reports whether an update that arrived from origin is
	// forwarded to this peer. A nil origin is a local update.
	wants(origin *ServerHandler) bool
}

type dataServerRole struct{}

func (dataServerRole) role() Role { return RoleDataServer }

// A data server receives every change it did not send itself.
func (dataServerRole) wants(*ServerHandler) bool { return true }

type replicationServerRole struct{}

func (replicationServerRole) role() Role { return RoleReplicationServer }

// Replication servers are fully meshed and each forwards the changes of its
// own data servers to every other one, so updates learned from another
// replication server are not relayed.
func (replicationServerRole) wants(origin *ServerHandler) bool {
	return origin == nil || origin.Role() != RoleReplicationServer
}
