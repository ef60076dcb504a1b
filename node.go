package nodeidentifier

import (
	"fmt"
	"strconv"
)

// NodeKind enumerates the variants of Node. The numeric values are part of the
// wire encoding; do not reorder them.
type NodeKind uint8

const (
	KindUnknown NodeKind = iota
	KindAsset
	KindProcess
	KindFile
	KindConnection
)

func (k NodeKind) String() string {
	switch k {
	case KindAsset:
		return "asset"
	case KindProcess:
		return "process"
	case KindFile:
		return "file"
	case KindConnection:
		return "connection"
	default:
		return "unknown(" + strconv.Itoa(int(k)) + ")"
	}
}

// Node is a single vertex of a Subgraph. It is a closed variant over the node
// kinds declared in this package: *AssetNode, *ProcessNode, *FileNode and
// *ConnectionNode.
//
// Type-switch over a Node in order to access the kind-specific fields.
type Node interface {
	// NodeKey returns the current key of the node. Before resolution the key is
	// ephemeral (meaningful only inside its event), afterward it is canonical.
	NodeKey() string
	// SetNodeKey rewrites the key of the node in place.
	SetNodeKey(key string)
	// ObservedAt returns the timestamp at which the node was observed.
	ObservedAt() uint64
	// Kind reports the variant of the node.
	Kind() NodeKind

	// nodeidentifier is a no-op method that seals the variant; types outside
	// this package cannot implement Node.
	nodeidentifier()
}

// SessionNode is implemented by the node kinds whose identity is scoped to a
// session on an asset: processes, files and connections.
type SessionNode interface {
	Node
	// AssetKey returns the key of the asset node this session belongs to.
	AssetKey() string
	// SetAssetKey rewrites the asset reference of the node.
	SetAssetKey(key string)
	// SessionDescriptor returns the raw identifier of the session. It is unique
	// only for the lifetime of a session on a single asset.
	SessionDescriptor() string
}

// Envelope carries the fields shared by every Node variant. Embed it (by value)
// into node types.
type Envelope struct {
	ID   string // Key of the node; ephemeral or canonical.
	Seen uint64 // Observation timestamp, in seconds since the epoch.
}

func (e *Envelope) NodeKey() string       { return e.ID }
func (e *Envelope) SetNodeKey(key string) { e.ID = key }
func (e *Envelope) ObservedAt() uint64    { return e.Seen }
func (*Envelope) nodeidentifier()         {}

// AssetNode describes a network asset (i.e. a host). Its identity is resolved
// by the asset's descriptor, see Descriptor.
type AssetNode struct {
	Envelope
	IP       string
	Hostname string
}

func (*AssetNode) Kind() NodeKind { return KindAsset }

// Descriptor returns the value under which the asset is tracked in the asset
// history: its IP address, or its hostname if the address is unknown.
func (n *AssetNode) Descriptor() string {
	if n.IP != "" {
		return n.IP
	}
	return n.Hostname
}

// ProcessNode describes a process that executed on an asset.
type ProcessNode struct {
	Envelope
	Asset        string // Key of the asset node.
	PID          uint64
	Name         string
	CreatedAt    uint64
	TerminatedAt uint64
}

func (*ProcessNode) Kind() NodeKind              { return KindProcess }
func (n *ProcessNode) AssetKey() string          { return n.Asset }
func (n *ProcessNode) SetAssetKey(key string)    { n.Asset = key }
func (n *ProcessNode) SessionDescriptor() string { return strconv.FormatUint(n.PID, 10) }

// FileNode describes a file on an asset. A path alone does not identify a file
// (it may be deleted and recreated), so the inode takes part in its identity.
type FileNode struct {
	Envelope
	Asset     string // Key of the asset node.
	Path      string
	Inode     uint64
	CreatedAt uint64
	DeletedAt uint64
}

func (*FileNode) Kind() NodeKind           { return KindFile }
func (n *FileNode) AssetKey() string       { return n.Asset }
func (n *FileNode) SetAssetKey(key string) { n.Asset = key }
func (n *FileNode) SessionDescriptor() string {
	return n.Path + "#" + strconv.FormatUint(n.Inode, 10)
}

// ConnectionNode describes a network connection observed on an asset.
type ConnectionNode struct {
	Envelope
	Asset      string // Key of the asset node.
	Protocol   string
	LocalAddr  string
	LocalPort  uint64
	RemoteAddr string
	RemotePort uint64
}

func (*ConnectionNode) Kind() NodeKind           { return KindConnection }
func (n *ConnectionNode) AssetKey() string       { return n.Asset }
func (n *ConnectionNode) SetAssetKey(key string) { n.Asset = key }
func (n *ConnectionNode) SessionDescriptor() string {
	return fmt.Sprintf("%s %s:%d->%s:%d", n.Protocol, n.LocalAddr, n.LocalPort, n.RemoteAddr, n.RemotePort)
}

// CloneNode returns a shallow copy of n; all Node variants hold only scalar
// fields, so the copy shares nothing with n.
func CloneNode(n Node) Node {
	switch x := n.(type) {
	case *AssetNode:
		c := *x
		return &c
	case *ProcessNode:
		c := *x
		return &c
	case *FileNode:
		c := *x
		return &c
	case *ConnectionNode:
		c := *x
		return &c
	default:
		panic(fmt.Sprintf("nodeidentifier: unsupported node type %T", n))
	}
}

// newNode returns a zero node of the given kind, or nil if the kind is unknown.
func newNode(kind NodeKind) Node {
	switch kind {
	case KindAsset:
		return new(AssetNode)
	case KindProcess:
		return new(ProcessNode)
	case KindFile:
		return new(FileNode)
	case KindConnection:
		return new(ConnectionNode)
	default:
		return nil
	}
}
