// Package nodeidentifier provides the graph model of a node-identification
// stage in a streaming security-graph pipeline.
//
// Upstream producers emit small graphs (a.k.a. subgraphs) describing host
// activity: processes, files, network connections and the assets they run on.
// Node keys in such a subgraph are ephemeral; they are only meaningful within
// the event that produced them. The identify package converts those keys into
// canonical identities by consulting a time-scoped history store, and this
// package defines the containers that flow through that conversion: Node (a
// tagged variant over the supported node kinds), Edge, and Subgraph with its
// order-independent Merge.
//
// Subgraphs cross process boundaries in a deterministic binary encoding (see
// Encode and Decode), and published graphs are named by the content address of
// that encoding (see ObjectKey).
package nodeidentifier
