package engine

import "strings"

// Cluster Index
//
// Maps individual addresses to the comma-joined cluster string of the
// off-chain identity they belong to. Cluster-membership events may arrive
// AFTER alerts for member addresses, so applying one migrates any alert
// history already accumulated under a member address to the cluster key and
// re-tags suppression-set membership. Skipping the migration would lose
// evidence gathered before the membership was known.
//
// Invariant: every address appearing in a stored cluster string maps to that
// same cluster string.
type clusterIndex struct {
	clusters map[string]string
	order    []string // insertion order of first-seen addresses, for FIFO eviction
	max      int
}

func newClusterIndex(max int) *clusterIndex {
	return &clusterIndex{
		clusters: make(map[string]string),
		max:      max,
	}
}

// Membership resolves an address to its cluster, or to itself when no
// membership is known. The address must already be lowercased.
func (ci *clusterIndex) Membership(address string) string {
	if cluster, ok := ci.clusters[address]; ok {
		return cluster
	}
	return address
}

// Set records address -> cluster and enforces the capacity by evicting the
// oldest-inserted addresses.
func (ci *clusterIndex) Set(address, cluster string) {
	if _, ok := ci.clusters[address]; !ok {
		ci.order = append(ci.order, address)
	}
	ci.clusters[address] = cluster

	for len(ci.clusters) > ci.max {
		oldest := ci.order[0]
		ci.order = ci.order[1:]
		delete(ci.clusters, oldest)
	}
}

func (ci *clusterIndex) Len() int {
	return len(ci.clusters)
}

// NormalizeCluster canonicalizes an entityAddresses membership list: split by
// comma, lowercase, rejoin. The result is used verbatim as a store key.
func NormalizeCluster(entityAddresses string) string {
	return strings.ToLower(entityAddresses)
}

// clusterIndexSnapshot is the persisted form; the map alone would lose the
// eviction order.
type clusterIndexSnapshot struct {
	Clusters map[string]string `json:"clusters"`
	Order    []string          `json:"order"`
}

func (ci *clusterIndex) snapshot() clusterIndexSnapshot {
	return clusterIndexSnapshot{Clusters: ci.clusters, Order: ci.order}
}

func (ci *clusterIndex) restore(snap clusterIndexSnapshot) {
	if snap.Clusters == nil {
		snap.Clusters = make(map[string]string)
	}
	ci.clusters = snap.Clusters
	ci.order = snap.Order
	// Rebuild order for snapshots written before it was recorded.
	if len(ci.order) < len(ci.clusters) {
		seen := make(map[string]bool, len(ci.order))
		for _, a := range ci.order {
			seen[a] = true
		}
		for a := range ci.clusters {
			if !seen[a] {
				ci.order = append(ci.order, a)
			}
		}
	}
}
