package vbmap

import (
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// hostPlaceholder is substituted with the host the configuration was fetched
// from. Servers use it when they do not know their externally visible name.
const hostPlaceholder = "$HOST"

// bucketConfig is the subset of the bucket configuration document the
// locator needs.
type bucketConfig struct {
	Rev         int64         `json:"rev"`
	Name        string        `json:"name"`
	NodeLocator string        `json:"nodeLocator,omitempty"`
	Nodes       []nodeJSON    `json:"nodes,omitempty"`
	NodesExt    []nodeExtJSON `json:"nodesExt,omitempty"`
	ServerMap   serverMap     `json:"vBucketServerMap"`
}

type nodeJSON struct {
	Hostname string         `json:"hostname"`
	Status   string         `json:"status,omitempty"`
	Ports    map[string]int `json:"ports,omitempty"`
}

type nodeExtJSON struct {
	Hostname string         `json:"hostname,omitempty"`
	Services map[string]int `json:"services"`
}

type serverMap struct {
	HashAlgorithm     string   `json:"hashAlgorithm"`
	NumReplicas       int      `json:"numReplicas"`
	ServerList        []string `json:"serverList"`
	VBucketMap        [][]int  `json:"vBucketMap"`
	VBucketMapForward [][]int  `json:"vBucketMapForward,omitempty"`
}

// ParseBucketConfig parses a bucket configuration document. bootstrapHost
// replaces the $HOST placeholder in node addresses; it may be empty if the
// document is known not to contain placeholders.
func ParseBucketConfig(data []byte, bootstrapHost string) (*PartitionMap, error) {
	var cfg bucketConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMap, err)
	}
	if cfg.NodeLocator != "" && cfg.NodeLocator != "vbucket" {
		return nil, fmt.Errorf("%w: unsupported node locator %q", ErrInvalidMap, cfg.NodeLocator)
	}

	algorithm, err := ParseHashAlgorithm(cfg.ServerMap.HashAlgorithm)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMap, err)
	}

	servers := cfg.ServerMap.ServerList
	if len(servers) == 0 {
		servers = kvServersFromExt(cfg.NodesExt)
	}

	health := nodeHealth(cfg.Nodes, bootstrapHost)
	nodes := make([]Node, 0, len(servers))
	for _, s := range servers {
		addr, err := ParseNodeAddress(strings.ReplaceAll(s, hostPlaceholder, bootstrapHost))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidMap, err)
		}
		healthy, known := health[addr]
		nodes = append(nodes, Node{Address: addr, Healthy: healthy || !known})
	}

	return New(Config{
		Revision:      cfg.Rev,
		Bucket:        cfg.Name,
		HashAlgorithm: algorithm,
		NumReplicas:   cfg.ServerMap.NumReplicas,
		Nodes:         nodes,
		Partitions:    cfg.ServerMap.VBucketMap,
		Forward:       cfg.ServerMap.VBucketMapForward,
	})
}

// kvServersFromExt derives host:port entries from the extended node list.
func kvServersFromExt(ext []nodeExtJSON) []string {
	var out []string
	for _, n := range ext {
		port, ok := n.Services["kv"]
		if !ok {
			continue
		}
		host := n.Hostname
		if host == "" {
			host = hostPlaceholder
		}
		out = append(out, net.JoinHostPort(host, strconv.Itoa(port)))
	}
	return out
}

// nodeHealth maps data addresses to their reported health. Nodes report
// their management address as hostname and the data port as ports.direct.
func nodeHealth(nodes []nodeJSON, bootstrapHost string) map[NodeAddress]bool {
	out := make(map[NodeAddress]bool, len(nodes))
	for _, n := range nodes {
		hostname := strings.ReplaceAll(n.Hostname, hostPlaceholder, bootstrapHost)
		host, _, err := net.SplitHostPort(hostname)
		if err != nil {
			host = hostname
		}
		port, ok := n.Ports["direct"]
		if !ok {
			continue
		}
		out[NodeAddress{Host: host, Port: port}] = n.Status == "" || n.Status == "healthy"
	}
	return out
}

// MarshalJSON renders m as a bucket configuration document accepted by
// ParseBucketConfig.
func (m *PartitionMap) MarshalJSON() ([]byte, error) {
	cfg := bucketConfig{
		Rev:         m.revision,
		Name:        m.bucket,
		NodeLocator: "vbucket",
		ServerMap: serverMap{
			HashAlgorithm:     string(m.algorithm),
			NumReplicas:       m.numReplicas,
			ServerList:        make([]string, 0, len(m.nodes)),
			VBucketMap:        m.partitions,
			VBucketMapForward: m.forward,
		},
	}
	for _, n := range m.nodes {
		cfg.ServerMap.ServerList = append(cfg.ServerMap.ServerList, n.Address.String())
		status := "healthy"
		if !n.Healthy {
			status = "unhealthy"
		}
		cfg.Nodes = append(cfg.Nodes, nodeJSON{
			Hostname: n.Address.String(),
			Status:   status,
			Ports:    map[string]int{"direct": n.Address.Port},
		})
		cfg.NodesExt = append(cfg.NodesExt, nodeExtJSON{
			Hostname: n.Address.Host,
			Services: map[string]int{"kv": n.Address.Port},
		})
	}
	return json.Marshal(cfg)
}
