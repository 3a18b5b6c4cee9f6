package vbmap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `{
  "rev": 42,
  "name": "default",
  "nodeLocator": "vbucket",
  "nodes": [
    {"hostname": "$HOST:8091", "status": "healthy", "ports": {"direct": 11210}},
    {"hostname": "10.1.1.2:8091", "status": "warmup", "ports": {"direct": 11210}}
  ],
  "vBucketServerMap": {
    "hashAlgorithm": "CRC",
    "numReplicas": 1,
    "serverList": ["$HOST:11210", "10.1.1.2:11210"],
    "vBucketMap": [[0, 1], [1, 0], [0, -1], [1, -1]],
    "vBucketMapForward": [[1, 0], [1, 0], [0, 1], [0, 1]]
  }
}`

func TestParseBucketConfig(t *testing.T) {
	m, err := ParseBucketConfig([]byte(sampleConfig), "10.1.1.1")
	require.NoError(t, err)

	assert.Equal(t, int64(42), m.Revision())
	assert.Equal(t, "default", m.Bucket())
	assert.Equal(t, HashCRC, m.HashAlgorithm())
	assert.Equal(t, 4, m.PartitionCount())
	assert.Equal(t, 1, m.NumReplicas())

	first := NodeAddress{Host: "10.1.1.1", Port: 11210}
	second := NodeAddress{Host: "10.1.1.2", Port: 11210}
	assert.Equal(t, []Node{{Address: first, Healthy: true}, {Address: second, Healthy: false}}, m.Nodes())

	master, ok := m.Master(1)
	require.True(t, ok)
	assert.Equal(t, second, master)
	assert.Equal(t, []NodeAddress{first}, m.Replicas(1))
	assert.Empty(t, m.Replicas(3))

	fwd, ok := m.ForwardMaster(0)
	require.True(t, ok)
	assert.Equal(t, second, fwd)
}

func TestParseBucketConfig_NodesExt(t *testing.T) {
	doc := `{"rev": 1, "nodesExt": [{"hostname": "a", "services": {"kv": 11210, "mgmt": 8091}},
	  {"services": {"mgmt": 8091}}, {"services": {"kv": 11211}}],
	  "vBucketServerMap": {"numReplicas": 0, "vBucketMap": [[0], [1]]}}`

	m, err := ParseBucketConfig([]byte(doc), "boot")
	require.NoError(t, err)
	assert.Equal(t, []NodeAddress{{Host: "a", Port: 11210}, {Host: "boot", Port: 11211}}, m.Addresses())
}

func TestParseBucketConfig_Errors(t *testing.T) {
	_, err := ParseBucketConfig([]byte(`{"vBucketServerMap": {"serverList": ["h:1"], "vBucketMap": []}}`), "")
	require.ErrorIs(t, err, ErrNoPartitions)

	for name, doc := range map[string]string{
		"not json":     `{`,
		"bad locator":  `{"nodeLocator": "ketama", "vBucketServerMap": {"serverList": ["h:1"], "vBucketMap": [[0]]}}`,
		"bad address":  `{"vBucketServerMap": {"serverList": ["nohost"], "vBucketMap": [[0]]}}`,
		"bad hash":     `{"vBucketServerMap": {"hashAlgorithm": "SHA", "serverList": ["h:1"], "vBucketMap": [[0]]}}`,
		"bad node ref": `{"vBucketServerMap": {"serverList": ["h:1"], "vBucketMap": [[3]]}}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ParseBucketConfig([]byte(doc), "")
			require.ErrorIs(t, err, ErrInvalidMap)
		})
	}
}

func TestMarshalJSON_Parseable(t *testing.T) {
	m := mustMap(t, Config{
		Revision:      7,
		Bucket:        "b",
		HashAlgorithm: HashXXH64,
		NumReplicas:   1,
		Nodes:         []Node{{Address: addr(1), Healthy: true}, {Address: addr(2), Healthy: false}},
		Partitions:    Layout(2, 16, 1),
		Forward:       Layout(2, 16, 1),
	})

	data, err := m.MarshalJSON()
	require.NoError(t, err)

	parsed, err := ParseBucketConfig(data, "")
	require.NoError(t, err)
	assert.Equal(t, m.Revision(), parsed.Revision())
	assert.Equal(t, m.Nodes(), parsed.Nodes())
	assert.Equal(t, m.Partitions(), parsed.Partitions())
	assert.Equal(t, m.Forward(), parsed.Forward())
	assert.Equal(t, m.PartitionIndexOf("some-key"), parsed.PartitionIndexOf("some-key"))
}
