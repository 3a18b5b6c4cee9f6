// Package serializer encodes common.Message values for the framed node
// protocol. The binary format writes only the fields that are set, guarded by
// a flags byte; JSON and gob are kept for debugging and comparison.
//
// The serializer is chosen per client through TransportConfig.Serializer and
// must match the one the nodes use.
package serializer
