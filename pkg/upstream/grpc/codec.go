// Copyright 2025 Author(s) of MCP Any
// SPDX-License-Identifier: Apache-2.0

package grpc

// rawCodec lets the dispatcher send and receive opaque []byte payloads
// over gRPC without depending on generated protobuf stubs for every
// backend's service definition — the gateway forwards a JSON-derived body
// and trusts the local inference engine to decode it, the same contract it
// already has with HTTP workers. The teacher's own upstream/grpc package
// resolves methods dynamically via reflection and dynamicpb, but that
// machinery was never retrieved into the example pack outside of its test
// files (which import a proto package, configv1, that does not exist in
// this module); a byte-passthrough codec reaches the same "don't require
// generated stubs" goal using only grpc-go's public encoding.Codec
// extension point.
type rawCodec struct{}

func (rawCodec) Marshal(v any) ([]byte, error) {
	b, ok := v.(*[]byte)
	if !ok {
		if bb, ok := v.([]byte); ok {
			return bb, nil
		}
		return nil, errNotRawBytes
	}
	return *b, nil
}

func (rawCodec) Unmarshal(data []byte, v any) error {
	b, ok := v.(*[]byte)
	if !ok {
		return errNotRawBytes
	}
	*b = append((*b)[:0], data...)
	return nil
}

func (rawCodec) Name() string { return "raw-bytes" }
