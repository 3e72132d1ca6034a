// Package topic holds the ThingsBoard device API topic layout.
package topic

import "strings"

const (
	// Telemetry receives sensor samples and firmware status events.
	Telemetry = "v1/devices/me/telemetry"

	// RPCRequestPrefix precedes the request id on inbound RPC topics.
	RPCRequestPrefix = "v1/devices/me/rpc/request/"

	// RPCRequestFilter is the subscription filter for inbound RPC.
	RPCRequestFilter = RPCRequestPrefix + "+"

	rpcResponsePrefix = "v1/devices/me/rpc/response/"
)

// IsRPCRequest reports whether t is an inbound RPC request topic.
func IsRPCRequest(t string) bool {
	return strings.HasPrefix(t, RPCRequestPrefix)
}

// RequestID returns the final '/'-delimited segment of t. ok is false
// when that segment is empty.
func RequestID(t string) (id string, ok bool) {
	if i := strings.LastIndexByte(t, '/'); i >= 0 {
		id = t[i+1:]
	} else {
		id = t
	}
	return id, id != ""
}

// RPCResponse returns the topic a response to requestID is published on.
func RPCResponse(requestID string) string {
	return rpcResponsePrefix + requestID
}
