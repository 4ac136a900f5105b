package common

import "time"

// RPC methods served by the Queen.
const (
	MethodAnnounce  = "peer.announce"
	MethodHeartbeat = "peer.heartbeat"
)

// RPC methods served by Drones.
const (
	MethodDescribe      = "peer.describe"
	MethodPing          = "ping"
	MethodChunkHave     = "chunk.have"
	MethodChunkManifest = "chunk.manifest"
	MethodChunkStore    = "chunk.store"
	MethodChunkFetch    = "chunk.fetch"
	MethodInfer         = "infer"
)

// AnnounceRequest is sent by a Drone when it joins.
type AnnounceRequest struct {
	PeerID       string       `json:"peer_id"`
	Address      string       `json:"address"`
	Role         Role         `json:"role"`
	Capabilities Capabilities `json:"capabilities"`
	Metrics      HostMetrics  `json:"metrics"`
}

type AnnounceResponse struct {
	QueenID           string        `json:"queen_id"`
	Status            PeerStatus    `json:"status"`
	HeartbeatInterval time.Duration `json:"heartbeat_interval"`
}

// HeartbeatRequest carries liveness plus the round trip of the previous heartbeat.
type HeartbeatRequest struct {
	PeerID    string      `json:"peer_id"`
	LatencyMs float64     `json:"latency_ms"`
	Metrics   HostMetrics `json:"metrics"`
	JobID     string      `json:"job_id,omitempty"`
}

type HeartbeatResponse struct {
	Status PeerStatus `json:"status"`
	// Rejoin asks the Drone to announce again (e.g. after eviction).
	Rejoin bool `json:"rejoin,omitempty"`
}

type DescribeResponse struct {
	PeerID       string       `json:"peer_id"`
	Capabilities Capabilities `json:"capabilities"`
	Objects      []string     `json:"objects"`
}

type PingResponse struct {
	PeerID string    `json:"peer_id"`
	Time   time.Time `json:"time"`
}

type ChunkHaveRequest struct {
	CID string `json:"cid"`
}

type ChunkHaveResponse struct {
	Known    bool  `json:"known"`
	Complete bool  `json:"complete"`
	Indices  []int `json:"indices"`
}

type ChunkManifestRequest struct {
	Object *ContentObject `json:"object"`
}

// Chunk payload encodings.
const (
	EncodingIdentity = "identity"
	EncodingBrotli   = "br"
)

type ChunkFetchRequest struct {
	CID            string `json:"cid"`
	Index          int    `json:"index"`
	AcceptEncoding string `json:"accept_encoding,omitempty"`
}

// ChunkPayload is a chunk on the wire. Data is encoded per Encoding; Digest always
// names the decoded bytes.
type ChunkPayload struct {
	CID      string `json:"cid"`
	Index    int    `json:"index"`
	Digest   string `json:"digest"`
	Encoding string `json:"encoding"`
	Data     []byte `json:"data"`
}

type ChunkStoreResponse struct {
	Complete bool `json:"complete"`
}

// InferRequest asks a Drone to run a job against a locally held object.
type InferRequest struct {
	JobID   string     `json:"job_id"`
	CID     string     `json:"cid"`
	Payload JobPayload `json:"payload"`
}

// InferEventKind enumerates the frames of an infer stream.
type InferEventKind string

const (
	InferStarted  InferEventKind = "started"
	InferToken    InferEventKind = "token"
	InferProgress InferEventKind = "progress"
	InferError    InferEventKind = "error"
	InferDone     InferEventKind = "done"
)

// InferEvent is one frame of an infer stream.
type InferEvent struct {
	Kind      InferEventKind `json:"kind"`
	Token     string         `json:"token,omitempty"`
	Progress  float64        `json:"progress,omitempty"`
	Result    string         `json:"result,omitempty"`
	Code      string         `json:"code,omitempty"`
	Message   string         `json:"message,omitempty"`
	Retryable bool           `json:"retryable,omitempty"`
}
