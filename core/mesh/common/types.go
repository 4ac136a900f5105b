package common

import (
	"encoding/json"
	"time"
)

// Capabilities describes what a Drone can execute.
type Capabilities struct {
	HasGPU      bool   `json:"has_gpu"`
	MemoryBytes uint64 `json:"memory_bytes"`
	Backend     string `json:"backend,omitempty"`
}

// CapabilityFilter selects peers for a job.
type CapabilityFilter struct {
	RequireGPU     bool   `json:"require_gpu,omitempty"`
	MinMemoryBytes uint64 `json:"min_memory_bytes,omitempty"`
	Backend        string `json:"backend,omitempty"`
}

// Matches reports whether caps satisfies the filter.
func (f CapabilityFilter) Matches(caps Capabilities) bool {
	if f.RequireGPU && !caps.HasGPU {
		return false
	}
	if caps.MemoryBytes < f.MinMemoryBytes {
		return false
	}
	if f.Backend != "" && f.Backend != caps.Backend {
		return false
	}
	return true
}

// HostMetrics is the resource snapshot a Drone reports with each heartbeat.
type HostMetrics struct {
	CPUPercent    float64 `json:"cpu_usage"`
	MemUsedBytes  uint64  `json:"used_mem"`
	MemTotalBytes uint64  `json:"total_mem"`
	GPUPercent    float64 `json:"gpu_usage"`
}

// PeerRecord is the Queen's view of one swarm member. Only the registry mutates it;
// callers always receive copies.
type PeerRecord struct {
	ID               string       `json:"id"`
	Address          string       `json:"address"`
	Role             Role         `json:"role"`
	Capabilities     Capabilities `json:"capabilities"`
	LatencyMs        float64      `json:"latency_ms"`
	Status           PeerStatus   `json:"status"`
	LastHeartbeat    time.Time    `json:"last_heartbeat"`
	JobID            string       `json:"job_id,omitempty"`
	Metrics          HostMetrics  `json:"metrics"`
	MissedHeartbeats int          `json:"missed_heartbeats"`
	UnreachableSince time.Time    `json:"unreachable_since,omitempty"`
	RegisteredAt     time.Time    `json:"registered_at"`
	Synced           bool         `json:"synced"`
	latencySampled   bool
}

// HasLatencySample reports whether at least one latency sample has been folded in.
func (p PeerRecord) HasLatencySample() bool {
	return p.latencySampled
}

// MarkLatencySampled is used by the registry after the first EMA seed.
func (p *PeerRecord) MarkLatencySampled() {
	p.latencySampled = true
}

// ChunkDescriptor locates one chunk inside a ContentObject.
type ChunkDescriptor struct {
	Index  int    `json:"index"`
	Offset int64  `json:"offset"`
	Length int64  `json:"length"`
	Digest string `json:"digest"`
}

// ContentObject is the immutable manifest of a stored artifact.
type ContentObject struct {
	CID       string            `json:"cid"`
	Size      int64             `json:"size"`
	ChunkSize int64             `json:"chunk_size"`
	Chunks    []ChunkDescriptor `json:"chunks"`
	Name      string            `json:"name,omitempty"`
	Tags      map[string]string `json:"tags,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// ChunkCount returns the number of chunks in the manifest.
func (o *ContentObject) ChunkCount() int {
	return len(o.Chunks)
}

// SameChunks reports whether two manifests list identical chunk digests.
func (o *ContentObject) SameChunks(other *ContentObject) bool {
	if len(o.Chunks) != len(other.Chunks) {
		return false
	}
	for i := range o.Chunks {
		if o.Chunks[i].Digest != other.Chunks[i].Digest || o.Chunks[i].Length != other.Chunks[i].Length {
			return false
		}
	}
	return true
}

// Validate checks internal consistency of a manifest received from elsewhere.
func (o *ContentObject) Validate() error {
	if o.CID == "" {
		return ErrInvalidArgument("manifest has no cid")
	}
	if o.ChunkSize <= 0 {
		return ErrInvalidArgument("manifest chunk size must be positive").WithContext("cid", o.CID)
	}
	var offset int64
	for i, c := range o.Chunks {
		if c.Index != i || c.Offset != offset || c.Length <= 0 || c.Length > o.ChunkSize || c.Digest == "" {
			return ErrIntegrity("manifest chunk table is inconsistent").
				WithContext("cid", o.CID).
				WithContext("chunk_index", i)
		}
		offset += c.Length
	}
	if offset != o.Size {
		return ErrIntegrity("manifest chunk lengths do not sum to size").WithContext("cid", o.CID)
	}
	return nil
}

// ObjectSummary is the catalog view of a stored object.
type ObjectSummary struct {
	CID        string            `json:"cid"`
	Name       string            `json:"name,omitempty"`
	Size       int64             `json:"size"`
	ChunkCount int               `json:"chunk_count"`
	Tags       map[string]string `json:"tags,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

// Summary returns the catalog view of o.
func (o *ContentObject) Summary() ObjectSummary {
	return ObjectSummary{
		CID:        o.CID,
		Name:       o.Name,
		Size:       o.Size,
		ChunkCount: len(o.Chunks),
		Tags:       o.Tags,
		CreatedAt:  o.CreatedAt,
	}
}

// JobPayload is the opaque inference request handed to a Drone backend.
type JobPayload struct {
	Prompt       string           `json:"prompt"`
	TokenizerRef string           `json:"tokenizer_ref,omitempty"`
	MaxTokens    int              `json:"max_tokens,omitempty"`
	Params       json.RawMessage  `json:"params,omitempty"`
	Filter       CapabilityFilter `json:"filter,omitempty"`
}

// JobError is the serialisable failure attached to a terminal Job.
type JobError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Job is one inference request.
type Job struct {
	ID           string       `json:"id"`
	CID          string       `json:"cid"`
	Payload      JobPayload   `json:"payload"`
	PeerID       string       `json:"peer_id,omitempty"`
	State        JobState     `json:"state"`
	RetryCount   int          `json:"retry_count"`
	Result       string       `json:"result,omitempty"`
	Tokens       int          `json:"tokens"`
	Error        *JobError    `json:"error,omitempty"`
	FailureCause FailureCause `json:"failure_cause,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
	CompletedAt  time.Time    `json:"completed_at,omitempty"`
}
