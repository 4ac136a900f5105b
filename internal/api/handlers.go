package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/hivecompute/hive/core/mesh/cas"
	"github.com/hivecompute/hive/core/mesh/common"
	"github.com/hivecompute/hive/internal/history"
)

// InferenceRequest is the body of POST /api/inference.
type InferenceRequest struct {
	ModelPath     string `json:"model_path"`
	CID           string `json:"cid"`
	Prompt        string `json:"prompt"`
	TokenizerPath string `json:"tokenizer_path"`
	MaxTokens     int    `json:"max_tokens"`
	Async         bool   `json:"async"`
}

// InferenceResponse is returned for a succeeded or accepted job.
type InferenceResponse struct {
	Result string `json:"result,omitempty"`
	JobID  string `json:"job_id"`
	PeerID string `json:"peer_id,omitempty"`
	State  string `json:"state"`
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.swarm.Status(c.Request.Context()))
}

func (s *Server) handlePeers(c *gin.Context) {
	peers, agg := s.swarm.Peers()
	c.JSON(http.StatusOK, gin.H{
		"peers":   peers,
		"metrics": agg,
	})
}

func (s *Server) handleModels(c *gin.Context) {
	models, err := s.swarm.Catalog(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"models": models})
}

// handleUpload streams the "model" part straight into the content store. A repo_id form
// field is only seen when it precedes the file part; the query parameter always works.
func (s *Server) handleUpload(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.cfg.MaxUploadBytes)
	mr, err := c.Request.MultipartReader()
	if err != nil {
		writeError(c, common.ErrInvalidArgument("multipart body required"))
		return
	}

	repoID := c.Query("repo_id")
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(c, err)
			return
		}
		if err != nil {
			writeError(c, common.ErrInvalidArgument("malformed multipart body"))
			return
		}

		switch part.FormName() {
		case "repo_id":
			b, err := io.ReadAll(io.LimitReader(part, 512))
			part.Close()
			if err != nil {
				writeError(c, common.ErrInvalidArgument("unreadable repo_id"))
				return
			}
			repoID = strings.TrimSpace(string(b))
		case "model":
			filename := filepath.Base(part.FileName())
			if filename == "" || filename == "." || filename == "/" {
				part.Close()
				writeError(c, common.ErrInvalidArgument("model file name is required"))
				return
			}
			opts := cas.IngestOptions{Name: filename}
			if repoID != "" {
				opts.Tags = map[string]string{"repo_id": repoID}
			}
			res, err := s.swarm.Ingest(c.Request.Context(), part, cas.UnknownSize, opts)
			part.Close()
			if err != nil {
				s.logger.Warn("upload failed", zap.String("filename", filename), zap.Error(err))
				writeError(c, err)
				return
			}
			s.logger.Info("model uploaded",
				zap.String("filename", filename),
				zap.String("cid", res.Object.CID),
				zap.Bool("deduplicated", res.Deduplicated))
			c.JSON(http.StatusOK, gin.H{
				"status":       "success",
				"filename":     filename,
				"cid":          res.Object.CID,
				"size":         res.Object.Size,
				"deduplicated": res.Deduplicated,
			})
			return
		default:
			part.Close()
		}
	}
	writeError(c, common.ErrInvalidArgument("multipart field \"model\" is required"))
}

func (s *Server) handleInference(c *gin.Context) {
	var req InferenceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, common.ErrInvalidArgument(fmt.Sprintf("invalid request body: %v", err)))
		return
	}
	ref := req.CID
	if ref == "" && req.ModelPath != "" {
		ref = filepath.Base(req.ModelPath)
	}
	payload := common.JobPayload{
		Prompt:       req.Prompt,
		TokenizerRef: req.TokenizerPath,
		MaxTokens:    req.MaxTokens,
	}

	handle, err := s.swarm.Infer(c.Request.Context(), ref, payload)
	if err != nil {
		writeError(c, err)
		return
	}
	if req.Async {
		job := handle.Job()
		c.JSON(http.StatusAccepted, InferenceResponse{JobID: job.ID, State: job.State.String()})
		return
	}

	job, err := handle.Wait(c.Request.Context())
	if err != nil {
		if c.Request.Context().Err() != nil {
			// Client went away; the job carries on and lands in history.
			return
		}
		writeError(c, jobError(job, err))
		return
	}
	c.JSON(http.StatusOK, InferenceResponse{
		Result: job.Result,
		JobID:  job.ID,
		PeerID: job.PeerID,
		State:  job.State.String(),
	})
}

// jobError makes sure the returned error carries the job identifiers.
func jobError(job common.Job, err error) error {
	me, ok := common.AsMeshError(err)
	if !ok {
		me = common.WrapError(common.ErrCodeInternal, "inference failed", err)
	}
	if me.ContextString("job_id") == "" {
		me.WithContext("job_id", job.ID)
	}
	if me.ContextString("cid") == "" && job.CID != "" {
		me.WithContext("cid", job.CID)
	}
	if me.ContextString("peer_id") == "" && job.PeerID != "" {
		me.WithContext("peer_id", job.PeerID)
	}
	return me
}

func (s *Server) handleJobs(c *gin.Context) {
	jobs := s.swarm.Jobs()
	if state := c.Query("state"); state != "" {
		filtered := jobs[:0]
		for _, j := range jobs {
			if j.State.String() == state {
				filtered = append(filtered, j)
			}
		}
		jobs = filtered
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt.After(jobs[j].CreatedAt) })
	c.JSON(http.StatusOK, gin.H{"jobs": jobs})
}

func (s *Server) handleJob(c *gin.Context) {
	id := c.Param("id")
	job, err := s.swarm.Job(id)
	if err == nil {
		c.JSON(http.StatusOK, job)
		return
	}
	if !common.IsCode(err, common.ErrCodeNotFound) || s.opts.History == nil {
		writeError(c, err)
		return
	}
	rec, herr := s.opts.History.Get(c.Request.Context(), id)
	if herr != nil {
		writeError(c, herr)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (s *Server) handleCancelJob(c *gin.Context) {
	id := c.Param("id")
	if err := s.swarm.CancelJob(id); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "cancelled", "job_id": id})
}

func (s *Server) handleHistory(c *gin.Context) {
	if s.opts.History == nil {
		c.JSON(http.StatusOK, gin.H{"jobs": []history.JobRecord{}})
		return
	}
	f := history.Filter{
		CID:    c.Query("cid"),
		PeerID: c.Query("peer_id"),
		State:  c.Query("state"),
	}
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(c, common.ErrInvalidArgument("limit must be a non-negative integer"))
			return
		}
		f.Limit = n
	}
	recs, err := s.opts.History.List(c.Request.Context(), f)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": recs})
}

func (s *Server) handleTransfers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"transfers": s.swarm.Transfers()})
}

func (s *Server) handleContent(c *gin.Context) {
	rc, obj, err := s.swarm.Content(c.Request.Context(), c.Param("cid"))
	if err != nil {
		writeError(c, err)
		return
	}
	defer rc.Close()

	name := obj.Name
	if name == "" {
		name = obj.CID
	}
	c.Header("Last-Modified", obj.CreatedAt.UTC().Format(time.RFC1123))
	c.DataFromReader(http.StatusOK, obj.Size, "application/octet-stream", rc, map[string]string{
		"Content-Disposition": fmt.Sprintf("attachment; filename=%q", name),
		"X-Content-CID":       obj.CID,
	})
}
