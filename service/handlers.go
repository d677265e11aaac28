package service

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/placekeeper-io/placekeeper/databases"
	"github.com/placekeeper-io/placekeeper/log/tag"
	"github.com/placekeeper-io/placekeeper/migration"
	"github.com/placekeeper-io/placekeeper/placement"
	"github.com/placekeeper-io/placekeeper/routing"
)

// VersionHeader carries the sender's view of this node's shard version
// for the target collection, in placement.ChunkVersion string form.
const VersionHeader = "X-Placekeeper-Chunk-Version"

type (
	beginMigrationResponse struct {
		MigrationId string `json:"migrationId"`
		Outcome     string `json:"outcome,omitempty"`
		Error       string `json:"error,omitempty"`
	}

	writeDocRequest struct {
		Mod databases.Mod `json:"mod"`
	}

	dataResponse struct {
		Validation *routing.ValidationResult `json:"validation"`
		Docs       []*databases.RangeDoc     `json:"docs,omitempty"`
	}

	finalizeRequest struct {
		Outcome migration.Outcome `json:"outcome"`
	}
)

// ---- admin API ----

func (s *Server) handleBeginMigration(c *gin.Context) {
	var req migration.MigrationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	handle, err := s.donor.BeginMigration(c.Request.Context(), &req)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, migration.ErrConflictingMigrationInProgress) {
			status = http.StatusConflict
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	if c.Query("wait") == "true" {
		outcome, awaitErr := handle.Await(c.Request.Context())
		resp := beginMigrationResponse{
			MigrationId: handle.MigrationId.String(),
			Outcome:     string(outcome),
		}
		if awaitErr != nil {
			resp.Error = awaitErr.Error()
		}
		c.JSON(http.StatusOK, resp)
		return
	}
	c.JSON(http.StatusAccepted, beginMigrationResponse{MigrationId: handle.MigrationId.String()})
}

func (s *Server) handleCurrentMigration(c *gin.Context) {
	handle := s.donor.CurrentMigration()
	if handle == nil {
		c.JSON(http.StatusOK, gin.H{"active": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"active":      true,
		"migrationId": handle.MigrationId.String(),
		"collection":  handle.Collection,
		"range":       handle.Range,
	})
}

// ---- data plane ----

func (s *Server) handleWriteDoc(c *gin.Context) {
	collection := c.Param("collection")
	validation, ok := s.checkVersion(c, collection)
	if !ok {
		return
	}

	var req writeDocRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := s.donor.ApplyWrite(c.Request.Context(), collection, &req.Mod); err != nil {
		if errors.Is(err, migration.ErrWriteSuspended) {
			// Retryable: the critical section is bounded
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, dataResponse{Validation: validation})
}

func (s *Server) handleReadDocs(c *gin.Context) {
	collection := c.Param("collection")
	validation, ok := s.checkVersion(c, collection)
	if !ok {
		return
	}

	rng := databases.KeyRange{Low: c.Query("low"), High: c.Query("high")}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "0"))

	// Pin the placement view for the duration of the read so orphan
	// cleanup cannot delete from under it
	ownVersion, err := s.router.CachedShardVersion(c.Request.Context(), collection, s.cfg.Core.NodeId)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	pin := s.pins.Pin(collection, ownVersion)
	defer pin.Release()

	docs, err := s.donor.ReadDocs(c.Request.Context(), collection, rng, limit)
	if err != nil {
		if errors.Is(err, migration.ErrReadSuspended) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, dataResponse{Validation: validation, Docs: docs})
}

// checkVersion runs the version gate on the request's token. A missing
// header is treated as the ignore sentinel (trusted internal callers).
func (s *Server) checkVersion(c *gin.Context, collection string) (*routing.ValidationResult, bool) {
	sender := placement.IgnoredVersion()
	if raw := c.GetHeader(VersionHeader); raw != "" {
		parsed, err := placement.ParseChunkVersion(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return nil, false
		}
		sender = parsed
	}

	validation, err := s.gate.ValidateShardVersion(c.Request.Context(), collection, sender)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return nil, false
	}
	if validation.Code != routing.Accepted {
		s.logger.Debug("Rejected request with stale version",
			tag.Collection(collection), tag.Value(string(validation.Code)))
		c.JSON(http.StatusConflict, dataResponse{Validation: validation})
		return nil, false
	}
	return validation, true
}

// ---- inter-node migration endpoints ----

func (s *Server) handleStartReceiving(c *gin.Context) {
	var req migration.StartReceivingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.recipient.StartReceiving(c.Request.Context(), &req); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusOK)
}

func (s *Server) handleRecipientStatus(c *gin.Context) {
	migrationId, ok := s.migrationId(c)
	if !ok {
		return
	}
	status, err := s.recipient.GetStatus(c.Request.Context(), migrationId)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, status)
}

func (s *Server) handleRecipientCommit(c *gin.Context) {
	migrationId, ok := s.migrationId(c)
	if !ok {
		return
	}
	if err := s.recipient.Commit(c.Request.Context(), migrationId); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusOK)
}

func (s *Server) handleRecipientFinalize(c *gin.Context) {
	migrationId, ok := s.migrationId(c)
	if !ok {
		return
	}
	var req finalizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.recipient.Finalize(c.Request.Context(), migrationId, req.Outcome); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusOK)
}

func (s *Server) handleCloneBatch(c *gin.Context) {
	migrationId, ok := s.migrationId(c)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "0"))
	docs, err := s.donor.PullCloneBatch(c.Request.Context(), migrationId, c.Query("afterKey"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"docs": docs})
}

func (s *Server) handlePullMods(c *gin.Context) {
	migrationId, ok := s.migrationId(c)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "0"))
	mods, err := s.donor.PullMods(c.Request.Context(), migrationId, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"mods": mods})
}

func (s *Server) migrationId(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("migrationId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed migration id"})
		return uuid.Nil, false
	}
	return id, true
}
