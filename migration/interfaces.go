package migration

import (
	"context"

	"github.com/google/uuid"

	"github.com/placekeeper-io/placekeeper/databases"
	"github.com/placekeeper-io/placekeeper/placement"
)

type (
	Outcome string

	// MigrationRequest asks this node (the donor) to move one of its
	// ranges to the recipient.
	MigrationRequest struct {
		Collection  string             `json:"collection"`
		Range       databases.KeyRange `json:"range"`
		RecipientId string             `json:"recipientId"`
	}

	// StartReceivingRequest is the donor's kickoff call to the recipient.
	// SupersededVersion is the donor's shard version before the commit;
	// both sides record it on their deletion tasks so cleanup only waits
	// for reads that could have seen the old placement.
	StartReceivingRequest struct {
		MigrationId       uuid.UUID              `json:"migrationId"`
		Collection        string                 `json:"collection"`
		Range             databases.KeyRange     `json:"range"`
		DonorId           string                 `json:"donorId"`
		SupersededVersion placement.ChunkVersion `json:"supersededVersion"`
	}

	// RecipientStatus is what the donor polls while waiting for the
	// recipient to catch up. The donor judges steadiness from CloneDone
	// plus its own mod-buffer depth, which the recipient cannot see.
	RecipientStatus struct {
		CloneDone   bool  `json:"cloneDone"`
		ClonedDocs  int64 `json:"clonedDocs"`
		AppliedMods int64 `json:"appliedMods"`
	}

	// RecipientClient is the donor's view of the recipient node.
	RecipientClient interface {
		StartReceiving(ctx context.Context, req *StartReceivingRequest) error
		GetStatus(ctx context.Context, migrationId uuid.UUID) (*RecipientStatus, error)
		// Commit tells the recipient to drain the last buffered mods and
		// acknowledge readiness for the authoritative ownership switch.
		Commit(ctx context.Context, migrationId uuid.UUID) error
		// Finalize reports the decided outcome so the recipient can
		// resolve its own deletion task.
		Finalize(ctx context.Context, migrationId uuid.UUID, outcome Outcome) error
	}

	// DonorClient is the recipient's view of the donor node. The
	// recipient drives the pace of both pulls.
	DonorClient interface {
		PullCloneBatch(ctx context.Context, migrationId uuid.UUID, afterKey string, limit int) ([]*databases.RangeDoc, error)
		PullMods(ctx context.Context, migrationId uuid.UUID, limit int) ([]*databases.Mod, error)
	}

	// PeerResolver turns node ids into transport clients.
	PeerResolver interface {
		Recipient(nodeId string) (RecipientClient, error)
		Donor(nodeId string) (DonorClient, error)
	}

	// CleanupManager is the orphan-cleanup hook both migration sides
	// drive: a pending task is written before any document transfer and
	// resolved (executed or dropped) once the outcome is known.
	CleanupManager interface {
		// WaitForOverlappingTasks blocks until no deletion task on this
		// node overlaps the range; called by the recipient before cloning.
		WaitForOverlappingTasks(ctx context.Context, collection string, rng databases.KeyRange) error
		CreatePendingTask(ctx context.Context, collection string, rng databases.KeyRange, superseded placement.ChunkVersion) (uuid.UUID, error)
		// MarkTaskReady hands the task to the deletion executor.
		MarkTaskReady(ctx context.Context, taskId uuid.UUID) error
		// DropTask removes the task without executing it.
		DropTask(ctx context.Context, taskId uuid.UUID) error
	}
)

const (
	OutcomeCommitted Outcome = "committed"
	OutcomeAborted   Outcome = "aborted"
)
