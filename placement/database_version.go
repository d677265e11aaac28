package placement

import (
	"fmt"

	"github.com/google/uuid"
)

type (
	// DatabaseVersion tracks which node is the primary for a database.
	// Uuid is immutable until the database is dropped and recreated;
	// LastModified increments on every primary reassignment.
	DatabaseVersion struct {
		Uuid         uuid.UUID `json:"uuid" bson:"uuid"`
		LastModified uint64    `json:"lastModified" bson:"last_modified"`
	}
)

// SystemDatabaseUuid is the fixed uuid shared by system databases,
// which are never moved between primaries.
var SystemDatabaseUuid = uuid.UUID{0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 1}

// NewDatabaseVersion is the version of a freshly created database.
func NewDatabaseVersion() DatabaseVersion {
	return DatabaseVersion{Uuid: uuid.New(), LastModified: 1}
}

// SystemDatabaseVersion is the fixed version of system databases.
func SystemDatabaseVersion() DatabaseVersion {
	return DatabaseVersion{Uuid: SystemDatabaseUuid, LastModified: 0}
}

func (v DatabaseVersion) String() string {
	return fmt.Sprintf("%s|%d", v.Uuid, v.LastModified)
}

// Compare orders v against other. Different uuids mean different
// incarnations of the database and are Incomparable.
func (v DatabaseVersion) Compare(other DatabaseVersion) CompareResult {
	if v.Uuid != other.Uuid {
		return Incomparable
	}
	if v.LastModified != other.LastModified {
		if v.LastModified < other.LastModified {
			return Older
		}
		return Newer
	}
	return Equal
}

// NextPrimaryReassign is the "move database primary" transition.
func NextPrimaryReassign(v DatabaseVersion) DatabaseVersion {
	return DatabaseVersion{Uuid: v.Uuid, LastModified: v.LastModified + 1}
}

// Recreated is the "drop and recreate database" transition: new uuid,
// LastModified restarts at 1.
func Recreated() DatabaseVersion {
	return NewDatabaseVersion()
}
