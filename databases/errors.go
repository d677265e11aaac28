package databases

type (
	DbError struct {
		OriginalError error
		CustomMessage string
		// ConditionFail marks a CAS precondition miss: lock already held,
		// version mismatch on commit, decision already recorded, etc.
		ConditionFail bool
		NotExists     bool
	}
)

func (d *DbError) Error() string {
	msg := d.CustomMessage
	if d.OriginalError != nil {
		msg += "\n" + "Original error: " + d.OriginalError.Error()
	}
	return msg
}

var _ error = (*DbError)(nil)

func NewGenericDbError(msg string, err error) *DbError {
	return &DbError{
		OriginalError: err,
		CustomMessage: msg,
	}
}

func NewDbErrorOnConditionFail(msg string, err error) *DbError {
	return &DbError{
		OriginalError: err,
		CustomMessage: msg,
		ConditionFail: true,
	}
}

func NewDbErrorNotExists(msg string, err error) *DbError {
	return &DbError{
		OriginalError: err,
		CustomMessage: msg,
		NotExists:     true,
	}
}
