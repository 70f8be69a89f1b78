package shadow

var (
	ErrNotLive   = &ModelError{"range does not start a live allocation"}
	ErrNotFree   = &ModelError{"range overlaps live allocations or lies below the base"}
	ErrUnaligned = &ModelError{"range is not aligned"}
)

type ModelError struct {
	Msg string
}

func (e *ModelError) Error() string {
	return e.Msg
}

func (e *ModelError) Is(target error) bool {
	if targetErr, ok := target.(*ModelError); ok {
		return e.Msg == targetErr.Msg
	}
	return false
}
