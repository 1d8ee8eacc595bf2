package protocol

const (
	ErrBadRequest   = "E_BAD_REQUEST"
	ErrNotFound     = "E_NOT_FOUND"
	ErrNoPermission = "E_NO_PERMISSION"
	ErrNoResource   = "E_NO_RESOURCE"
	ErrConflict     = "E_CONFLICT"
	ErrInternal     = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrBadRequest:   {},
	ErrNotFound:     {},
	ErrNoPermission: {},
	ErrNoResource:   {},
	ErrConflict:     {},
	ErrInternal:     {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}

// ErrorBody is the JSON shape of every failed request.
type ErrorBody struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}
