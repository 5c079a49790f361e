package event

// Kind classifies a client-facing error. Kinds are part of the wire contract;
// clients branch on them to decide whether to retry, resync, or reauth.
type Kind string

const (
	KindAuth       Kind = "auth_error"
	KindPermission Kind = "permission_denied"
	KindValidation Kind = "validation_error"
	KindNotFound   Kind = "not_found"
	KindConflict   Kind = "revision_conflict"
	KindTransient  Kind = "transient_error"
	KindInternal   Kind = "internal_error"
)

// ErrorPayload is the body of an `error` (or auth/permission/validation
// variant) frame.
type ErrorPayload struct {
	Message string   `json:"message"`
	Kind    Kind     `json:"kind,omitempty"`
	Fields  []string `json:"fields,omitempty"` // field-level messages for validation_error
}
