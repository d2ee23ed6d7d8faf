package api

// Object types reported by the backend for staged entries.
const (
	// ObjectTypeDataObject marks a leaf file.
	ObjectTypeDataObject = "dataobject"
	// ObjectTypeCollection marks a directory.
	ObjectTypeCollection = "collection"
)

// ResourceTarget is the assignment target that attaches a staged file to the
// study as a resource instead of moving it into a dataset.
const ResourceTarget = "resource"

// AssignRequest is the body of POST /api/stage/assign.
type AssignRequest struct {
	// Files maps a staged path to a dataset accession or ResourceTarget.
	Files map[string]string `json:"files"`
	// Study is the accession used for ResourceTarget entries.
	Study string `json:"study,omitempty"`
	// Level selects the data level of the refreshed tree in the response.
	Level string `json:"level,omitempty"`
}

// ImportRequest is the body of POST /api/stage/import.
type ImportRequest struct {
	// Path of the staged collection to import.
	Path string `json:"path"`
	// Kind is "study" or "dataset".
	Kind string `json:"kind"`
	// Study accession, required when Kind is "dataset".
	Study string `json:"study,omitempty"`
}

// ErrorResponse is returned by the HTTP server on failure.
type ErrorResponse struct {
	Error    string   `json:"error"`
	Warnings []string `json:"warnings,omitempty"`
}
